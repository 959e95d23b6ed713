package discovery

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// RawAd is one ad-library record as returned by the scraping job dataset.
// Providers disagree on field types, so several fields accept more than one shape.
type RawAd struct {
	AdArchiveID         flexString   `json:"ad_archive_id"`
	ID                  flexString   `json:"id"`
	PageID              flexString   `json:"page_id"`
	PageName            string       `json:"page_name"`
	LandingPageURL      string       `json:"landing_page_url"`
	LinkURL             string       `json:"link_url"`
	Snapshot            rawSnapshot  `json:"snapshot"`
	Spend               *bounds      `json:"spend"`
	Impressions         *bounds      `json:"impressions"`
	AdDeliveryStartTime flexTime     `json:"ad_delivery_start_time"`
	StartDate           flexTime     `json:"start_date"`
	PublisherPlatforms  flexStrings  `json:"publisher_platforms"`
	CallToActionType    string       `json:"call_to_action_type"`
	AdCreativeBody      flexText     `json:"ad_creative_body"`
	AdCreativeLinkTitle flexText     `json:"ad_creative_link_title"`
	Countries           []rawCountry `json:"targeted_or_reached_countries"`
}

type rawSnapshot struct {
	LinkURL         string    `json:"link_url"`
	PageName        string    `json:"page_name"`
	Body            flexText  `json:"body"`
	Title           string    `json:"title"`
	LinkDescription string    `json:"link_description"`
	CTAType         string    `json:"cta_type"`
	CTAText         string    `json:"cta_text"`
	Cards           []rawCard `json:"cards"`
}

type rawCard struct {
	LinkURL string   `json:"link_url"`
	Title   string   `json:"title"`
	Body    flexText `json:"body"`
}

// LandingURL picks the first non-empty landing destination.
func (a RawAd) LandingURL() string {
	for _, candidate := range []string{a.LandingPageURL, a.LinkURL, a.Snapshot.LinkURL} {
		if s := strings.TrimSpace(candidate); s != "" {
			return s
		}
	}
	for _, card := range a.Snapshot.Cards {
		if s := strings.TrimSpace(card.LinkURL); s != "" {
			return s
		}
	}
	return ""
}

// Identifier returns the archive ID, falling back to the record ID.
func (a RawAd) Identifier() string {
	if a.AdArchiveID != "" {
		return string(a.AdArchiveID)
	}
	return string(a.ID)
}

// Brand returns the advertiser page name, falling back to creative titles.
func (a RawAd) Brand() string {
	for _, candidate := range []string{a.PageName, a.Snapshot.PageName, a.Snapshot.Title} {
		if s := strings.TrimSpace(candidate); s != "" {
			return s
		}
	}
	for _, card := range a.Snapshot.Cards {
		if s := strings.TrimSpace(card.Title); s != "" {
			return s
		}
	}
	return ""
}

// SpendEstimate is the midpoint of the reported spend range in USD.
func (a RawAd) SpendEstimate() float64 {
	if a.Spend == nil {
		return 0
	}
	return (a.Spend.Lower + a.Spend.Upper) / 2
}

// bounds is a lower/upper range; a bare number sets both ends.
type bounds struct {
	Lower float64
	Upper float64
}

func (b *bounds) UnmarshalJSON(data []byte) error {
	var single flexNumber
	if err := single.UnmarshalJSON(data); err == nil && !bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		b.Lower, b.Upper = float64(single), float64(single)
		return nil
	}

	var obj struct {
		Lower flexNumber `json:"lower_bound"`
		Upper flexNumber `json:"upper_bound"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	b.Lower, b.Upper = float64(obj.Lower), float64(obj.Upper)
	if b.Upper == 0 {
		b.Upper = b.Lower
	}
	return nil
}

// flexNumber accepts a JSON number, a numeric string, or null.
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	s = strings.NewReplacer(",", "", "$", "", "+", "").Replace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*n = 0
		return nil //nolint:nilerr // unparseable amounts count as unknown
	}
	*n = flexNumber(v)
	return nil
}

// unixMillisThreshold separates Unix milliseconds from Unix seconds.
const unixMillisThreshold = 1e12

var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05-0700", "2006-01-02 15:04:05", time.DateOnly}

// flexTime accepts a timestamp string or Unix seconds or milliseconds given
// as a number or numeric string. Anything else decodes as the zero time.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(data []byte) error {
	*t = flexTime{}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		str = strings.TrimSpace(str)
		for _, layout := range timeLayouts {
			if parsed, parseErr := time.Parse(layout, str); parseErr == nil {
				*t = flexTime(parsed)
				return nil
			}
		}
		data = []byte(str)
	}

	var n flexNumber
	if err := n.UnmarshalJSON(data); err != nil || n <= 0 {
		return nil //nolint:nilerr // unparseable dates count as unknown
	}
	if n >= unixMillisThreshold {
		*t = flexTime(time.UnixMilli(int64(n)).UTC())
	} else {
		*t = flexTime(time.Unix(int64(n), 0).UTC())
	}
	return nil
}

// Time returns the decoded instant.
func (t flexTime) Time() time.Time {
	return time.Time(t)
}

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = flexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		*s = flexString(num.String())
		return nil
	}
	*s = ""
	return nil
}

// flexStrings accepts a single string or a list of strings.
type flexStrings []string

func (s *flexStrings) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil && single != "" {
		*s = []string{single}
		return nil
	}
	*s = nil
	return nil
}

// flexText accepts a string or an object carrying text/content/body.
type flexText string

func (t *flexText) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*t = flexText(str)
		return nil
	}
	var obj struct {
		Text    string `json:"text"`
		Content string `json:"content"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		for _, v := range []string{obj.Text, obj.Content, obj.Body} {
			if v != "" {
				*t = flexText(v)
				return nil
			}
		}
	}
	*t = ""
	return nil
}

// rawCountry accepts "US" or {"name": "United States"}.
type rawCountry string

func (c *rawCountry) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*c = rawCountry(str)
		return nil
	}
	var obj struct {
		Name    string `json:"name"`
		Country string `json:"country"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.Name != "" {
			*c = rawCountry(obj.Name)
		} else {
			*c = rawCountry(obj.Country)
		}
	}
	return nil
}
