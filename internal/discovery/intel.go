package discovery

import (
	"slices"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
)

var (
	discountTerms    = []string{"sale", "% off", "discount", "save ", "deal", "special offer", "coupon"}
	urgencyTerms     = []string{"today", "now", "limited time", "hurry", "last chance", "ending soon", "while supplies last"}
	socialProofTerms = []string{"bestseller", "best seller", "popular", "trending", "viral", "reviews", "rated", "testimonial"}
	shippingTerms    = []string{"free shipping", "free delivery", "shipping included"}
)

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

func (a RawAd) creativeText() string {
	parts := []string{
		string(a.AdCreativeBody), string(a.AdCreativeLinkTitle),
		string(a.Snapshot.Body), a.Snapshot.Title, a.Snapshot.LinkDescription,
	}
	for _, card := range a.Snapshot.Cards {
		parts = append(parts, card.Title, string(card.Body))
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func (a RawAd) callToAction() string {
	for _, cta := range []string{a.CallToActionType, a.Snapshot.CTAType, a.Snapshot.CTAText} {
		if s := strings.TrimSpace(cta); s != "" {
			return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
		}
	}
	return ""
}

func (a RawAd) runningDays(now time.Time) int {
	start := a.AdDeliveryStartTime.Time()
	if start.IsZero() {
		start = a.StartDate.Time()
	}
	if start.IsZero() || start.After(now) {
		return 0
	}
	return int(now.Sub(start).Hours() / 24)
}

// mergeIntel folds one ad's signals into a candidate's aggregate.
func mergeIntel(intel *domain.AdIntel, ad RawAd, now time.Time) {
	if ad.Impressions != nil {
		intel.ImpressionsLower += int64(ad.Impressions.Lower)
		intel.ImpressionsUpper += int64(ad.Impressions.Upper)
	}
	intel.LongestRunningDays = max(intel.LongestRunningDays, ad.runningDays(now))

	for _, p := range ad.PublisherPlatforms {
		intel.Platforms = appendUnique(intel.Platforms, strings.ToLower(p))
	}
	for _, c := range ad.Countries {
		intel.Countries = appendUnique(intel.Countries, string(c))
	}
	if cta := ad.callToAction(); cta != "" {
		intel.CallsToAction = appendUnique(intel.CallsToAction, cta)
	}

	text := ad.creativeText()
	intel.HasDiscount = intel.HasDiscount || containsAny(text, discountTerms)
	intel.HasUrgency = intel.HasUrgency || containsAny(text, urgencyTerms)
	intel.HasSocialProof = intel.HasSocialProof || containsAny(text, socialProofTerms)
	intel.HasFreeShipping = intel.HasFreeShipping || containsAny(text, shippingTerms)
}

func appendUnique(list []string, v string) []string {
	if v == "" || slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
