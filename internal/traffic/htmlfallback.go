package traffic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/httpx"
)

// FallbackProviderName labels the HTML fallback in errors and metrics.
const FallbackProviderName = "html_profile"

// DefaultVisitSelectors locate the total-visits figure on a public profile page.
var DefaultVisitSelectors = []string{
	"[data-test=total-visits]",
	".engagement-list__item-value",
}

// HTMLScraper reads the visit estimate off a domain's public profile page.
type HTMLScraper struct {
	http       *http.Client
	profileURL string
	selectors  []string
}

// NewHTMLScraper creates an HTMLScraper for pages at {profileURL}/{domain}.
// httpClient may be nil; empty selectors use DefaultVisitSelectors.
func NewHTMLScraper(profileURL string, httpClient *http.Client, selectors ...string) *HTMLScraper {
	if httpClient == nil {
		httpClient = httpx.NewClient(nil)
	}
	if len(selectors) == 0 {
		selectors = DefaultVisitSelectors
	}
	return &HTMLScraper{
		http:       httpClient,
		profileURL: strings.TrimRight(profileURL, "/"),
		selectors:  selectors,
	}
}

// Name implements Source.
func (s *HTMLScraper) Name() string {
	return FallbackProviderName
}

// Lookup implements Source.
func (s *HTMLScraper) Lookup(ctx context.Context, domainName string) (Observation, error) {
	endpoint := s.profileURL + "/" + url.PathEscape(domainName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return Observation{}, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := httpx.Do(s.http, req, FallbackProviderName)
	if err != nil {
		var rejection *domain.ProviderRejectionError
		if errors.As(err, &rejection) && rejection.StatusCode == http.StatusNotFound {
			return Observation{}, domain.ErrNoData
		}
		return Observation{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return Observation{}, &domain.TransientProviderError{
			Provider: FallbackProviderName,
			Err:      fmt.Errorf("parse profile page: %w", err),
		}
	}

	for _, selector := range s.selectors {
		var (
			visits int64
			found  bool
		)
		doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			visits, found = ParseVisits(sel.Text())
			return !found
		})
		if found {
			return Observation{MonthlyVisits: visits}, nil
		}
	}
	return Observation{}, domain.ErrNoData
}
