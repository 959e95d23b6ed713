package traffic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/circuitbreaker"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/httpx"
)

// PrimaryProviderName labels the primary lookup in errors and metrics.
const PrimaryProviderName = "similarweb"

const (
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	extensionOrigin = "chrome-extension://hoklmmgfnpapgjgcpechhaamimifchmp"
)

// SimilarwebConfig configures a SimilarwebClient.
type SimilarwebConfig struct {
	LookupURL   string
	ProxyURL    string
	ProxyAPIKey string
	Breaker     circuitbreaker.Config
}

// SimilarwebClient reads visit estimates from the browser-extension lookup
// endpoint, optionally through a scraping proxy.
type SimilarwebClient struct {
	http        *http.Client
	lookupURL   string
	proxyURL    string
	proxyAPIKey string
	breaker     *circuitbreaker.Breaker
}

// NewSimilarwebClient creates a SimilarwebClient. httpClient may be nil.
// Only transient failures count against the circuit breaker.
func NewSimilarwebClient(cfg SimilarwebConfig, httpClient *http.Client) *SimilarwebClient {
	if httpClient == nil {
		httpClient = httpx.NewClient(nil)
	}
	if cfg.Breaker.IsFailure == nil {
		cfg.Breaker.IsFailure = domain.IsRetryable
	}
	return &SimilarwebClient{
		http:        httpClient,
		lookupURL:   cfg.LookupURL,
		proxyURL:    cfg.ProxyURL,
		proxyAPIKey: cfg.ProxyAPIKey,
		breaker:     circuitbreaker.New(cfg.Breaker),
	}
}

// Name implements Source.
func (c *SimilarwebClient) Name() string {
	return PrimaryProviderName
}

// BreakerState exposes the circuit state for health reporting.
func (c *SimilarwebClient) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// Lookup implements Source. An open circuit fails fast with a transient error.
func (c *SimilarwebClient) Lookup(ctx context.Context, domainName string) (Observation, error) {
	var obs Observation
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var lookupErr error
		obs, lookupErr = c.lookup(ctx, domainName)
		return lookupErr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return Observation{}, &domain.TransientProviderError{Provider: PrimaryProviderName, Err: err}
	}
	return obs, err
}

func (c *SimilarwebClient) endpoint(domainName string) string {
	target := c.lookupURL + "?domain=" + url.QueryEscape(domainName)
	if c.proxyURL == "" {
		return target
	}
	query := url.Values{}
	query.Set("api_key", c.proxyAPIKey)
	query.Set("url", target)
	return c.proxyURL + "?" + query.Encode()
}

func (c *SimilarwebClient) lookup(ctx context.Context, domainName string) (Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(domainName), http.NoBody)
	if err != nil {
		return Observation{}, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", extensionOrigin)
	req.Header.Set("Referer", extensionOrigin+"/index.html")

	resp, err := httpx.Do(c.http, req, PrimaryProviderName)
	if err != nil {
		var rejection *domain.ProviderRejectionError
		if errors.As(err, &rejection) && rejection.StatusCode == http.StatusNotFound {
			return Observation{}, domain.ErrNoData
		}
		return Observation{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var body lookupResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr != nil {
		return Observation{}, &domain.TransientProviderError{
			Provider: PrimaryProviderName,
			Err:      fmt.Errorf("decode lookup response: %w", decodeErr),
		}
	}
	return body.observation()
}

type lookupResponse struct {
	SiteData *struct {
		GeneralData struct {
			Visits json.RawMessage `json:"visits"`
		} `json:"general_data"`
		Traffic struct {
			History []historyPoint `json:"history"`
		} `json:"traffic"`
	} `json:"site_data"`
}

func (r lookupResponse) observation() (Observation, error) {
	if r.SiteData == nil {
		return Observation{}, domain.ErrNoData
	}

	history := make([]*int64, 0, domain.HistoryMonths)
	points := r.SiteData.Traffic.History
	if len(points) > domain.HistoryMonths {
		points = points[len(points)-domain.HistoryMonths:]
	}
	for _, p := range points {
		history = append(history, p.value)
	}
	if len(history) == 0 {
		history = nil
	}

	visits, ok := ParseVisits(string(r.SiteData.GeneralData.Visits))
	if !ok {
		last := lastPoint(history)
		if last == nil {
			return Observation{}, domain.ErrNoData
		}
		visits = *last
	}
	return Observation{MonthlyVisits: visits, History: history}, nil
}

func lastPoint(history []*int64) *int64 {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] != nil {
			return history[i]
		}
	}
	return nil
}

// historyPoint accepts a number, a "402K" string, null, or {"visits": ...}.
type historyPoint struct {
	value *int64
}

func (p *historyPoint) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, "{") {
		var obj struct {
			Visits json.RawMessage `json:"visits"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		raw = string(obj.Visits)
	}
	if v, ok := ParseVisits(raw); ok {
		p.value = &v
	}
	return nil
}
