package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Keyword length bounds, after normalization.
const (
	MinKeywordLength = 2
	MaxKeywordLength = 100
)

// RunConfig is the tunable snapshot frozen at run start.
type RunConfig struct {
	MaxAds              int    `json:"maxAds"              yaml:"max_ads"`
	CountryCode         string `json:"countryCode"         yaml:"country_code"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds" yaml:"poll_interval_seconds"`
	Concurrency         int    `json:"concurrency"         yaml:"concurrency"`
	ApifyTimeoutSeconds int    `json:"apifyTimeoutSeconds" yaml:"apify_timeout_seconds"`
	MinAdSpendUSD       int    `json:"minAdSpendUsd"       yaml:"min_ad_spend_usd"`
	MaxDomainsPerMinute int    `json:"maxDomainsPerMinute" yaml:"max_domains_per_minute"`
	DomainBatchSize     int    `json:"domainBatchSize"     yaml:"domain_batch_size"`
	RetryAttempts       int    `json:"retryAttempts"       yaml:"retry_attempts"`
	CacheTTLDays        int    `json:"cacheTtlDays"        yaml:"cache_ttl_days"`
	HTMLFallbackEnabled bool   `json:"htmlFallbackEnabled" yaml:"html_fallback_enabled"`
	DryRunMode          bool   `json:"dryRunMode"          yaml:"dry_run_mode"`
}

// DefaultRunConfig returns the documented defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxAds:              50,
		CountryCode:         "US",
		PollIntervalSeconds: 15,
		Concurrency:         5,
		ApifyTimeoutSeconds: 900,
		MinAdSpendUSD:       0,
		MaxDomainsPerMinute: 40,
		DomainBatchSize:     15,
		RetryAttempts:       2,
		CacheTTLDays:        30,
		HTMLFallbackEnabled: true,
		DryRunMode:          false,
	}
}

type intRange struct {
	field    string
	value    int
	min, max int
}

// Validate checks every tunable against its allowed range.
func (c RunConfig) Validate() error {
	ranges := []intRange{
		{"maxAds", c.MaxAds, 1, 500},
		{"pollIntervalSeconds", c.PollIntervalSeconds, 5, 60},
		{"concurrency", c.Concurrency, 1, 20},
		{"apifyTimeoutSeconds", c.ApifyTimeoutSeconds, 60, 3600},
		{"maxDomainsPerMinute", c.MaxDomainsPerMinute, 1, 100},
		{"domainBatchSize", c.DomainBatchSize, 1, 50},
		{"retryAttempts", c.RetryAttempts, 0, 5},
		{"cacheTtlDays", c.CacheTTLDays, 1, 90},
	}
	for _, r := range ranges {
		if r.value < r.min || r.value > r.max {
			return &ValidationError{
				Field:   r.field,
				Message: fmt.Sprintf("must be between %d and %d, got %d", r.min, r.max, r.value),
			}
		}
	}
	if c.MinAdSpendUSD < 0 {
		return &ValidationError{Field: "minAdSpendUsd", Message: "must not be negative"}
	}
	if !isCountryCode(c.CountryCode) {
		return &ValidationError{Field: "countryCode", Message: "must be a two-letter country code"}
	}
	return nil
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// PollInterval is the Stage 1 job polling interval.
func (c RunConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// DiscoveryTimeout is the Stage 1 wall-clock budget.
func (c RunConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(c.ApifyTimeoutSeconds) * time.Second
}

// CacheTTL is the traffic cache lifetime.
func (c RunConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLDays) * 24 * time.Hour
}

// NormalizeKeyword trims, lowercases and collapses whitespace, then checks length.
func NormalizeKeyword(raw string) (string, error) {
	keyword := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	n := utf8.RuneCountInString(keyword)
	if n < MinKeywordLength || n > MaxKeywordLength {
		return "", &ValidationError{
			Field:   "keyword",
			Message: fmt.Sprintf("must be %d-%d characters after trimming", MinKeywordLength, MaxKeywordLength),
		}
	}
	return keyword, nil
}

// RunRequest is an inbound request to start a run. Nil fields take defaults.
type RunRequest struct {
	Keyword             string  `json:"keyword"`
	MaxAds              *int    `json:"maxAds,omitempty"`
	CountryCode         *string `json:"countryCode,omitempty"`
	PollIntervalSeconds *int    `json:"pollIntervalSeconds,omitempty"`
	Concurrency         *int    `json:"concurrency,omitempty"`
	ApifyTimeoutSeconds *int    `json:"apifyTimeoutSeconds,omitempty"`
	MinAdSpendUSD       *int    `json:"minAdSpendUsd,omitempty"`
	MaxDomainsPerMinute *int    `json:"maxDomainsPerMinute,omitempty"`
	DomainBatchSize     *int    `json:"domainBatchSize,omitempty"`
	RetryAttempts       *int    `json:"retryAttempts,omitempty"`
	CacheTTLDays        *int    `json:"cacheTtlDays,omitempty"`
	HTMLFallbackEnabled *bool   `json:"htmlFallbackEnabled,omitempty"`
	DryRunMode          *bool   `json:"dryRunMode,omitempty"`
}

// Resolve normalizes the keyword and merges the request over defaults.
func (r RunRequest) Resolve(defaults RunConfig) (string, RunConfig, error) {
	keyword, err := NormalizeKeyword(r.Keyword)
	if err != nil {
		return "", RunConfig{}, err
	}

	cfg := defaults
	setInt(&cfg.MaxAds, r.MaxAds)
	setInt(&cfg.PollIntervalSeconds, r.PollIntervalSeconds)
	setInt(&cfg.Concurrency, r.Concurrency)
	setInt(&cfg.ApifyTimeoutSeconds, r.ApifyTimeoutSeconds)
	setInt(&cfg.MinAdSpendUSD, r.MinAdSpendUSD)
	setInt(&cfg.MaxDomainsPerMinute, r.MaxDomainsPerMinute)
	setInt(&cfg.DomainBatchSize, r.DomainBatchSize)
	setInt(&cfg.RetryAttempts, r.RetryAttempts)
	setInt(&cfg.CacheTTLDays, r.CacheTTLDays)
	if r.CountryCode != nil {
		cfg.CountryCode = strings.ToUpper(strings.TrimSpace(*r.CountryCode))
	}
	if r.HTMLFallbackEnabled != nil {
		cfg.HTMLFallbackEnabled = *r.HTMLFallbackEnabled
	}
	if r.DryRunMode != nil {
		cfg.DryRunMode = *r.DryRunMode
	}

	if validateErr := cfg.Validate(); validateErr != nil {
		return "", RunConfig{}, validateErr
	}
	return keyword, cfg, nil
}

func setInt(dst, src *int) {
	if src != nil {
		*dst = *src
	}
}
