package domain

import "time"

// DataSource tags where a TrafficRecord came from.
type DataSource string

// Traffic data sources.
const (
	SourcePrimary      DataSource = "primary"
	SourceHTMLFallback DataSource = "html_fallback"
	SourceCache        DataSource = "cache"
	SourceUnavailable  DataSource = "unavailable"
)

// HistoryMonths is the length of a full visit history.
const HistoryMonths = 12

// AdIntel aggregates creative and delivery signals across the ads of one candidate.
type AdIntel struct {
	ImpressionsLower   int64    `json:"impressions_lower"`
	ImpressionsUpper   int64    `json:"impressions_upper"`
	LongestRunningDays int      `json:"longest_running_days"`
	Platforms          []string `json:"platforms,omitempty"`
	Countries          []string `json:"countries,omitempty"`
	CallsToAction      []string `json:"calls_to_action,omitempty"`
	HasDiscount        bool     `json:"has_discount"`
	HasUrgency         bool     `json:"has_urgency"`
	HasSocialProof     bool     `json:"has_social_proof"`
	HasFreeShipping    bool     `json:"has_free_shipping"`
}

// ProductCandidate is one distinct landing destination found in Stage 1.
// Domain is the dedup key within a run.
type ProductCandidate struct {
	Domain     string   `db:"domain"       json:"domain"`
	LandingURL string   `db:"landing_url"  json:"landing_url"`
	BrandName  string   `db:"brand_name"   json:"brand_name"`
	AdIDs      []string `db:"-"            json:"ad_ids"`
	AdSpendUSD float64  `db:"ad_spend_usd" json:"ad_spend_usd"`
	AdsCount   int      `db:"ads_count"    json:"ads_count"`
	Intel      AdIntel  `db:"-"            json:"intel"`
}

// TrafficRecord is the enrichment outcome for one domain.
// A nil MonthlyVisits is a valid "no data" outcome.
type TrafficRecord struct {
	Domain        string     `json:"domain"`
	MonthlyVisits *int64     `json:"monthly_visits"`
	History       []*int64   `json:"history"`
	GrowthRate    *float64   `json:"growth_rate,omitempty"`
	DataSource    DataSource `json:"data_source"`
	FetchedAt     time.Time  `json:"fetched_at"`
}

// HasData reports whether the record carries a visit count.
func (r TrafficRecord) HasData() bool {
	return r.MonthlyVisits != nil
}

// Clone returns a deep copy.
func (r TrafficRecord) Clone() TrafficRecord {
	out := r
	if r.MonthlyVisits != nil {
		v := *r.MonthlyVisits
		out.MonthlyVisits = &v
	}
	if r.GrowthRate != nil {
		g := *r.GrowthRate
		out.GrowthRate = &g
	}
	if r.History != nil {
		out.History = make([]*int64, len(r.History))
		for i, p := range r.History {
			if p != nil {
				v := *p
				out.History[i] = &v
			}
		}
	}
	return out
}

// GrowthFromHistory compares the last and first non-null history points.
func GrowthFromHistory(history []*int64) *float64 {
	var first, last *int64
	for _, p := range history {
		if p == nil {
			continue
		}
		if first == nil {
			first = p
		}
		last = p
	}
	if first == nil || last == nil || first == last || *first == 0 {
		return nil
	}
	g := float64(*last-*first) / float64(*first)
	return &g
}

// ResultPair joins a candidate with its traffic outcome. Traffic is nil when
// the candidate was never enriched.
type ResultPair struct {
	Candidate ProductCandidate `json:"candidate"`
	Traffic   *TrafficRecord   `json:"traffic"`
}

// RunError is one entry of a run's append-only error list.
type RunError struct {
	Stage   Stage     `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// RunSummary holds the final counts of a run.
type RunSummary struct {
	AdsScanned         int `json:"ads_scanned"`
	AdsDiscarded       int `json:"ads_discarded"`
	ProductsDiscovered int `json:"products_discovered"`
	TrafficEnriched    int `json:"traffic_enriched"`
	NoData             int `json:"no_data"`
	CacheHits          int `json:"cache_hits"`
}

// KeywordRun is one execution of the pipeline for a keyword.
type KeywordRun struct {
	ID          string     `json:"id"`
	Keyword     string     `json:"keyword"`
	State       RunState   `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Stage1Count int        `json:"stage1_count"`
	Stage2Count int        `json:"stage2_count"`
	Errors      []RunError `json:"errors"`
	Summary     RunSummary `json:"summary"`
	Config      RunConfig  `json:"config"`
}

// Clone returns a copy safe to hand to other goroutines.
func (r *KeywordRun) Clone() KeywordRun {
	out := *r
	out.Errors = append([]RunError(nil), r.Errors...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// FailedStage returns the stage of the most recent error.
func (r *KeywordRun) FailedStage() Stage {
	if len(r.Errors) == 0 {
		return StageNone
	}
	return r.Errors[len(r.Errors)-1].Stage
}

// DashboardStats aggregates stored results across keywords.
type DashboardStats struct {
	TotalProducts   int      `db:"total_products"   json:"total_products"`
	UniqueDomains   int      `db:"unique_domains"   json:"unique_domains"`
	EnrichedDomains int      `db:"enriched_domains" json:"enriched_domains"`
	TotalKeywords   int      `db:"total_keywords"   json:"total_keywords"`
	RecentKeywords  []string `db:"-"                json:"recent_keywords"`
}
