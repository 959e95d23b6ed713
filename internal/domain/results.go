package domain

import (
	"cmp"
	"slices"
	"strings"
)

// ResultSort names a field result pairs can be ordered by.
type ResultSort string

// Result sort fields.
const (
	SortByAdSpend       ResultSort = "ad_spend"
	SortByMonthlyVisits ResultSort = "monthly_visits"
	SortByBrandName     ResultSort = "brand_name"
	SortByBrandDomain   ResultSort = "brand_domain"
	SortByAdsCount      ResultSort = "ads_count"
)

// Result page size bounds.
const (
	DefaultResultPageSize = 20
	MinResultPageSize     = 5
	MaxResultPageSize     = 100
)

var resultSorts = []ResultSort{SortByAdSpend, SortByMonthlyVisits, SortByBrandName, SortByBrandDomain, SortByAdsCount}

// ResultQuery selects one page of a run's results.
type ResultQuery struct {
	Page     int
	PageSize int
	SortBy   ResultSort
	SortDesc bool
}

// DefaultResultQuery is the first page ordered by ad spend, highest first.
func DefaultResultQuery() ResultQuery {
	return ResultQuery{Page: 1, PageSize: DefaultResultPageSize, SortBy: SortByAdSpend, SortDesc: true}
}

// Validate checks the page bounds and sort field.
func (q ResultQuery) Validate() error {
	if q.Page < 1 {
		return &ValidationError{Field: "page", Message: "must be at least 1"}
	}
	if q.PageSize < MinResultPageSize || q.PageSize > MaxResultPageSize {
		return &ValidationError{Field: "page_size", Message: "must be between 5 and 100"}
	}
	if !slices.Contains(resultSorts, q.SortBy) {
		names := make([]string, 0, len(resultSorts))
		for _, s := range resultSorts {
			names = append(names, string(s))
		}
		return &ValidationError{Field: "sort_by", Message: "must be one of " + strings.Join(names, ", ")}
	}
	return nil
}

// ResultPage is one page of ordered result pairs.
type ResultPage struct {
	Results    []ResultPair `json:"results"`
	Count      int          `json:"count"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
	TotalPages int          `json:"total_pages"`
}

// PageResults orders pairs by q and cuts out the requested page. Equal keys
// keep their incoming order. pairs is not modified.
func PageResults(pairs []ResultPair, q ResultQuery) ResultPage {
	sorted := slices.Clone(pairs)
	slices.SortStableFunc(sorted, func(a, b ResultPair) int {
		c := compareResults(a, b, q.SortBy)
		if q.SortDesc {
			return -c
		}
		return c
	})

	page := ResultPage{
		Results:  []ResultPair{},
		Total:    len(sorted),
		Page:     q.Page,
		PageSize: q.PageSize,
	}
	if q.PageSize > 0 {
		page.TotalPages = (len(sorted) + q.PageSize - 1) / q.PageSize
	}

	start := (q.Page - 1) * q.PageSize
	if start >= 0 && start < len(sorted) {
		end := min(start+q.PageSize, len(sorted))
		page.Results = sorted[start:end]
	}
	page.Count = len(page.Results)
	return page
}

func compareResults(a, b ResultPair, by ResultSort) int {
	switch by {
	case SortByMonthlyVisits:
		return cmp.Compare(a.visits(), b.visits())
	case SortByBrandName:
		return cmp.Compare(strings.ToLower(a.Candidate.BrandName), strings.ToLower(b.Candidate.BrandName))
	case SortByBrandDomain:
		return cmp.Compare(a.Candidate.Domain, b.Candidate.Domain)
	case SortByAdsCount:
		return cmp.Compare(a.Candidate.AdsCount, b.Candidate.AdsCount)
	default:
		return cmp.Compare(a.Candidate.AdSpendUSD, b.Candidate.AdSpendUSD)
	}
}

// visits treats a missing traffic figure as zero.
func (p ResultPair) visits() int64 {
	if p.Traffic == nil || p.Traffic.MonthlyVisits == nil {
		return 0
	}
	return *p.Traffic.MonthlyVisits
}
