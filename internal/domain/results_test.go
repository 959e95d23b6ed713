package domain_test

import (
	"errors"
	"testing"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
)

func resultPairs() []domain.ResultPair {
	visits := func(v int64) *domain.TrafficRecord {
		return &domain.TrafficRecord{MonthlyVisits: &v, DataSource: domain.SourcePrimary}
	}
	return []domain.ResultPair{
		{Candidate: domain.ProductCandidate{Domain: "b.com", BrandName: "bravo", AdSpendUSD: 300, AdsCount: 1}, Traffic: visits(50)},
		{Candidate: domain.ProductCandidate{Domain: "a.com", BrandName: "Alpha", AdSpendUSD: 200, AdsCount: 4}},
		{Candidate: domain.ProductCandidate{Domain: "c.com", BrandName: "charlie", AdSpendUSD: 100, AdsCount: 2}, Traffic: visits(900)},
	}
}

func domainsOf(page domain.ResultPage) []string {
	out := make([]string, 0, len(page.Results))
	for _, p := range page.Results {
		out = append(out, p.Candidate.Domain)
	}
	return out
}

func TestPageResults_Sorting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		by   domain.ResultSort
		desc bool
		want []string
	}{
		{name: "spend desc", by: domain.SortByAdSpend, desc: true, want: []string{"b.com", "a.com", "c.com"}},
		{name: "visits desc, missing last", by: domain.SortByMonthlyVisits, desc: true, want: []string{"c.com", "b.com", "a.com"}},
		{name: "brand name is case-insensitive", by: domain.SortByBrandName, want: []string{"a.com", "b.com", "c.com"}},
		{name: "domain desc", by: domain.SortByBrandDomain, desc: true, want: []string{"c.com", "b.com", "a.com"}},
		{name: "ads count", by: domain.SortByAdsCount, want: []string{"b.com", "c.com", "a.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q := domain.ResultQuery{Page: 1, PageSize: 10, SortBy: tt.by, SortDesc: tt.desc}
			got := domainsOf(domain.PageResults(resultPairs(), q))
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestPageResults_Pagination(t *testing.T) {
	t.Parallel()

	pairs := resultPairs()
	q := domain.ResultQuery{Page: 2, PageSize: 2, SortBy: domain.SortByAdSpend, SortDesc: true}

	page := domain.PageResults(pairs, q)
	if page.Total != 3 || page.TotalPages != 2 || page.Count != 1 {
		t.Fatalf("page = %+v", page)
	}
	if page.Results[0].Candidate.Domain != "c.com" {
		t.Errorf("second page starts with %s", page.Results[0].Candidate.Domain)
	}
	if pairs[0].Candidate.Domain != "b.com" {
		t.Error("input slice was reordered")
	}

	q.Page = 5
	beyond := domain.PageResults(pairs, q)
	if beyond.Count != 0 || beyond.Results == nil {
		t.Errorf("page past the end = %+v", beyond)
	}
}

func TestResultQuery_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		mod   func(q *domain.ResultQuery)
		field string
	}{
		{name: "defaults", mod: func(*domain.ResultQuery) {}},
		{name: "page zero", mod: func(q *domain.ResultQuery) { q.Page = 0 }, field: "page"},
		{name: "page size too small", mod: func(q *domain.ResultQuery) { q.PageSize = 4 }, field: "page_size"},
		{name: "page size too large", mod: func(q *domain.ResultQuery) { q.PageSize = 101 }, field: "page_size"},
		{name: "unknown sort", mod: func(q *domain.ResultQuery) { q.SortBy = "discovered_at" }, field: "sort_by"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q := domain.DefaultResultQuery()
			tt.mod(&q)
			err := q.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			var verr *domain.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("Validate() error = %v, want field %s", err, tt.field)
			}
		})
	}
}
