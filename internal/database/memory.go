package database

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
)

// MemoryStore is an in-process Store used by one-shot CLI runs and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	runs       map[string]domain.KeywordRun
	candidates map[string][]domain.ProductCandidate
	traffic    map[string][]domain.TrafficRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string]domain.KeywordRun),
		candidates: make(map[string][]domain.ProductCandidate),
		traffic:    make(map[string][]domain.TrafficRecord),
	}
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// SaveRun implements Store.
func (s *MemoryStore) SaveRun(_ context.Context, run domain.KeywordRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetLatestRun implements Store.
func (s *MemoryStore) GetLatestRun(_ context.Context, keyword string) (domain.KeywordRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest domain.KeywordRun
		found  bool
	)
	for _, run := range s.runs {
		if run.Keyword != keyword {
			continue
		}
		if !found || run.StartedAt.After(latest.StartedAt) {
			latest, found = run, true
		}
	}
	if !found {
		return domain.KeywordRun{}, domain.ErrRunNotFound
	}
	return latest.Clone(), nil
}

// ListRuns implements Store.
func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]domain.KeywordRun, error) {
	s.mu.RLock()
	runs := make([]domain.KeywordRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(runs, func(a, b domain.KeywordRun) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit = clampLimit(limit); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// SaveCandidates implements Store.
func (s *MemoryStore) SaveCandidates(_ context.Context, runID string, candidates []domain.ProductCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates[runID] = slices.Clone(candidates)
	return nil
}

// SaveTrafficRecords implements Store.
func (s *MemoryStore) SaveTrafficRecords(_ context.Context, runID string, records []domain.TrafficRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := make([]domain.TrafficRecord, 0, len(records))
	for _, rec := range records {
		cloned = append(cloned, rec.Clone())
	}
	s.traffic[runID] = cloned
	return nil
}

// GetResults implements Store.
func (s *MemoryStore) GetResults(_ context.Context, runID string) ([]domain.ResultPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byDomain := make(map[string]domain.TrafficRecord, len(s.traffic[runID]))
	for _, rec := range s.traffic[runID] {
		byDomain[rec.Domain] = rec
	}

	pairs := make([]domain.ResultPair, 0, len(s.candidates[runID]))
	for _, c := range s.candidates[runID] {
		pair := domain.ResultPair{Candidate: c}
		if rec, ok := byDomain[c.Domain]; ok {
			cloned := rec.Clone()
			pair.Traffic = &cloned
		}
		pairs = append(pairs, pair)
	}
	slices.SortStableFunc(pairs, func(a, b domain.ResultPair) int {
		return cmp.Compare(b.Candidate.AdSpendUSD, a.Candidate.AdSpendUSD)
	})
	return pairs, nil
}

// DeleteResults implements Store.
func (s *MemoryStore) DeleteResults(_ context.Context, keyword string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, run := range s.runs {
		if run.Keyword != keyword {
			continue
		}
		delete(s.runs, id)
		delete(s.candidates, id)
		delete(s.traffic, id)
		deleted++
	}
	return deleted, nil
}

// DashboardStats implements Store.
func (s *MemoryStore) DashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	s.mu.RLock()
	stats := domain.DashboardStats{RecentKeywords: []string{}}
	domains := make(map[string]struct{})
	enriched := make(map[string]struct{})
	for _, list := range s.candidates {
		stats.TotalProducts += len(list)
		for _, c := range list {
			domains[c.Domain] = struct{}{}
		}
	}
	for _, list := range s.traffic {
		for _, rec := range list {
			if rec.HasData() {
				enriched[rec.Domain] = struct{}{}
			}
		}
	}
	s.mu.RUnlock()

	stats.UniqueDomains = len(domains)
	stats.EnrichedDomains = len(enriched)

	runs, err := s.ListRuns(ctx, DefaultListLimit*10)
	if err != nil {
		return domain.DashboardStats{}, err
	}
	keywords := make(map[string]struct{})
	for _, run := range runs {
		if _, seen := keywords[run.Keyword]; seen {
			continue
		}
		keywords[run.Keyword] = struct{}{}
		if len(stats.RecentKeywords) < recentKeywordsLimit {
			stats.RecentKeywords = append(stats.RecentKeywords, run.Keyword)
		}
	}
	stats.TotalKeywords = len(keywords)
	return stats, nil
}
