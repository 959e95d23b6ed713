package pipeline

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/eventbus"
)

// runEntry is the registry slot of one run. Only the run's own goroutine
// writes run, candidates and records; the mutex lets other goroutines read
// consistent copies.
type runEntry struct {
	mu         sync.RWMutex
	run        domain.KeywordRun
	candidates []domain.ProductCandidate
	records    []domain.TrafficRecord
	logs       []domain.LogEntry

	topic     *eventbus.Topic
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

func (e *runEntry) snapshot() domain.KeywordRun {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run.Clone()
}

func (e *runEntry) terminal() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run.State.IsTerminal()
}

// finished reports whether the owning goroutine has returned.
func (e *runEntry) finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *runEntry) update(fn func(run *domain.KeywordRun)) domain.KeywordRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.run)
	return e.run.Clone()
}

func (e *runEntry) setCandidates(candidates []domain.ProductCandidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = candidates
}

func (e *runEntry) setRecords(records []domain.TrafficRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = records
}

// appendLog keeps the newest limit entries.
func (e *runEntry) appendLog(entry domain.LogEntry, limit int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs = append(e.logs, entry)
	if over := len(e.logs) - limit; over > 0 {
		e.logs = slices.Delete(e.logs, 0, over)
	}
}

// logHistory returns up to the newest limit entries, oldest first.
func (e *runEntry) logHistory(limit int) []domain.LogEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	start := max(len(e.logs)-limit, 0)
	return slices.Clone(e.logs[start:])
}

// results joins the in-memory candidates with their records, highest spend first.
func (e *runEntry) results() []domain.ResultPair {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return joinResults(e.candidates, e.records)
}

func joinResults(candidates []domain.ProductCandidate, records []domain.TrafficRecord) []domain.ResultPair {
	byDomain := make(map[string]domain.TrafficRecord, len(records))
	for _, rec := range records {
		byDomain[rec.Domain] = rec
	}

	pairs := make([]domain.ResultPair, 0, len(candidates))
	for _, c := range candidates {
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
	return pairs
}
