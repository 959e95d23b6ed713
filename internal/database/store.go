// Package database persists keyword runs and their results.
package database

import (
	"context"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
)

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 50

// Store is the persistence collaborator of the pipeline.
type Store interface {
	// SaveRun inserts or replaces the run row keyed by run ID.
	SaveRun(ctx context.Context, run domain.KeywordRun) error
	// GetLatestRun returns the most recently started run for keyword or
	// domain.ErrRunNotFound.
	GetLatestRun(ctx context.Context, keyword string) (domain.KeywordRun, error)
	ListRuns(ctx context.Context, limit int) ([]domain.KeywordRun, error)
	// SaveCandidates replaces the candidate set of a run.
	SaveCandidates(ctx context.Context, runID string, candidates []domain.ProductCandidate) error
	// SaveTrafficRecords replaces the traffic records of a run.
	SaveTrafficRecords(ctx context.Context, runID string, records []domain.TrafficRecord) error
	// GetResults joins a run's candidates with their traffic, highest spend first.
	GetResults(ctx context.Context, runID string) ([]domain.ResultPair, error)
	// DeleteResults removes every run of keyword with its candidates and
	// traffic records and returns the number of runs removed.
	DeleteResults(ctx context.Context, keyword string) (int, error)
	DashboardStats(ctx context.Context) (domain.DashboardStats, error)
	Ping(ctx context.Context) error
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit*10 {
		return DefaultListLimit
	}
	return limit
}
