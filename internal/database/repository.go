package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
)

const recentKeywordsLimit = 10

// Repository is the PostgreSQL Store.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a new repository instance
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying handle for health checks.
func (r *Repository) DB() *sqlx.DB {
	return r.db
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// ====================
// Runs
// ====================

const runColumns = `id, keyword, state, started_at, completed_at, stage1_count, stage2_count, errors, summary, config`

type runRow struct {
	ID          string       `db:"id"`
	Keyword     string       `db:"keyword"`
	State       string       `db:"state"`
	StartedAt   time.Time    `db:"started_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
	Stage1Count int          `db:"stage1_count"`
	Stage2Count int          `db:"stage2_count"`
	Errors      []byte       `db:"errors"`
	Summary     []byte       `db:"summary"`
	Config      []byte       `db:"config"`
}

func (row runRow) toDomain() (domain.KeywordRun, error) {
	run := domain.KeywordRun{
		ID:          row.ID,
		Keyword:     row.Keyword,
		State:       domain.RunState(row.State),
		StartedAt:   row.StartedAt,
		Stage1Count: row.Stage1Count,
		Stage2Count: row.Stage2Count,
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		run.CompletedAt = &t
	}
	if err := unmarshalJSONB(row.Errors, &run.Errors); err != nil {
		return domain.KeywordRun{}, fmt.Errorf("decode run errors: %w", err)
	}
	if err := unmarshalJSONB(row.Summary, &run.Summary); err != nil {
		return domain.KeywordRun{}, fmt.Errorf("decode run summary: %w", err)
	}
	if err := unmarshalJSONB(row.Config, &run.Config); err != nil {
		return domain.KeywordRun{}, fmt.Errorf("decode run config: %w", err)
	}
	return run, nil
}

func unmarshalJSONB(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// SaveRun upserts a run.
func (r *Repository) SaveRun(ctx context.Context, run domain.KeywordRun) error {
	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("encode run errors: %w", err)
	}
	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}

	var completedAt sql.NullTime
	if run.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *run.CompletedAt, Valid: true}
	}

	query := `
		INSERT INTO keyword_runs (` + runColumns + `, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			completed_at = EXCLUDED.completed_at,
			stage1_count = EXCLUDED.stage1_count,
			stage2_count = EXCLUDED.stage2_count,
			errors = EXCLUDED.errors,
			summary = EXCLUDED.summary,
			updated_at = NOW()
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID, run.Keyword, string(run.State), run.StartedAt, completedAt,
		run.Stage1Count, run.Stage2Count, errorsJSON, summaryJSON, configJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetLatestRun returns the newest run for keyword.
func (r *Repository) GetLatestRun(ctx context.Context, keyword string) (domain.KeywordRun, error) {
	var row runRow
	query := `SELECT ` + runColumns + ` FROM keyword_runs WHERE keyword = $1 ORDER BY started_at DESC LIMIT 1`

	if err := r.db.GetContext(ctx, &row, query, keyword); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.KeywordRun{}, domain.ErrRunNotFound
		}
		return domain.KeywordRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toDomain()
}

// ListRuns returns the newest runs across keywords.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]domain.KeywordRun, error) {
	rows := []runRow{}
	query := `SELECT ` + runColumns + ` FROM keyword_runs ORDER BY started_at DESC LIMIT $1`

	if err := r.db.SelectContext(ctx, &rows, query, clampLimit(limit)); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]domain.KeywordRun, 0, len(rows))
	for _, row := range rows {
		run, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// ====================
// Results
// ====================

// SaveCandidates replaces the candidates of a run in one transaction.
func (r *Repository) SaveCandidates(ctx context.Context, runID string, candidates []domain.ProductCandidate) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM product_candidates WHERE run_id = $1`, runID); err != nil {
			return fmt.Errorf("clear candidates: %w", err)
		}

		query := `
			INSERT INTO product_candidates
				(run_id, position, domain, landing_url, brand_name, ad_ids, ad_spend_usd, ads_count, intel)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		for i := range candidates {
			c := &candidates[i]
			intel, err := json.Marshal(c.Intel)
			if err != nil {
				return fmt.Errorf("encode intel for %s: %w", c.Domain, err)
			}
			if _, err = tx.ExecContext(ctx, query,
				runID, i, c.Domain, c.LandingURL, c.BrandName, pq.Array(c.AdIDs), c.AdSpendUSD, c.AdsCount, intel,
			); err != nil {
				return fmt.Errorf("insert candidate %s: %w", c.Domain, err)
			}
		}
		return nil
	})
}

// SaveTrafficRecords replaces the traffic records of a run in one transaction.
func (r *Repository) SaveTrafficRecords(ctx context.Context, runID string, records []domain.TrafficRecord) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM traffic_records WHERE run_id = $1`, runID); err != nil {
			return fmt.Errorf("clear traffic records: %w", err)
		}

		query := `
			INSERT INTO traffic_records
				(run_id, domain, monthly_visits, history, growth_rate, data_source, fetched_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		for i := range records {
			rec := &records[i]
			history, err := json.Marshal(rec.History)
			if err != nil {
				return fmt.Errorf("encode history for %s: %w", rec.Domain, err)
			}
			if _, err = tx.ExecContext(ctx, query,
				runID, rec.Domain, nullInt64(rec.MonthlyVisits), history, nullFloat64(rec.GrowthRate),
				string(rec.DataSource), rec.FetchedAt,
			); err != nil {
				return fmt.Errorf("insert traffic record %s: %w", rec.Domain, err)
			}
		}
		return nil
	})
}

type resultRow struct {
	Domain        string          `db:"domain"`
	LandingURL    string          `db:"landing_url"`
	BrandName     string          `db:"brand_name"`
	AdIDs         pq.StringArray  `db:"ad_ids"`
	AdSpendUSD    float64         `db:"ad_spend_usd"`
	AdsCount      int             `db:"ads_count"`
	Intel         []byte          `db:"intel"`
	MonthlyVisits sql.NullInt64   `db:"monthly_visits"`
	History       []byte          `db:"history"`
	GrowthRate    sql.NullFloat64 `db:"growth_rate"`
	DataSource    sql.NullString  `db:"data_source"`
	FetchedAt     sql.NullTime    `db:"fetched_at"`
}

func (row resultRow) toDomain() (domain.ResultPair, error) {
	pair := domain.ResultPair{
		Candidate: domain.ProductCandidate{
			Domain:     row.Domain,
			LandingURL: row.LandingURL,
			BrandName:  row.BrandName,
			AdIDs:      []string(row.AdIDs),
			AdSpendUSD: row.AdSpendUSD,
			AdsCount:   row.AdsCount,
		},
	}
	if err := unmarshalJSONB(row.Intel, &pair.Candidate.Intel); err != nil {
		return domain.ResultPair{}, fmt.Errorf("decode intel: %w", err)
	}
	if !row.DataSource.Valid {
		return pair, nil
	}

	rec := &domain.TrafficRecord{
		Domain:     row.Domain,
		DataSource: domain.DataSource(row.DataSource.String),
		FetchedAt:  row.FetchedAt.Time,
	}
	if row.MonthlyVisits.Valid {
		v := row.MonthlyVisits.Int64
		rec.MonthlyVisits = &v
	}
	if row.GrowthRate.Valid {
		g := row.GrowthRate.Float64
		rec.GrowthRate = &g
	}
	if err := unmarshalJSONB(row.History, &rec.History); err != nil {
		return domain.ResultPair{}, fmt.Errorf("decode history: %w", err)
	}
	pair.Traffic = rec
	return pair, nil
}

// GetResults returns the result pairs of a run.
func (r *Repository) GetResults(ctx context.Context, runID string) ([]domain.ResultPair, error) {
	rows := []resultRow{}
	query := `
		SELECT c.domain, c.landing_url, c.brand_name, c.ad_ids, c.ad_spend_usd, c.ads_count, c.intel,
			t.monthly_visits, t.history, t.growth_rate, t.data_source, t.fetched_at
		FROM product_candidates c
		LEFT JOIN traffic_records t ON t.run_id = c.run_id AND t.domain = c.domain
		WHERE c.run_id = $1
		ORDER BY c.ad_spend_usd DESC, c.position ASC
	`

	if err := r.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get results: %w", err)
	}

	pairs := make([]domain.ResultPair, 0, len(rows))
	for _, row := range rows {
		pair, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// DeleteResults removes every run of keyword. Candidates and traffic records
// go with them through ON DELETE CASCADE.
func (r *Repository) DeleteResults(ctx context.Context, keyword string) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM keyword_runs WHERE keyword = $1`, keyword)
	if err != nil {
		return 0, fmt.Errorf("failed to delete results: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted runs: %w", err)
	}
	return int(affected), nil
}

// DashboardStats aggregates totals across every stored run.
func (r *Repository) DashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	var stats domain.DashboardStats
	query := `
		SELECT
			(SELECT COUNT(*) FROM product_candidates) AS total_products,
			(SELECT COUNT(DISTINCT domain) FROM product_candidates) AS unique_domains,
			(SELECT COUNT(DISTINCT domain) FROM traffic_records WHERE monthly_visits IS NOT NULL) AS enriched_domains,
			(SELECT COUNT(DISTINCT keyword) FROM keyword_runs) AS total_keywords
	`
	if err := r.db.GetContext(ctx, &stats, query); err != nil {
		return domain.DashboardStats{}, fmt.Errorf("failed to get dashboard stats: %w", err)
	}

	stats.RecentKeywords = []string{}
	recent := `SELECT keyword FROM keyword_runs GROUP BY keyword ORDER BY MAX(started_at) DESC LIMIT $1`
	if err := r.db.SelectContext(ctx, &stats.RecentKeywords, recent, recentKeywordsLimit); err != nil {
		return domain.DashboardStats{}, fmt.Errorf("failed to get recent keywords: %w", err)
	}
	return stats, nil
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if fnErr := fn(tx); fnErr != nil {
		_ = tx.Rollback()
		return fnErr
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("commit transaction: %w", commitErr)
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
