package database_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/database"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
)

func newMockRepo(t *testing.T) (*database.Repository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return database.NewRepository(sqlx.NewDb(db, "postgres")), mock
}

var runColumns = []string{
	"id", "keyword", "state", "started_at", "completed_at",
	"stage1_count", "stage2_count", "errors", "summary", "config",
}

func TestRepository_SaveRun(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	started := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	run := domain.KeywordRun{
		ID:        "3f1c2a5e-0000-4000-8000-000000000001",
		Keyword:   "keto",
		State:     domain.StateRunningStage1,
		StartedAt: started,
		Config:    domain.DefaultRunConfig(),
	}

	mock.ExpectExec("INSERT INTO keyword_runs").
		WithArgs(run.ID, "keto", "running_stage1", started, sqlmock.AnyArg(), 0, 0,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_GetLatestRun(t *testing.T) {
	t.Parallel()

	completed := time.Date(2026, 4, 2, 10, 5, 0, 0, time.UTC)
	testCases := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		wantErr   error
		wantState domain.RunState
	}{
		{
			name: "returns newest run",
			setupMock: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows(runColumns).AddRow(
					"run-1", "keto", "completed", completed.Add(-5*time.Minute), completed, 8, 8,
					[]byte(`[]`), []byte(`{"products_discovered":8,"traffic_enriched":3}`), []byte(`{"maxAds":10}`),
				)
				mock.ExpectQuery("SELECT (.+) FROM keyword_runs WHERE keyword = \\$1").
					WithArgs("keto").
					WillReturnRows(rows)
			},
			wantState: domain.StateCompleted,
		},
		{
			name: "maps no rows to not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM keyword_runs").WillReturnError(sql.ErrNoRows)
			},
			wantErr: domain.ErrRunNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			repo, mock := newMockRepo(t)
			tc.setupMock(mock)

			run, err := repo.GetLatestRun(context.Background(), "keto")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("GetLatestRun() error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr != nil {
				return
			}
			if run.State != tc.wantState {
				t.Errorf("State = %s, want %s", run.State, tc.wantState)
			}
			if run.CompletedAt == nil || !run.CompletedAt.Equal(completed) {
				t.Errorf("CompletedAt = %v, want %v", run.CompletedAt, completed)
			}
			if run.Summary.TrafficEnriched != 3 {
				t.Errorf("Summary.TrafficEnriched = %d, want 3", run.Summary.TrafficEnriched)
			}
			if run.Config.MaxAds != 10 {
				t.Errorf("Config.MaxAds = %d, want 10", run.Config.MaxAds)
			}
		})
	}
}

func TestRepository_SaveCandidates(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name: "replaces candidates in one transaction",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("DELETE FROM product_candidates WHERE run_id = \\$1").
					WithArgs("run-1").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec("INSERT INTO product_candidates").
					WithArgs("run-1", 0, "example.com", "https://www.example.com/b", "Example", sqlmock.AnyArg(), 550.0, 2, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectExec("INSERT INTO product_candidates").
					WithArgs("run-1", 1, "other.com", "https://other.com", "", sqlmock.AnyArg(), 10.0, 1, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(2, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "rolls back on insert failure",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("DELETE FROM product_candidates").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec("INSERT INTO product_candidates").WillReturnError(sql.ErrConnDone)
				mock.ExpectRollback()
			},
			wantErr: true,
		},
	}

	candidates := []domain.ProductCandidate{
		{Domain: "example.com", LandingURL: "https://www.example.com/b", BrandName: "Example", AdIDs: []string{"a1", "a2"}, AdSpendUSD: 550, AdsCount: 2},
		{Domain: "other.com", LandingURL: "https://other.com", AdSpendUSD: 10, AdsCount: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			repo, mock := newMockRepo(t)
			tc.setupMock(mock)

			err := repo.SaveCandidates(context.Background(), "run-1", candidates)
			if (err != nil) != tc.wantErr {
				t.Fatalf("SaveCandidates() error = %v, wantErr %v", err, tc.wantErr)
			}
			if metErr := mock.ExpectationsWereMet(); metErr != nil {
				t.Errorf("unfulfilled expectations: %v", metErr)
			}
		})
	}
}

func TestRepository_SaveTrafficRecords(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	fetched := time.Date(2026, 4, 2, 10, 3, 0, 0, time.UTC)
	visits := int64(402000)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM traffic_records").WithArgs("run-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO traffic_records").
		WithArgs("run-1", "example.com", sql.NullInt64{Int64: visits, Valid: true}, sqlmock.AnyArg(),
			sql.NullFloat64{}, "primary", fetched).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO traffic_records").
		WithArgs("run-1", "quiet.com", sql.NullInt64{}, sqlmock.AnyArg(), sql.NullFloat64{}, "unavailable", fetched).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := repo.SaveTrafficRecords(context.Background(), "run-1", []domain.TrafficRecord{
		{Domain: "example.com", MonthlyVisits: &visits, DataSource: domain.SourcePrimary, FetchedAt: fetched},
		{Domain: "quiet.com", DataSource: domain.SourceUnavailable, FetchedAt: fetched},
	})
	if err != nil {
		t.Fatalf("SaveTrafficRecords() error = %v", err)
	}
	if metErr := mock.ExpectationsWereMet(); metErr != nil {
		t.Errorf("unfulfilled expectations: %v", metErr)
	}
}

func TestRepository_GetResults(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	fetched := time.Date(2026, 4, 2, 10, 3, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"domain", "landing_url", "brand_name", "ad_ids", "ad_spend_usd", "ads_count", "intel",
		"monthly_visits", "history", "growth_rate", "data_source", "fetched_at",
	}).
		AddRow("big.com", "https://big.com", "Big", "{b1,b2}", 900.0, 2, []byte(`{"has_discount":true}`),
			int64(1500000), []byte(`[1000000,null,1500000]`), 0.5, "primary", fetched).
		AddRow("new.com", "https://new.com", "New", "{n1}", 20.0, 1, []byte(`{}`),
			nil, nil, nil, nil, nil)

	mock.ExpectQuery("FROM product_candidates c\\s+LEFT JOIN traffic_records t").
		WithArgs("run-1").
		WillReturnRows(rows)

	pairs, err := repo.GetResults(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetResults() error = %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("GetResults() returned %d pairs, want 2", len(pairs))
	}

	first := pairs[0]
	if len(first.Candidate.AdIDs) != 2 || !first.Candidate.Intel.HasDiscount {
		t.Errorf("candidate = %+v", first.Candidate)
	}
	if first.Traffic == nil || first.Traffic.MonthlyVisits == nil || *first.Traffic.MonthlyVisits != 1500000 {
		t.Fatalf("traffic = %+v", first.Traffic)
	}
	if len(first.Traffic.History) != 3 || first.Traffic.History[1] != nil {
		t.Errorf("history = %v", first.Traffic.History)
	}
	if pairs[1].Traffic != nil {
		t.Errorf("unenriched candidate has traffic %+v", pairs[1].Traffic)
	}
}

func TestRepository_DashboardStats(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT\\s+\\(SELECT COUNT\\(\\*\\) FROM product_candidates\\)").
		WillReturnRows(sqlmock.NewRows([]string{"total_products", "unique_domains", "enriched_domains", "total_keywords"}).
			AddRow(12, 10, 4, 2))
	mock.ExpectQuery("SELECT keyword FROM keyword_runs GROUP BY keyword").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"keyword"}).AddRow("keto").AddRow("yoga mat"))

	stats, err := repo.DashboardStats(context.Background())
	if err != nil {
		t.Fatalf("DashboardStats() error = %v", err)
	}
	if stats.TotalProducts != 12 || stats.UniqueDomains != 10 || stats.EnrichedDomains != 4 || stats.TotalKeywords != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.RecentKeywords) != 2 || stats.RecentKeywords[0] != "keto" {
		t.Errorf("RecentKeywords = %v", stats.RecentKeywords)
	}
	if metErr := mock.ExpectationsWereMet(); metErr != nil {
		t.Errorf("unfulfilled expectations: %v", metErr)
	}
}

func TestRepository_DeleteResults(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)

	mock.ExpectExec("DELETE FROM keyword_runs WHERE keyword = \\$1").
		WithArgs("keto").
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := repo.DeleteResults(context.Background(), "keto")
	if err != nil {
		t.Fatalf("DeleteResults() error = %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}
	if metErr := mock.ExpectationsWereMet(); metErr != nil {
		t.Errorf("unfulfilled expectations: %v", metErr)
	}
}

func TestRepository_DeleteResultsError(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)

	mock.ExpectExec("DELETE FROM keyword_runs").
		WithArgs("keto").
		WillReturnError(errors.New("connection reset"))

	if _, err := repo.DeleteResults(context.Background(), "keto"); err == nil {
		t.Fatal("DeleteResults() expected error")
	}
}
