package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/api"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/eventbus"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/pipeline"
)

type fakeRuns struct {
	startRun  func(req domain.RunRequest) (domain.KeywordRun, error)
	cancel    func(keyword string) error
	status    func(keyword string) (domain.KeywordRun, error)
	subscribe func(ctx context.Context, keyword string) (*eventbus.Subscription, error)
	results   func(keyword string) ([]domain.ResultPair, error)
	logs      func(keyword string, limit int) ([]domain.LogEntry, error)
	deleteRes func(keyword string) (int, error)
	listRuns  func(limit int) ([]domain.KeywordRun, error)
	dashboard func() (domain.DashboardStats, error)
	defaults  domain.RunConfig
}

func (f *fakeRuns) StartRun(_ context.Context, req domain.RunRequest) (domain.KeywordRun, error) {
	return f.startRun(req)
}

func (f *fakeRuns) Cancel(keyword string) error { return f.cancel(keyword) }

func (f *fakeRuns) Status(_ context.Context, keyword string) (domain.KeywordRun, error) {
	return f.status(keyword)
}

func (f *fakeRuns) Subscribe(ctx context.Context, keyword string) (*eventbus.Subscription, error) {
	return f.subscribe(ctx, keyword)
}

func (f *fakeRuns) Results(_ context.Context, keyword string) ([]domain.ResultPair, error) {
	return f.results(keyword)
}

func (f *fakeRuns) Logs(keyword string, limit int) ([]domain.LogEntry, error) {
	return f.logs(keyword, limit)
}

func (f *fakeRuns) DeleteResults(_ context.Context, keyword string) (int, error) {
	return f.deleteRes(keyword)
}

func (f *fakeRuns) ListRuns(_ context.Context, limit int) ([]domain.KeywordRun, error) {
	return f.listRuns(limit)
}

func (f *fakeRuns) Dashboard(context.Context) (domain.DashboardStats, error) {
	return f.dashboard()
}

func (f *fakeRuns) Defaults() domain.RunConfig { return f.defaults }

func newRouter(runs api.RunService, opts ...api.Option) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	api.NewHandler(runs, logger.NewNop(), opts...).RegisterRoutes(router)
	return router
}

func doRequest(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func TestStartRun(t *testing.T) {
	var got domain.RunRequest
	runs := &fakeRuns{startRun: func(req domain.RunRequest) (domain.KeywordRun, error) {
		got = req
		return domain.KeywordRun{ID: "run-1", Keyword: "keto diet", State: domain.StateNotStarted}, nil
	}}

	w := doRequest(newRouter(runs), http.MethodPost, "/api/v1/runs", `{"keyword":"Keto Diet","maxAds":50,"dryRunMode":true}`)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "Keto Diet", got.Keyword)
	require.NotNil(t, got.MaxAds)
	assert.Equal(t, 50, *got.MaxAds)
	require.NotNil(t, got.DryRunMode)
	assert.True(t, *got.DryRunMode)
	assert.Nil(t, got.Concurrency)

	var run domain.KeywordRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, "run-1", run.ID)
}

func TestStartRun_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{
			name:     "malformed body",
			body:     `{"keyword":`,
			wantCode: http.StatusBadRequest,
			wantMsg:  "invalid request body",
		},
		{
			name:     "validation",
			body:     `{"keyword":"  "}`,
			err:      &domain.ValidationError{Field: "keyword", Message: "must not be empty"},
			wantCode: http.StatusBadRequest,
			wantMsg:  "keyword: must not be empty",
		},
		{
			name:     "already running",
			body:     `{"keyword":"keto"}`,
			err:      &domain.AlreadyRunningError{Keyword: "keto", RunID: "run-9"},
			wantCode: http.StatusConflict,
			wantMsg:  "already has an active run",
		},
		{
			name:     "shutting down",
			body:     `{"keyword":"keto"}`,
			err:      pipeline.ErrShuttingDown,
			wantCode: http.StatusServiceUnavailable,
			wantMsg:  "start run failed",
		},
		{
			name:     "internal",
			body:     `{"keyword":"keto"}`,
			err:      errors.New("db password leaked in message"),
			wantCode: http.StatusInternalServerError,
			wantMsg:  "start run failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := &fakeRuns{startRun: func(domain.RunRequest) (domain.KeywordRun, error) {
				return domain.KeywordRun{}, tt.err
			}}

			w := doRequest(newRouter(runs), http.MethodPost, "/api/v1/runs", tt.body)

			assert.Equal(t, tt.wantCode, w.Code)
			msg := errorBody(t, w)
			assert.Contains(t, msg, tt.wantMsg)
			assert.NotContains(t, msg, "password")
		})
	}
}

func TestGetStatus(t *testing.T) {
	runs := &fakeRuns{status: func(keyword string) (domain.KeywordRun, error) {
		if keyword != "keto diet" {
			return domain.KeywordRun{}, fmt.Errorf("keyword %q: %w", keyword, domain.ErrRunNotFound)
		}
		return domain.KeywordRun{ID: "run-1", Keyword: keyword, State: domain.StateCompletedStage1}, nil
	}}
	router := newRouter(runs)

	w := doRequest(router, http.MethodGet, "/api/v1/runs/keto%20diet", "")
	require.Equal(t, http.StatusOK, w.Code)
	var run domain.KeywordRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, domain.StateCompletedStage1, run.State)

	w = doRequest(router, http.MethodGet, "/api/v1/runs/paleo", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, errorBody(t, w), "run not found")
}

func TestCancelRun(t *testing.T) {
	var cancelled string
	runs := &fakeRuns{cancel: func(keyword string) error {
		if keyword == "unknown" {
			return domain.ErrRunNotFound
		}
		cancelled = keyword
		return nil
	}}
	router := newRouter(runs)

	w := doRequest(router, http.MethodDelete, "/api/v1/runs/keto", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "keto", cancelled)

	w = doRequest(router, http.MethodDelete, "/api/v1/runs/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRuns_Limit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"?limit=5", 5},
		{"?limit=-1", 50},
		{"?limit=abc", 50},
	}

	for _, tt := range tests {
		t.Run("limit"+tt.query, func(t *testing.T) {
			var got int
			runs := &fakeRuns{listRuns: func(limit int) ([]domain.KeywordRun, error) {
				got = limit
				return []domain.KeywordRun{{ID: "a"}, {ID: "b"}}, nil
			}}

			w := doRequest(newRouter(runs), http.MethodGet, "/api/v1/runs"+tt.query, "")

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, got)
			var body struct {
				Runs  []domain.KeywordRun `json:"runs"`
				Count int                 `json:"count"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, 2, body.Count)
		})
	}
}

func TestGetResults(t *testing.T) {
	visits := int64(120000)
	runs := &fakeRuns{results: func(string) ([]domain.ResultPair, error) {
		return []domain.ResultPair{
			{
				Candidate: domain.ProductCandidate{Domain: "ketoshop.com"},
				Traffic:   &domain.TrafficRecord{Domain: "ketoshop.com", MonthlyVisits: &visits, DataSource: domain.SourcePrimary},
			},
			{Candidate: domain.ProductCandidate{Domain: "unenriched.io"}},
		}, nil
	}}

	w := doRequest(newRouter(runs), http.MethodGet, "/api/v1/runs/keto/results", "")

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Results []domain.ResultPair `json:"results"`
		Count   int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	require.NotNil(t, body.Results[0].Traffic)
	assert.Equal(t, visits, *body.Results[0].Traffic.MonthlyVisits)
	assert.Nil(t, body.Results[1].Traffic)
}

func TestGetResults_PagingAndSorting(t *testing.T) {
	visits := func(v int64) *domain.TrafficRecord {
		return &domain.TrafficRecord{MonthlyVisits: &v, DataSource: domain.SourcePrimary}
	}
	runs := &fakeRuns{results: func(string) ([]domain.ResultPair, error) {
		pairs := make([]domain.ResultPair, 0, 12)
		for i := range 12 {
			pairs = append(pairs, domain.ResultPair{
				Candidate: domain.ProductCandidate{Domain: fmt.Sprintf("shop%02d.com", i), AdSpendUSD: float64(100 - i)},
				Traffic:   visits(int64(i * 1000)),
			})
		}
		return pairs, nil
	}}
	router := newRouter(runs)

	w := doRequest(router, http.MethodGet, "/api/v1/runs/keto/results?page=2&page_size=5&sort_by=monthly_visits", "")

	require.Equal(t, http.StatusOK, w.Code)
	var page domain.ResultPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 12, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	require.Equal(t, 5, page.Count)
	assert.Equal(t, "shop06.com", page.Results[0].Candidate.Domain)
	assert.Equal(t, "shop02.com", page.Results[4].Candidate.Domain)

	w = doRequest(router, http.MethodGet, "/api/v1/runs/keto/results?sort_by=brand_domain&sort_desc=false", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, domain.DefaultResultPageSize, page.PageSize)
	assert.Equal(t, "shop00.com", page.Results[0].Candidate.Domain)
}

func TestGetResults_InvalidQuery(t *testing.T) {
	runs := &fakeRuns{results: func(string) ([]domain.ResultPair, error) {
		return nil, errors.New("results loaded for an invalid query")
	}}
	router := newRouter(runs)

	for _, query := range []string{"page=0", "page=x", "page_size=500", "sort_by=discovered_at", "sort_desc=maybe"} {
		t.Run(query, func(t *testing.T) {
			w := doRequest(router, http.MethodGet, "/api/v1/runs/keto/results?"+query, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetLogs(t *testing.T) {
	var gotLimit int
	runs := &fakeRuns{logs: func(keyword string, limit int) ([]domain.LogEntry, error) {
		if keyword != "keto" {
			return nil, domain.ErrRunNotFound
		}
		gotLimit = limit
		return []domain.LogEntry{{Keyword: "keto", Level: "info", Message: "Run started"}}, nil
	}}
	router := newRouter(runs)

	w := doRequest(router, http.MethodGet, "/api/v1/runs/keto/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, api.DefaultLogLimit, gotLimit)
	var body struct {
		Logs  []domain.LogEntry `json:"logs"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "Run started", body.Logs[0].Message)

	doRequest(router, http.MethodGet, "/api/v1/runs/keto/logs?limit=10", "")
	assert.Equal(t, 10, gotLimit)

	w = doRequest(router, http.MethodGet, "/api/v1/runs/paleo/logs", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteResults(t *testing.T) {
	runs := &fakeRuns{deleteRes: func(keyword string) (int, error) {
		switch keyword {
		case "keto":
			return 2, nil
		case "busy":
			return 0, &domain.AlreadyRunningError{Keyword: "busy", RunID: "run-3"}
		default:
			return 0, domain.ErrRunNotFound
		}
	}}
	router := newRouter(runs)

	w := doRequest(router, http.MethodDelete, "/api/v1/runs/keto/results", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		RunsDeleted int `json:"runs_deleted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.RunsDeleted)

	w = doRequest(router, http.MethodDelete, "/api/v1/runs/busy/results", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(router, http.MethodDelete, "/api/v1/runs/paleo/results", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteManyResults(t *testing.T) {
	runs := &fakeRuns{deleteRes: func(keyword string) (int, error) {
		switch keyword {
		case "keto", "yoga":
			return 1, nil
		case "broken":
			return 0, errors.New("connection refused to db password=secret")
		default:
			return 0, domain.ErrRunNotFound
		}
	}}
	router := newRouter(runs)

	w := doRequest(router, http.MethodDelete, "/api/v1/results", `{"keywords":["keto","paleo","yoga","broken"]}`)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Deleted []string          `json:"deleted_keywords"`
		Failed  map[string]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"keto", "yoga"}, body.Deleted)
	assert.Contains(t, body.Failed["paleo"], "run not found")
	assert.NotContains(t, body.Failed["broken"], "secret")

	w = doRequest(router, http.MethodDelete, "/api/v1/results", `{"keywords":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetDashboard(t *testing.T) {
	runs := &fakeRuns{dashboard: func() (domain.DashboardStats, error) {
		return domain.DashboardStats{TotalProducts: 12, UniqueDomains: 9, RecentKeywords: []string{"keto"}}, nil
	}}

	w := doRequest(newRouter(runs), http.MethodGet, "/api/v1/dashboard", "")

	require.Equal(t, http.StatusOK, w.Code)
	var stats domain.DashboardStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 12, stats.TotalProducts)
	assert.Equal(t, []string{"keto"}, stats.RecentKeywords)
}

func TestGetDefaults(t *testing.T) {
	runs := &fakeRuns{defaults: domain.DefaultRunConfig()}

	w := doRequest(newRouter(runs), http.MethodGet, "/api/v1/config/defaults", "")

	require.Equal(t, http.StatusOK, w.Code)
	var cfg domain.RunConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, 50, cfg.MaxAds)
	assert.Equal(t, 40, cfg.MaxDomainsPerMinute)
	assert.True(t, cfg.HTMLFallbackEnabled)
}

// frames parses an SSE body into (event, id, data) triples, skipping comments.
func frames(t *testing.T, body string) [][3]string {
	t.Helper()
	var out [][3]string
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var f [3]string
		comment := true
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f[0] = strings.TrimPrefix(line, "event: ")
				comment = false
			case strings.HasPrefix(line, "id: "):
				f[1] = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				f[2] = strings.TrimPrefix(line, "data: ")
			}
		}
		if !comment {
			out = append(out, f)
		}
	}
	return out
}

func TestStreamEvents(t *testing.T) {
	runs := &fakeRuns{subscribe: func(ctx context.Context, keyword string) (*eventbus.Subscription, error) {
		topic := eventbus.New().Open("run-1", nil)
		sub := topic.Subscribe(ctx)
		topic.Publish(domain.ProgressEvent{Type: domain.EventStageStarted, RunID: "run-1", Keyword: keyword, Stage: domain.StageDiscovery})
		topic.Publish(domain.ProgressEvent{Type: domain.EventStageProgress, RunID: "run-1", Keyword: keyword, Done: 3, Total: 8})
		topic.Publish(domain.ProgressEvent{Type: domain.EventRunCompleted, RunID: "run-1", Keyword: keyword})
		return sub, nil
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/keto/events", http.NoBody).WithContext(ctx)
	w := httptest.NewRecorder()
	newRouter(runs).ServeHTTP(w, req)

	require.NoError(t, ctx.Err(), "stream should end on the terminal event")
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	got := frames(t, w.Body.String())
	require.Len(t, got, 3)
	assert.Equal(t, [3]string{"stage_started", "1"}, [3]string{got[0][0], got[0][1]})
	assert.Equal(t, "stage_progress", got[1][0])
	assert.Equal(t, "run_completed", got[2][0])
	assert.Equal(t, "3", got[2][1])

	var ev domain.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(got[1][2]), &ev))
	assert.Equal(t, 3, ev.Done)
	assert.Equal(t, 8, ev.Total)
	assert.Equal(t, "keto", ev.Keyword)
}

func TestStreamEvents_HeartbeatAndClientDisconnect(t *testing.T) {
	runs := &fakeRuns{subscribe: func(ctx context.Context, _ string) (*eventbus.Subscription, error) {
		return eventbus.New().Open("run-1", nil).Subscribe(ctx), nil
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/keto/events", http.NoBody).WithContext(ctx)
	w := httptest.NewRecorder()
	newRouter(runs, api.WithHeartbeat(10*time.Millisecond)).ServeHTTP(w, req)

	assert.Contains(t, w.Body.String(), ": heartbeat ")
	assert.Empty(t, frames(t, w.Body.String()))
}

func TestStreamEvents_UnknownKeyword(t *testing.T) {
	runs := &fakeRuns{subscribe: func(context.Context, string) (*eventbus.Subscription, error) {
		return nil, domain.ErrRunNotFound
	}}

	w := doRequest(newRouter(runs), http.MethodGet, "/api/v1/runs/nothing/events", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
}
