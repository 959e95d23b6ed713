package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/server"
)

func newTestRouter(t *testing.T, checks map[string]server.HealthChecker) http.Handler {
	t.Helper()

	b := server.NewServerBuilder("competitor-scout", 0).
		WithLogger(logger.NewNop()).
		WithVersion("1.2.3").
		WithCORSOrigins([]string{"http://dashboard.test"}).
		WithMetrics("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		})).
		WithRoutes(func(r *gin.Engine) {
			r.GET("/test", func(c *gin.Context) {
				c.String(http.StatusOK, "ok")
			})
			r.GET("/panic", func(*gin.Context) { panic("boom") })
		})
	for name, check := range checks {
		b.WithHealthCheck(name, check)
	}
	return b.Build().Router()
}

func TestRequestIDLoggerMiddleware_GeneratesID(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter(t, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-Request-ID"); len(got) != 32 {
		t.Errorf("generated request ID = %q, want 32 hex chars", got)
	}
}

func TestRequestIDLoggerMiddleware_PreservesExistingID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("X-Request-ID", "trace-abc")
	w := httptest.NewRecorder()
	newTestRouter(t, nil).ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "trace-abc" {
		t.Errorf("X-Request-ID = %q, want trace-abc", got)
	}
}

func TestCORSMiddleware(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/test", http.NoBody)
	req.Header.Set("Origin", "http://dashboard.test")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.test" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Origin", "http://evil.test")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for unknown origin = %q, want empty", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter(t, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", http.NoBody))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestHealth(t *testing.T) {
	failing := func(context.Context) error { return errors.New("down") }
	ok := func(context.Context) error { return nil }

	tests := []struct {
		name       string
		checks     map[string]server.HealthChecker
		wantCode   int
		wantStatus server.HealthStatus
	}{
		{"no checks", nil, http.StatusOK, server.HealthStatusHealthy},
		{"all healthy", map[string]server.HealthChecker{
			"database": server.PingChecker("database", server.HealthStatusUnhealthy, ok),
		}, http.StatusOK, server.HealthStatusHealthy},
		{"cache down", map[string]server.HealthChecker{
			"database": server.PingChecker("database", server.HealthStatusUnhealthy, ok),
			"redis":    server.PingChecker("redis", server.HealthStatusDegraded, failing),
		}, http.StatusOK, server.HealthStatusDegraded},
		{"database down", map[string]server.HealthChecker{
			"database": server.PingChecker("database", server.HealthStatusUnhealthy, failing),
		}, http.StatusServiceUnavailable, server.HealthStatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			newTestRouter(t, tt.checks).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			var resp server.HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode health: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("health status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if resp.Version != "1.2.3" {
				t.Errorf("version = %q, want 1.2.3", resp.Version)
			}
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter(t, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if w.Code != http.StatusOK || w.Body.String() != "# metrics" {
		t.Errorf("metrics = %d %q", w.Code, w.Body.String())
	}
}
