package discovery_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeProvider is an in-memory ad-library job server.
type fakeProvider struct {
	mu sync.Mutex

	ads            []map[string]any
	submitStatus   int
	statusFailures int
	finalStatus    string
	pollsUntilDone int
	withTotal      bool
	rawPage        string

	submits  atomic.Int32
	polls    atomic.Int32
	pages    atomic.Int32
	aborts   atomic.Int32
	lastBody map[string]any
}

func newFakeProvider(t *testing.T, fp *fakeProvider) *httptest.Server {
	t.Helper()

	if fp.finalStatus == "" {
		fp.finalStatus = "SUCCEEDED"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/acts/{actor}/runs", func(w http.ResponseWriter, r *http.Request) {
		fp.submits.Add(1)
		if fp.submitStatus != 0 {
			w.WriteHeader(fp.submitStatus)
			_, _ = w.Write([]byte(`{"error":{"type":"token-not-valid","message":"invalid token"}}`))
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		fp.mu.Lock()
		fp.lastBody = body
		fp.mu.Unlock()
		writeJob(w, "READY")
	})
	mux.HandleFunc("GET /v2/actor-runs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		n := int(fp.polls.Add(1))
		if n <= fp.statusFailures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if fp.pollsUntilDone < 0 || n-fp.statusFailures <= fp.pollsUntilDone {
			writeJob(w, "RUNNING")
			return
		}
		writeJob(w, fp.finalStatus)
	})
	mux.HandleFunc("POST /v2/actor-runs/{id}/abort", func(w http.ResponseWriter, _ *http.Request) {
		fp.aborts.Add(1)
		writeJob(w, "ABORTED")
	})
	mux.HandleFunc("GET /v2/datasets/{id}/items", func(w http.ResponseWriter, r *http.Request) {
		fp.pages.Add(1)
		if fp.rawPage != "" {
			_, _ = w.Write([]byte(fp.rawPage))
			return
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		end := min(offset+limit, len(fp.ads))
		page := []map[string]any{}
		if offset < len(fp.ads) {
			page = fp.ads[offset:end]
		}
		if fp.withTotal {
			w.Header().Set("X-Apify-Pagination-Total", strconv.Itoa(len(fp.ads)))
		}
		_ = json.NewEncoder(w).Encode(page)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJob(w http.ResponseWriter, status string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]any{"id": "job-1", "status": status, "defaultDatasetId": "ds-1"},
	})
}

func ad(id, link string, spendLo, spendHi int) map[string]any {
	return map[string]any{
		"ad_archive_id": id,
		"page_name":     strings.ToUpper(id[:1]) + id[1:] + " Brand",
		"snapshot":      map[string]any{"link_url": link, "body": map[string]any{"text": "Limited time: 20% off today"}},
		"spend":         map[string]any{"lower_bound": strconv.Itoa(spendLo), "upper_bound": strconv.Itoa(spendHi)},
	}
}
