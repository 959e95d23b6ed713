package traffic_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/blacklist"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/cache"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/traffic"
)

type fakeSource struct {
	name   string
	lookup func(domainName string, call int) (traffic.Observation, error)

	mu       sync.Mutex
	calls    map[string]int
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func newFakeSource(name string, lookup func(string, int) (traffic.Observation, error)) *fakeSource {
	return &fakeSource{name: name, lookup: lookup, calls: make(map[string]int)}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Lookup(_ context.Context, domainName string) (traffic.Observation, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls[domainName]++
	call := f.calls[domainName]
	f.mu.Unlock()
	return f.lookup(domainName, call)
}

func (f *fakeSource) Calls(domainName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[domainName]
}

func (f *fakeSource) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func visits(n int64) traffic.Observation {
	return traffic.Observation{MonthlyVisits: n}
}

func alwaysVisits(n int64) func(string, int) (traffic.Observation, error) {
	return func(string, int) (traffic.Observation, error) { return visits(n), nil }
}

func noData(string, int) (traffic.Observation, error) {
	return traffic.Observation{}, domain.ErrNoData
}

func candidates(domains ...string) []domain.ProductCandidate {
	out := make([]domain.ProductCandidate, 0, len(domains))
	for _, d := range domains {
		out = append(out, domain.ProductCandidate{Domain: d, AdsCount: 1})
	}
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }

func newEngine(primary, fallback traffic.Source, store cache.Cache, clock *testClock) *traffic.Engine {
	return traffic.NewEngine(primary, fallback, store, blacklist.New(), traffic.Config{Sleep: noSleep},
		logger.NewNop(), traffic.WithClock(clock.Now))
}

func startClock() *testClock {
	return &testClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func defaultOptions() traffic.Options {
	return traffic.Options{BatchSize: 15, Concurrency: 5, RetryAttempts: 2, CacheTTL: 30 * 24 * time.Hour, HTMLFallback: true}
}

func TestEngine_CacheIdempotence(t *testing.T) {
	t.Parallel()

	clock := startClock()
	store := cache.NewMemoryCache(clock.Now)
	primary := newFakeSource("primary", func(string, int) (traffic.Observation, error) {
		v1, v2 := int64(100), int64(200)
		return traffic.Observation{MonthlyVisits: 200, History: []*int64{&v1, &v2}}, nil
	})
	engine := newEngine(primary, nil, store, clock)

	first, err := engine.Enrich(t.Context(), candidates("example.com"), defaultOptions(), nil)
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	second, err := engine.Enrich(t.Context(), candidates("example.com"), defaultOptions(), nil)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, domain.SourcePrimary, first[0].DataSource)
	assert.Equal(t, domain.SourceCache, second[0].DataSource)
	assert.Equal(t, 1, primary.Calls("example.com"))

	second[0].DataSource = first[0].DataSource
	assert.Equal(t, first[0], second[0])
	require.NotNil(t, first[0].GrowthRate)
	assert.InDelta(t, 1.0, *first[0].GrowthRate, 0.0001)
}

func TestEngine_ExpiredCacheEntryFetchesAgain(t *testing.T) {
	t.Parallel()

	clock := startClock()
	store := cache.NewMemoryCache(clock.Now)
	primary := newFakeSource("primary", func(_ string, call int) (traffic.Observation, error) {
		return visits(int64(call) * 1000), nil
	})
	engine := newEngine(primary, nil, store, clock)
	opts := defaultOptions()
	opts.CacheTTL = time.Hour

	_, err := engine.Enrich(t.Context(), candidates("stale.com"), opts, nil)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	records, err := engine.Enrich(t.Context(), candidates("stale.com"), opts, nil)
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, 2, primary.Calls("stale.com"))
	assert.Equal(t, domain.SourcePrimary, records[0].DataSource)
	assert.Equal(t, int64(2000), *records[0].MonthlyVisits)

	cached, ok, err := store.Get(t.Context(), "stale.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2000), *cached.MonthlyVisits)
}

func TestEngine_BlacklistedDomainGetsNoRecord(t *testing.T) {
	t.Parallel()

	primary := newFakeSource("primary", alwaysVisits(10))
	engine := newEngine(primary, nil, cache.NewMemoryCache(nil), startClock())

	records, err := engine.Enrich(t.Context(), candidates("amazon.com", "brand.com"), defaultOptions(), nil)
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "brand.com", records[0].Domain)
	assert.Equal(t, 0, primary.Calls("amazon.com"))
}

func TestEngine_OrderAndDedup(t *testing.T) {
	t.Parallel()

	primary := newFakeSource("primary", alwaysVisits(10))
	primary.delay = time.Millisecond
	engine := newEngine(primary, nil, nil, startClock())

	records, err := engine.Enrich(t.Context(), candidates("b.com", "a.com", "B.com", "c.com"), defaultOptions(), nil)
	require.NoError(t, err)

	got := make([]string, 0, len(records))
	for _, r := range records {
		got = append(got, r.Domain)
	}
	assert.Equal(t, []string{"b.com", "a.com", "c.com"}, got)
	assert.Equal(t, 1, primary.Calls("b.com"))
}

func TestEngine_FallbackAndUnavailable(t *testing.T) {
	t.Parallel()

	errUpstream := &domain.TransientProviderError{Provider: "primary", StatusCode: 502}
	primary := newFakeSource("primary", func(d string, _ int) (traffic.Observation, error) {
		if d == "flaky.com" {
			return traffic.Observation{}, errUpstream
		}
		return traffic.Observation{}, domain.ErrNoData
	})
	fallback := newFakeSource("html", func(d string, _ int) (traffic.Observation, error) {
		if d == "scraped.com" {
			return visits(5000), nil
		}
		return traffic.Observation{}, domain.ErrNoData
	})

	store := cache.NewMemoryCache(nil)
	engine := newEngine(primary, fallback, store, startClock())

	records, err := engine.Enrich(t.Context(), candidates("scraped.com", "quiet.com", "flaky.com"), defaultOptions(), nil)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, domain.SourceHTMLFallback, records[0].DataSource)
	assert.Equal(t, int64(5000), *records[0].MonthlyVisits)

	for _, r := range records[1:] {
		assert.Equal(t, domain.SourceUnavailable, r.DataSource)
		assert.Nil(t, r.MonthlyVisits)
		assert.False(t, r.HasData())
	}

	assert.Equal(t, 1, primary.Calls("quiet.com"), "no data is not retried")
	assert.Equal(t, 3, primary.Calls("flaky.com"), "transient errors use every retry")

	_, quietCached, _ := store.Get(t.Context(), "quiet.com")
	assert.True(t, quietCached, "confirmed absence of data is cached")
	_, flakyCached, _ := store.Get(t.Context(), "flaky.com")
	assert.False(t, flakyCached, "failed lookups are not cached")
}

func TestEngine_FallbackDisabled(t *testing.T) {
	t.Parallel()

	primary := newFakeSource("primary", noData)
	fallback := newFakeSource("html", alwaysVisits(1))
	engine := newEngine(primary, fallback, nil, startClock())

	opts := defaultOptions()
	opts.HTMLFallback = false
	records, err := engine.Enrich(t.Context(), candidates("x.com"), opts, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.SourceUnavailable, records[0].DataSource)
	assert.Equal(t, 0, fallback.Total())
}

func TestEngine_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		retries    int
		wantSource domain.DataSource
		wantCalls  int
	}{
		{name: "recovers within budget", retries: 2, wantSource: domain.SourcePrimary, wantCalls: 3},
		{name: "no retries", retries: 0, wantSource: domain.SourceUnavailable, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			primary := newFakeSource("primary", func(_ string, call int) (traffic.Observation, error) {
				if call < 3 {
					return traffic.Observation{}, &domain.TransientProviderError{Provider: "primary", StatusCode: 429}
				}
				return visits(42), nil
			})
			engine := newEngine(primary, nil, nil, startClock())

			opts := defaultOptions()
			opts.RetryAttempts = tt.retries
			records, err := engine.Enrich(t.Context(), candidates("retry.com"), opts, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.wantSource, records[0].DataSource)
			assert.Equal(t, tt.wantCalls, primary.Calls("retry.com"))
		})
	}
}

func TestEngine_RejectionIsNotRetried(t *testing.T) {
	t.Parallel()

	primary := newFakeSource("primary", func(string, int) (traffic.Observation, error) {
		return traffic.Observation{}, &domain.ProviderRejectionError{Provider: "primary", StatusCode: 403}
	})
	engine := newEngine(primary, nil, nil, startClock())

	records, err := engine.Enrich(t.Context(), candidates("denied.com"), defaultOptions(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceUnavailable, records[0].DataSource)
	assert.Equal(t, 1, primary.Calls("denied.com"))
}

func TestEngine_DryRunDoesNotWriteCache(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryCache(nil)
	engine := newEngine(newFakeSource("primary", alwaysVisits(7)), nil, store, startClock())

	opts := defaultOptions()
	opts.DryRun = true
	records, err := engine.Enrich(t.Context(), candidates("dry.com"), opts, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.SourcePrimary, records[0].DataSource)
	assert.Equal(t, 0, store.Len())
}

func TestEngine_ProgressPerBatch(t *testing.T) {
	t.Parallel()

	engine := newEngine(newFakeSource("primary", alwaysVisits(1)), nil, nil, startClock())

	var domains []string
	for i := range 7 {
		domains = append(domains, fmt.Sprintf("d%d.com", i))
	}

	type call struct {
		done, total int
		current     string
	}
	var calls []call
	opts := defaultOptions()
	opts.BatchSize = 3
	_, err := engine.Enrich(t.Context(), candidates(domains...), opts, func(done, total int, current string) {
		calls = append(calls, call{done, total, current})
	})
	require.NoError(t, err)

	assert.Equal(t, []call{
		{0, 7, ""},
		{3, 7, "d2.com"},
		{6, 7, "d5.com"},
		{7, 7, "d6.com"},
	}, calls)
}

func TestEngine_CancelStopsFurtherBatches(t *testing.T) {
	t.Parallel()

	primary := newFakeSource("primary", alwaysVisits(1))
	engine := newEngine(primary, nil, nil, startClock())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	opts := defaultOptions()
	opts.BatchSize = 2
	records, err := engine.Enrich(ctx, candidates("a.com", "b.com", "c.com", "d.com", "e.com"), opts, func(done, _ int, _ string) {
		if done == 2 {
			cancel()
		}
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, records, 2)
	assert.Equal(t, 2, primary.Total())
}

func TestEngine_ConcurrencyIsBounded(t *testing.T) {
	t.Parallel()

	primary := newFakeSource("primary", alwaysVisits(1))
	primary.delay = 5 * time.Millisecond
	engine := newEngine(primary, nil, nil, startClock())

	var domains []string
	for i := range 20 {
		domains = append(domains, fmt.Sprintf("c%d.com", i))
	}
	opts := defaultOptions()
	opts.BatchSize = 20
	opts.Concurrency = 3

	records, err := engine.Enrich(t.Context(), candidates(domains...), opts, nil)
	require.NoError(t, err)
	assert.Len(t, records, 20)
	assert.LessOrEqual(t, primary.maxSeen.Load(), int32(3))
}

func TestEngine_RateLimitBoundsWallClock(t *testing.T) {
	t.Parallel()

	const (
		domainCount = 80
		perMinute   = 40
	)
	// Same bucket math as 40 per minute, on a 400ms window.
	begin := time.Now()
	limiter := ratelimit.New(perMinute, ratelimit.WithPeriod(400*time.Millisecond))

	var domains []string
	for i := range domainCount {
		domains = append(domains, fmt.Sprintf("rl%d.com", i))
	}
	engine := newEngine(newFakeSource("primary", alwaysVisits(1)), nil, nil, startClock())

	opts := defaultOptions()
	opts.Concurrency = 20
	opts.BatchSize = 50
	opts.Limiter = limiter

	records, err := engine.Enrich(t.Context(), candidates(domains...), opts, nil)
	require.NoError(t, err)
	assert.Len(t, records, domainCount)

	elapsed := time.Since(begin)
	assert.GreaterOrEqual(t, elapsed, domainCount*limiter.Interval())
	assert.Equal(t, 120*time.Second, ratelimit.MinDuration(domainCount, perMinute))
}

func TestEngine_CancelWhileWaitingForPermit(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(1)
	engine := newEngine(newFakeSource("primary", alwaysVisits(1)), nil, nil, startClock())

	ctx, cancel := context.WithCancel(t.Context())
	timer := time.AfterFunc(20*time.Millisecond, cancel)
	defer timer.Stop()

	opts := defaultOptions()
	opts.Limiter = limiter
	records, err := engine.Enrich(ctx, candidates("slow.com"), opts, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, records)
}

type countingAcquirer struct {
	permits atomic.Int32
}

func (c *countingAcquirer) Acquire(context.Context) error {
	c.permits.Add(1)
	return nil
}

func TestEngine_EveryOutboundRequestTakesAPermit(t *testing.T) {
	t.Parallel()

	primary := newFakeSource("primary", func(d string, _ int) (traffic.Observation, error) {
		switch d {
		case "flaky.com":
			return traffic.Observation{}, &domain.TransientProviderError{Provider: "primary", StatusCode: 503}
		case "direct.com":
			return visits(10), nil
		default:
			return traffic.Observation{}, domain.ErrNoData
		}
	})
	fallback := newFakeSource("html", alwaysVisits(7))
	store := cache.NewMemoryCache(nil)
	require.NoError(t, store.Set(t.Context(), domain.TrafficRecord{Domain: "cached.com", DataSource: domain.SourcePrimary}, time.Hour))
	engine := newEngine(primary, fallback, store, startClock())

	acquirer := &countingAcquirer{}
	opts := defaultOptions()
	opts.Limiter = acquirer

	records, err := engine.Enrich(t.Context(), candidates("flaky.com", "direct.com", "quiet.com", "cached.com"), opts, nil)
	require.NoError(t, err)
	require.Len(t, records, 4)

	outbound := primary.Total() + fallback.Total()
	assert.Equal(t, 3+1+1, primary.Total(), "flaky.com uses every retry")
	assert.Equal(t, 2, fallback.Total())
	assert.Equal(t, int32(outbound), acquirer.permits.Load(), "cache hits take no permit")
}

func TestEngine_CancelBetweenRetriesStopsAtPermit(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	primary := newFakeSource("primary", func(string, int) (traffic.Observation, error) {
		cancel()
		return traffic.Observation{}, &domain.TransientProviderError{Provider: "primary", StatusCode: 429}
	})
	engine := newEngine(primary, nil, nil, startClock())

	opts := defaultOptions()
	opts.Limiter = ratelimit.New(600000)
	records, err := engine.Enrich(ctx, candidates("busy.com"), opts, nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, records)
	assert.Equal(t, 1, primary.Calls("busy.com"), "no request is sent without a permit")
}
