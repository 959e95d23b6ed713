package traffic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/blacklist"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/cache"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/circuitbreaker"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/retry"
)

// Defaults for Options.
const (
	DefaultBatchSize   = 15
	DefaultConcurrency = 5
	DefaultCacheTTL    = 30 * 24 * time.Hour
)

// Options are the per-run Stage 2 settings.
type Options struct {
	BatchSize     int
	Concurrency   int
	RetryAttempts int
	CacheTTL      time.Duration
	HTMLFallback  bool
	// DryRun reads the cache but never writes it.
	DryRun bool
	// Limiter gates every outbound request, retries and fallback included.
	// Nil disables limiting.
	Limiter Acquirer
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.RetryAttempts < 0 {
		o.RetryAttempts = 0
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
}

// ProgressFunc is called after each batch with the number of domains done,
// the total, and the last domain of the batch.
type ProgressFunc func(done, total int, current string)

// Config holds engine-wide settings.
type Config struct {
	// RetryDelay is the base backoff between attempts on one domain.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
	// Sleep replaces the backoff wait in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithClock overrides the clock used for FetchedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine enriches candidates with traffic data.
type Engine struct {
	primary   Source
	fallback  Source
	cache     cache.Cache
	blacklist *blacklist.Filter
	cfg       Config
	log       logger.Logger
	recorder  Recorder
	now       func() time.Time
}

// NewEngine creates an Engine. fallback may be nil; a nil filter excludes nothing.
func NewEngine(primary, fallback Source, store cache.Cache, filter *blacklist.Filter, cfg Config, log logger.Logger, opts ...Option) *Engine {
	if filter == nil {
		filter = blacklist.Empty()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	e := &Engine{
		primary:   primary,
		fallback:  fallback,
		cache:     store,
		blacklist: filter,
		cfg:       cfg,
		log:       log.With(logger.String("component", "traffic")),
		recorder:  nopRecorder{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich returns one TrafficRecord per distinct, non-blacklisted candidate
// domain, in first-seen order. Domains run in batches of opts.BatchSize with
// at most opts.Concurrency lookups in flight. Once ctx is done no further
// batch starts and Enrich returns the records finished so far with ctx.Err().
func (e *Engine) Enrich(ctx context.Context, candidates []domain.ProductCandidate, opts Options, progress ProgressFunc) ([]domain.TrafficRecord, error) {
	opts.setDefaults()
	if progress == nil {
		progress = func(int, int, string) {}
	}

	domains := e.targets(candidates)
	results := make([]domain.TrafficRecord, len(domains))
	finished := make([]bool, len(domains))

	collect := func() []domain.TrafficRecord {
		out := make([]domain.TrafficRecord, 0, len(domains))
		for i := range results {
			if finished[i] {
				out = append(out, results[i])
			}
		}
		return out
	}

	progress(0, len(domains), "")
	for start := 0; start < len(domains); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return collect(), err
		}
		end := min(start+opts.BatchSize, len(domains))

		var g errgroup.Group
		g.SetLimit(opts.Concurrency)
		for i := start; i < end; i++ {
			g.Go(func() error {
				rec, err := e.enrichOne(ctx, domains[i], opts)
				if err != nil {
					return err
				}
				results[i] = rec
				finished[i] = true
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return collect(), err
		}

		progress(end, len(domains), domains[end-1])
		e.log.Debug("Traffic batch finished",
			logger.Int("done", end),
			logger.Int("total", len(domains)),
		)
	}
	return collect(), nil
}

// targets dedups candidate domains and drops blacklisted ones.
func (e *Engine) targets(candidates []domain.ProductCandidate) []string {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for i := range candidates {
		d := cache.Key(candidates[i].Domain)
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		if e.blacklist.Contains(d) {
			e.log.Debug("Skipping blacklisted domain", logger.String("domain", d))
			continue
		}
		out = append(out, d)
	}
	return out
}

// errNoPermit marks a lookup abandoned while waiting for a rate-limit permit.
var errNoPermit = errors.New("acquire lookup permit")

// enrichOne resolves a single domain. It only fails when ctx ends while
// waiting for a rate-limit permit.
func (e *Engine) enrichOne(ctx context.Context, domainName string, opts Options) (domain.TrafficRecord, error) {
	if rec, ok := e.cached(ctx, domainName); ok {
		e.recorder.TrafficRecord(string(domain.SourceCache))
		return rec, nil
	}

	rec, confirmed, err := e.lookup(ctx, domainName, opts)
	if err != nil {
		return domain.TrafficRecord{}, err
	}
	if confirmed && !opts.DryRun && e.cache != nil {
		if cacheErr := e.cache.Set(context.WithoutCancel(ctx), rec, opts.CacheTTL); cacheErr != nil {
			e.log.Warn("Failed to cache traffic record", logger.String("domain", domainName), logger.Error(cacheErr))
		}
	}
	e.recorder.TrafficRecord(string(rec.DataSource))
	return rec, nil
}

func (e *Engine) cached(ctx context.Context, domainName string) (domain.TrafficRecord, bool) {
	if e.cache == nil {
		return domain.TrafficRecord{}, false
	}
	rec, ok, err := e.cache.Get(ctx, domainName)
	if err != nil {
		e.log.Warn("Traffic cache read failed", logger.String("domain", domainName), logger.Error(err))
		ok = false
	}
	e.recorder.CacheLookup(ok)
	if !ok {
		return domain.TrafficRecord{}, false
	}
	rec.DataSource = domain.SourceCache
	return rec, true
}

// lookup tries the primary source, then the fallback. confirmed is false when
// the record is unavailable because of errors rather than a real absence of data.
func (e *Engine) lookup(ctx context.Context, domainName string, opts Options) (domain.TrafficRecord, bool, error) {
	now := e.now()
	log := e.log.With(logger.String("domain", domainName))

	obs, primaryErr := e.fetch(ctx, e.primary, domainName, opts)
	if primaryErr == nil {
		return newRecord(domainName, obs, domain.SourcePrimary, now), true, nil
	}
	if errors.Is(primaryErr, errNoPermit) {
		return domain.TrafficRecord{}, false, primaryErr
	}
	if !errors.Is(primaryErr, domain.ErrNoData) {
		log.Warn("Primary traffic lookup failed", logger.Error(primaryErr))
	}

	confirmed := errors.Is(primaryErr, domain.ErrNoData)
	if opts.HTMLFallback && e.fallback != nil {
		fallbackObs, fallbackErr := e.fetch(ctx, e.fallback, domainName, opts)
		if fallbackErr == nil {
			return newRecord(domainName, fallbackObs, domain.SourceHTMLFallback, now), true, nil
		}
		if errors.Is(fallbackErr, errNoPermit) {
			return domain.TrafficRecord{}, false, fallbackErr
		}
		if !errors.Is(fallbackErr, domain.ErrNoData) {
			log.Warn("HTML traffic fallback failed", logger.Error(fallbackErr))
			confirmed = false
		}
	}

	return domain.TrafficRecord{
		Domain:     domainName,
		DataSource: domain.SourceUnavailable,
		FetchedAt:  now,
	}, confirmed, nil
}

// fetch calls src with bounded retries on transient errors. Every attempt,
// retries included, takes its own rate-limit permit. No-data and an open
// circuit are returned without retrying. An attempt that has its permit runs
// to completion even if ctx is cancelled.
func (e *Engine) fetch(ctx context.Context, src Source, domainName string, opts Options) (Observation, error) {
	var obs Observation
	err := retry.Do(context.WithoutCancel(ctx), retry.Config{
		MaxAttempts:  opts.RetryAttempts + 1,
		InitialDelay: e.cfg.RetryDelay,
		MaxDelay:     e.cfg.RetryMaxDelay,
		Multiplier:   retry.DefaultMultiplier,
		Jitter:       retry.DefaultJitter,
		Sleep:        e.cfg.Sleep,
		IsRetryable: func(err error) bool {
			return domain.IsRetryable(err) && !errors.Is(err, circuitbreaker.ErrOpen) && !errors.Is(err, errNoPermit)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			e.log.Debug("Retrying traffic lookup",
				logger.String("source", src.Name()),
				logger.String("domain", domainName),
				logger.Int("attempt", attempt),
				logger.Duration("delay", delay),
				logger.Error(err),
			)
		},
	}, func(callCtx context.Context) error {
		if opts.Limiter != nil {
			if permitErr := opts.Limiter.Acquire(ctx); permitErr != nil {
				return fmt.Errorf("%w: %w", errNoPermit, permitErr)
			}
		}
		var lookupErr error
		obs, lookupErr = src.Lookup(callCtx, domainName)
		e.recorder.ProviderRequest(src.Name(), requestResult(lookupErr))
		return lookupErr
	})
	return obs, err
}

func requestResult(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, domain.ErrNoData):
		return ResultNoData
	case errors.Is(err, circuitbreaker.ErrOpen):
		return ResultBreakerOpen
	default:
		return ResultError
	}
}

func newRecord(domainName string, obs Observation, source domain.DataSource, now time.Time) domain.TrafficRecord {
	visits := obs.MonthlyVisits
	return domain.TrafficRecord{
		Domain:        domainName,
		MonthlyVisits: &visits,
		History:       obs.History,
		GrowthRate:    domain.GrowthFromHistory(obs.History),
		DataSource:    source,
		FetchedAt:     now,
	}
}
