// Package pipeline runs keyword runs end to end: Stage 1 discovery, Stage 2
// traffic enrichment, persistence and progress events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/database"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/discovery"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/eventbus"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/traffic"
)

// ErrShuttingDown is returned by StartRun after Shutdown began.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Discoverer runs Stage 1.
type Discoverer interface {
	Discover(ctx context.Context, req discovery.Request, progress discovery.ProgressFunc) (discovery.Result, error)
}

// Enricher runs Stage 2.
type Enricher interface {
	Enrich(ctx context.Context, candidates []domain.ProductCandidate, opts traffic.Options, progress traffic.ProgressFunc) ([]domain.TrafficRecord, error)
}

// Orchestrator owns every keyword run of the process. Each run is driven by
// one goroutine; at most one non-terminal run exists per keyword.
type Orchestrator struct {
	discoverer Discoverer
	enricher   Enricher
	limiters   *ratelimit.Registry
	store      database.Store
	bus        *eventbus.Bus
	cfg        Config
	log        logger.Logger

	recorder     Recorder
	onTransition TransitionFunc
	now          func() time.Time
	newID        func() string

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	runs     map[string]*runEntry
	finished []string
	closed   bool
}

// New creates an Orchestrator.
func New(
	discoverer Discoverer,
	enricher Enricher,
	limiters *ratelimit.Registry,
	store database.Store,
	bus *eventbus.Bus,
	cfg Config,
	log logger.Logger,
	opts ...Option,
) *Orchestrator {
	if cfg.DuplicatePolicy == "" {
		cfg.DuplicatePolicy = DuplicateReject
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.LogHistoryLimit <= 0 {
		cfg.LogHistoryLimit = DefaultLogHistoryLimit
	}

	baseCtx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		discoverer: discoverer,
		enricher:   enricher,
		limiters:   limiters,
		store:      store,
		bus:        bus,
		cfg:        cfg,
		log:        log.With(logger.String("component", "pipeline")),
		recorder:   nopRecorder{},
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		baseCtx:    baseCtx,
		stop:       stop,
		runs:       make(map[string]*runEntry),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Defaults returns the run configuration applied to unset request fields.
func (o *Orchestrator) Defaults() domain.RunConfig {
	return o.cfg.Defaults
}

// StartRun validates req and launches a run. The returned run is a snapshot
// taken right after the run entered RunningStage1. A keyword with a
// non-terminal run yields *domain.AlreadyRunningError, or the existing run
// under the attach policy.
func (o *Orchestrator) StartRun(_ context.Context, req domain.RunRequest) (domain.KeywordRun, error) {
	keyword, cfg, err := req.Resolve(o.cfg.Defaults)
	if err != nil {
		return domain.KeywordRun{}, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return domain.KeywordRun{}, ErrShuttingDown
	}
	if existing, ok := o.runs[keyword]; ok && !existing.terminal() {
		o.mu.Unlock()
		snap := existing.snapshot()
		if o.cfg.DuplicatePolicy == DuplicateAttach {
			return snap, nil
		}
		return domain.KeywordRun{}, &domain.AlreadyRunningError{Keyword: keyword, RunID: snap.ID}
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	entry := &runEntry{
		run: domain.KeywordRun{
			ID:        o.newID(),
			Keyword:   keyword,
			State:     domain.StateNotStarted,
			StartedAt: o.now().UTC(),
			Errors:    []domain.RunError{},
			Config:    cfg,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if previous, ok := o.runs[keyword]; ok {
		o.bus.Remove(previous.snapshot().ID)
		o.finished = slices.DeleteFunc(o.finished, func(k string) bool { return k == keyword })
	}
	o.runs[keyword] = entry
	entry.topic = o.bus.Open(entry.run.ID, entry.snapshot)
	o.wg.Add(1)
	o.mu.Unlock()

	run := o.transition(entry, domain.StateRunningStage1, nil)
	o.recorder.RunStarted()
	o.publish(entry, domain.NewEvent(&run, domain.EventRunStarted))
	o.recordLog(entry, run, domain.StageDiscovery, levelInfo, fmt.Sprintf("Run started for %q", keyword))

	o.log.Info("Run started",
		logger.String("keyword", keyword),
		logger.String("run_id", run.ID),
		logger.Int("max_ads", cfg.MaxAds),
		logger.Bool("dry_run", cfg.DryRunMode),
	)

	go o.execute(runCtx, entry)
	return run, nil
}

// Cancel asks the active run of keyword to stop. The run ends Failed with a
// cancelled error once its current step returns.
func (o *Orchestrator) Cancel(keyword string) error {
	entry, err := o.lookup(keyword)
	if err != nil {
		return err
	}
	if entry.terminal() {
		return fmt.Errorf("cancel %q: %w", keyword, domain.ErrRunNotFound)
	}
	entry.cancelled.Store(true)
	entry.cancel()
	return nil
}

// Status returns the current or latest run of keyword. A keyword that never
// ran reports StateNotStarted.
func (o *Orchestrator) Status(ctx context.Context, keyword string) (domain.KeywordRun, error) {
	normalized, err := domain.NormalizeKeyword(keyword)
	if err != nil {
		return domain.KeywordRun{}, err
	}
	if entry, ok := o.entry(normalized); ok {
		return entry.snapshot(), nil
	}

	run, err := o.store.GetLatestRun(ctx, normalized)
	if errors.Is(err, domain.ErrRunNotFound) {
		return domain.KeywordRun{Keyword: normalized, State: domain.StateNotStarted, Errors: []domain.RunError{}}, nil
	}
	if err != nil {
		return domain.KeywordRun{}, fmt.Errorf("load latest run: %w", err)
	}
	return run, nil
}

// Subscribe attaches to the event stream of keyword's current or most recent
// in-memory run.
func (o *Orchestrator) Subscribe(ctx context.Context, keyword string) (*eventbus.Subscription, error) {
	entry, err := o.lookup(keyword)
	if err != nil {
		return nil, err
	}
	return entry.topic.Subscribe(ctx), nil
}

// Results returns the (candidate, traffic) pairs of keyword's latest run,
// highest ad spend first.
func (o *Orchestrator) Results(ctx context.Context, keyword string) ([]domain.ResultPair, error) {
	normalized, err := domain.NormalizeKeyword(keyword)
	if err != nil {
		return nil, err
	}
	if entry, ok := o.entry(normalized); ok {
		return entry.results(), nil
	}

	run, err := o.store.GetLatestRun(ctx, normalized)
	if err != nil {
		return nil, err
	}
	pairs, err := o.store.GetResults(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	return pairs, nil
}

// Logs returns up to limit of the newest log entries of keyword's current or
// most recent in-memory run, oldest first.
func (o *Orchestrator) Logs(keyword string, limit int) ([]domain.LogEntry, error) {
	entry, err := o.lookup(keyword)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > o.cfg.LogHistoryLimit {
		limit = o.cfg.LogHistoryLimit
	}
	return entry.logHistory(limit), nil
}

// DeleteResults removes every stored run of keyword together with its
// candidates and traffic records, and forgets its finished in-memory run.
// A keyword with an active run yields *domain.AlreadyRunningError.
func (o *Orchestrator) DeleteResults(ctx context.Context, keyword string) (int, error) {
	normalized, err := domain.NormalizeKeyword(keyword)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	entry, inMemory := o.runs[normalized]
	if inMemory {
		if !entry.finished() {
			o.mu.Unlock()
			return 0, &domain.AlreadyRunningError{Keyword: normalized, RunID: entry.snapshot().ID}
		}
		delete(o.runs, normalized)
		o.finished = slices.DeleteFunc(o.finished, func(k string) bool { return k == normalized })
		o.bus.Remove(entry.snapshot().ID)
	}
	o.mu.Unlock()

	deleted, err := o.store.DeleteResults(ctx, normalized)
	if err != nil {
		return 0, fmt.Errorf("delete results: %w", err)
	}
	if inMemory && deleted == 0 {
		deleted = 1
	}
	if deleted == 0 {
		return 0, fmt.Errorf("keyword %q: %w", normalized, domain.ErrRunNotFound)
	}

	o.log.Info("Results deleted", logger.String("keyword", normalized), logger.Int("runs", deleted))
	return deleted, nil
}

// ListRuns returns recent runs, newest first, with in-memory runs taking
// precedence over their stored copies.
func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]domain.KeywordRun, error) {
	stored, err := o.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	byID := make(map[string]domain.KeywordRun, len(stored))
	for _, run := range stored {
		byID[run.ID] = run
	}
	o.mu.Lock()
	for _, entry := range o.runs {
		snap := entry.snapshot()
		byID[snap.ID] = snap
	}
	o.mu.Unlock()

	runs := make([]domain.KeywordRun, 0, len(byID))
	for _, run := range byID {
		runs = append(runs, run)
	}
	slices.SortFunc(runs, func(a, b domain.KeywordRun) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Dashboard returns aggregate stats over stored results.
func (o *Orchestrator) Dashboard(ctx context.Context) (domain.DashboardStats, error) {
	return o.store.DashboardStats(ctx)
}

// Wait blocks until the run of keyword reaches a terminal state or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, keyword string) (domain.KeywordRun, error) {
	entry, err := o.lookup(keyword)
	if err != nil {
		return domain.KeywordRun{}, err
	}
	select {
	case <-entry.done:
		return entry.snapshot(), nil
	case <-ctx.Done():
		return domain.KeywordRun{}, ctx.Err()
	}
}

// ActiveRuns returns the number of non-terminal runs.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, entry := range o.runs {
		if !entry.terminal() {
			n++
		}
	}
	return n
}

// Shutdown stops accepting runs, cancels the active ones and waits for them
// to record their final state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, entry := range o.runs {
		if !entry.terminal() {
			entry.cancelled.Store(true)
		}
	}
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs: %w", ctx.Err())
	}
}

func (o *Orchestrator) entry(keyword string) (*runEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.runs[keyword]
	return e, ok
}

func (o *Orchestrator) lookup(keyword string) (*runEntry, error) {
	normalized, err := domain.NormalizeKeyword(keyword)
	if err != nil {
		return nil, err
	}
	entry, ok := o.entry(normalized)
	if !ok {
		return nil, fmt.Errorf("keyword %q: %w", normalized, domain.ErrRunNotFound)
	}
	return entry, nil
}

// retire records a finished run and evicts the oldest finished runs beyond
// the history limit.
func (o *Orchestrator) retire(entry *runEntry) {
	keyword := entry.snapshot().Keyword

	o.mu.Lock()
	defer o.mu.Unlock()

	o.finished = append(o.finished, keyword)
	for len(o.finished) > o.cfg.HistoryLimit {
		oldest := o.finished[0]
		o.finished = o.finished[1:]
		if e, ok := o.runs[oldest]; ok && e.terminal() {
			delete(o.runs, oldest)
			o.bus.Remove(e.snapshot().ID)
		}
	}
}
