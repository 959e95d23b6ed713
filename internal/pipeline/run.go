package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/discovery"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/metrics"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/traffic"
)

// execute is the owning goroutine of one run.
func (o *Orchestrator) execute(ctx context.Context, entry *runEntry) {
	defer o.wg.Done()
	defer entry.cancel()
	defer close(entry.done)
	defer o.retire(entry)

	run := entry.snapshot()
	log := logger.ForRun(o.log, run.Keyword, run.ID)
	cfg := run.Config

	if err := o.persistRun(ctx, entry); err != nil {
		o.fail(ctx, entry, log, domain.StageDiscovery, err)
		return
	}

	candidates, ok := o.runDiscovery(ctx, entry, log, cfg)
	if !ok {
		return
	}
	if len(candidates) == 0 {
		o.logEvent(entry, log, levelWarn, "No candidates discovered, skipping traffic enrichment")
		o.complete(ctx, entry, log)
		return
	}
	if ctx.Err() != nil {
		o.fail(ctx, entry, log, domain.StageTraffic, ctx.Err())
		return
	}

	if !o.runTraffic(ctx, entry, log, cfg, candidates) {
		return
	}
	o.complete(ctx, entry, log)
}

func (o *Orchestrator) runDiscovery(ctx context.Context, entry *runEntry, log logger.Logger, cfg domain.RunConfig) ([]domain.ProductCandidate, bool) {
	run := entry.snapshot()
	o.publishStage(entry, domain.EventStageStarted, domain.StageDiscovery, 0, domain.UnknownTotal, "")

	started := time.Now()
	result, err := o.discoverer.Discover(ctx, discovery.Request{
		Keyword:      run.Keyword,
		MaxAds:       cfg.MaxAds,
		CountryCode:  cfg.CountryCode,
		MinAdSpend:   float64(cfg.MinAdSpendUSD),
		PollInterval: cfg.PollInterval(),
		Timeout:      cfg.DiscoveryTimeout(),
	}, func(processed, total int) {
		o.publishStage(entry, domain.EventStageProgress, domain.StageDiscovery, processed, total, "")
	})
	o.recorder.StageFinished(domain.StageDiscovery.String(), time.Since(started))

	entry.setCandidates(result.Candidates)
	entry.update(func(r *domain.KeywordRun) {
		r.Stage1Count = len(result.Candidates)
		r.Summary.AdsScanned = result.Stats.Scanned
		r.Summary.AdsDiscarded = result.Stats.Discarded()
		r.Summary.ProductsDiscovered = len(result.Candidates)
	})

	if err != nil {
		if len(result.Candidates) > 0 {
			o.persistCandidates(ctx, entry, log, result.Candidates)
		}
		o.fail(ctx, entry, log, domain.StageDiscovery, err)
		return nil, false
	}

	done := len(result.Candidates)
	o.transition(entry, domain.StateCompletedStage1, nil)
	o.publishStage(entry, domain.EventStageCompleted, domain.StageDiscovery, done, done, "")
	o.logEvent(entry, log, levelInfo, fmt.Sprintf("Discovered %d products from %d ads (%d discarded)",
		done, result.Stats.Scanned, result.Stats.Discarded()), logger.String("job_id", result.JobID))
	if persistErr := o.persistCandidates(ctx, entry, log, result.Candidates); persistErr != nil {
		o.fail(ctx, entry, log, domain.StageDiscovery, persistErr)
		return nil, false
	}

	return result.Candidates, true
}

func (o *Orchestrator) runTraffic(ctx context.Context, entry *runEntry, log logger.Logger, cfg domain.RunConfig, candidates []domain.ProductCandidate) bool {
	o.transition(entry, domain.StateRunningStage2, nil)
	o.publishStage(entry, domain.EventStageStarted, domain.StageTraffic, 0, domain.UnknownTotal, "")

	opts := traffic.Options{
		BatchSize:     cfg.DomainBatchSize,
		Concurrency:   cfg.Concurrency,
		RetryAttempts: cfg.RetryAttempts,
		CacheTTL:      cfg.CacheTTL(),
		HTMLFallback:  cfg.HTMLFallbackEnabled,
		DryRun:        cfg.DryRunMode,
	}
	if o.limiters != nil {
		opts.Limiter = o.limiters.ForRun(cfg.MaxDomainsPerMinute)
	}

	started := time.Now()
	records, err := o.enricher.Enrich(ctx, candidates, opts, func(done, total int, current string) {
		o.publishStage(entry, domain.EventStageProgress, domain.StageTraffic, done, total, current)
	})
	o.recorder.StageFinished(domain.StageTraffic.String(), time.Since(started))

	entry.setRecords(records)
	entry.update(func(r *domain.KeywordRun) {
		r.Stage2Count = len(records)
		r.Summary.TrafficEnriched, r.Summary.NoData, r.Summary.CacheHits = countRecords(records)
	})

	if err != nil {
		if len(records) > 0 {
			o.persistRecords(ctx, entry, log, records)
		}
		o.fail(ctx, entry, log, domain.StageTraffic, err)
		return false
	}

	o.transition(entry, domain.StateCompletedStage2, nil)
	o.publishStage(entry, domain.EventStageCompleted, domain.StageTraffic, len(records), len(records), "")
	summary := entry.snapshot().Summary
	o.logEvent(entry, log, levelInfo, fmt.Sprintf("Enriched %d of %d domains (%d without data, %d from cache)",
		summary.TrafficEnriched, len(records), summary.NoData, summary.CacheHits))
	if persistErr := o.persistRecords(ctx, entry, log, records); persistErr != nil {
		o.fail(ctx, entry, log, domain.StageTraffic, persistErr)
		return false
	}

	return true
}

func countRecords(records []domain.TrafficRecord) (enriched, noData, cacheHits int) {
	for i := range records {
		if records[i].HasData() {
			enriched++
		} else {
			noData++
		}
		if records[i].DataSource == domain.SourceCache {
			cacheHits++
		}
	}
	return enriched, noData, cacheHits
}

func (o *Orchestrator) complete(ctx context.Context, entry *runEntry, log logger.Logger) {
	completedAt := o.now().UTC()
	run := o.transition(entry, domain.StateCompleted, func(r *domain.KeywordRun) {
		r.CompletedAt = &completedAt
	})
	if err := o.persistRun(ctx, entry); err != nil {
		log.Error("Failed to persist completed run", logger.Error(err))
	}

	ev := domain.NewEvent(&run, domain.EventRunCompleted)
	summary := run.Summary
	ev.Summary = &summary
	o.publish(entry, ev)
	o.recorder.RunFinished(metrics.OutcomeCompleted)
	o.recordLog(entry, run, domain.StageNone, levelInfo, fmt.Sprintf("Run completed with %d products, %d enriched",
		summary.ProductsDiscovered, summary.TrafficEnriched))

	log.Info("Run completed",
		logger.Int("products_discovered", summary.ProductsDiscovered),
		logger.Int("traffic_enriched", summary.TrafficEnriched),
		logger.Duration("duration", completedAt.Sub(run.StartedAt)),
	)
}

// fail ends the run in StateFailed with one appended error.
func (o *Orchestrator) fail(ctx context.Context, entry *runEntry, log logger.Logger, stage domain.Stage, cause error) {
	if entry.cancelled.Load() || errors.Is(cause, context.Canceled) {
		cause = &domain.CancelledError{Stage: stage}
	}
	failedAt := o.now().UTC()
	runErr := domain.RunError{
		Stage:   stage,
		Kind:    domain.Classify(cause),
		Message: cause.Error(),
		At:      failedAt,
	}

	run := o.transition(entry, domain.StateFailed, func(r *domain.KeywordRun) {
		r.Errors = append(r.Errors, runErr)
		r.CompletedAt = &failedAt
	})
	if err := o.persistRun(ctx, entry); err != nil {
		log.Error("Failed to persist failed run", logger.Error(err))
	}

	ev := domain.NewEvent(&run, domain.EventRunFailed)
	ev.Stage = stage
	ev.Error = &runErr
	summary := run.Summary
	ev.Summary = &summary
	o.publish(entry, ev)

	outcome := metrics.OutcomeFailed
	if runErr.Kind == domain.KindCancelled {
		outcome = metrics.OutcomeCancelled
	}
	o.recorder.RunFinished(outcome)
	o.recordLog(entry, run, stage, levelError, "Run failed: "+runErr.Message)

	log.Error("Run failed",
		logger.String("stage", stage.String()),
		logger.String("kind", string(runErr.Kind)),
		logger.Error(cause),
	)
}

// transition moves the run to state, applying mutate under the same lock.
// Illegal transitions are logged and ignored.
func (o *Orchestrator) transition(entry *runEntry, to domain.RunState, mutate func(r *domain.KeywordRun)) domain.KeywordRun {
	var (
		from    domain.RunState
		allowed bool
	)
	run := entry.update(func(r *domain.KeywordRun) {
		from = r.State
		if allowed = from.CanTransition(to); !allowed {
			return
		}
		r.State = to
		if mutate != nil {
			mutate(r)
		}
	})
	if !allowed {
		o.log.Error("Illegal run state transition",
			logger.String("run_id", run.ID),
			logger.String("from", string(from)),
			logger.String("to", string(to)),
		)
		return run
	}
	if o.onTransition != nil {
		o.onTransition(run, from, to)
	}
	return run
}

// Levels of log events.
const (
	levelInfo  = "info"
	levelWarn  = "warn"
	levelError = "error"
)

// logEvent publishes a log event, records it in the run's log history and
// mirrors it to the run logger.
func (o *Orchestrator) logEvent(entry *runEntry, log logger.Logger, level, message string, fields ...logger.Field) {
	run := entry.snapshot()
	ev := domain.NewEvent(&run, domain.EventLog)
	ev.Stage = run.State.ActiveStage()
	ev.Level = level
	ev.Message = message
	o.publish(entry, ev)
	o.recordLog(entry, run, ev.Stage, level, message)

	if level == levelWarn {
		log.Warn(message, fields...)
		return
	}
	log.Info(message, fields...)
}

// recordLog appends to the run's log history without publishing an event.
func (o *Orchestrator) recordLog(entry *runEntry, run domain.KeywordRun, stage domain.Stage, level, message string) {
	entry.appendLog(domain.LogEntry{
		Time:    o.now().UTC(),
		RunID:   run.ID,
		Keyword: run.Keyword,
		Stage:   stage,
		Level:   level,
		Message: message,
	}, o.cfg.LogHistoryLimit)
}

func (o *Orchestrator) publish(entry *runEntry, ev domain.ProgressEvent) {
	entry.topic.Publish(ev)
}

func (o *Orchestrator) publishStage(entry *runEntry, typ domain.EventType, stage domain.Stage, done, total int, current string) {
	run := entry.snapshot()
	ev := domain.NewEvent(&run, typ)
	ev.Stage = stage
	ev.Done = done
	ev.Total = total
	ev.CurrentItem = current
	o.publish(entry, ev)
}

// persistence runs on a context detached from cancellation so a cancelled
// run still records its final state.

func (o *Orchestrator) persistRun(ctx context.Context, entry *runEntry) error {
	run := entry.snapshot()
	if run.Config.DryRunMode {
		return nil
	}
	return o.store.SaveRun(context.WithoutCancel(ctx), run)
}

func (o *Orchestrator) persistCandidates(ctx context.Context, entry *runEntry, log logger.Logger, candidates []domain.ProductCandidate) error {
	run := entry.snapshot()
	if run.Config.DryRunMode {
		return nil
	}
	persistCtx := context.WithoutCancel(ctx)
	if err := o.store.SaveCandidates(persistCtx, run.ID, candidates); err != nil {
		log.Error("Failed to persist candidates", logger.Error(err))
		return err
	}
	return o.store.SaveRun(persistCtx, run)
}

func (o *Orchestrator) persistRecords(ctx context.Context, entry *runEntry, log logger.Logger, records []domain.TrafficRecord) error {
	run := entry.snapshot()
	if run.Config.DryRunMode {
		return nil
	}
	persistCtx := context.WithoutCancel(ctx)
	if err := o.store.SaveTrafficRecords(persistCtx, run.ID, records); err != nil {
		log.Error("Failed to persist traffic records", logger.Error(err))
		return err
	}
	return o.store.SaveRun(persistCtx, run)
}
