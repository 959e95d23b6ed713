// Package discovery implements Stage 1: it turns a keyword into a
// deduplicated, filtered list of product candidates by running an ad-library
// scrape job and normalizing its results.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/blacklist"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/retry"
)

// Defaults for Config.
const (
	DefaultPageSize = 1000
	abortTimeout    = 10 * time.Second
)

// Request describes one discovery.
type Request struct {
	Keyword      string
	MaxAds       int
	CountryCode  string
	MinAdSpend   float64
	PollInterval time.Duration
	Timeout      time.Duration
}

// Result is the outcome of a discovery.
type Result struct {
	Candidates []domain.ProductCandidate
	Stats      Stats
	JobID      string
}

// ProgressFunc receives page-level progress. total is domain.UnknownTotal
// until the provider reports it.
type ProgressFunc func(processed, total int)

// Provider is the job protocol Discoverer drives.
type Provider interface {
	Submit(ctx context.Context, keyword string, maxItems int, country string, timeout time.Duration) (Job, error)
	Status(ctx context.Context, jobID string) (Job, error)
	Abort(ctx context.Context, jobID string) error
	Items(ctx context.Context, datasetID string, offset, limit int) (Page, error)
}

// Config configures a Discoverer.
type Config struct {
	PageSize int
	// Retry governs transient failures of individual provider calls.
	Retry retry.Config
	// Sleep overrides the poll wait; tests use it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Discoverer runs Stage 1.
type Discoverer struct {
	provider  Provider
	blacklist *blacklist.Filter
	cfg       Config
	log       logger.Logger
	now       func() time.Time
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(provider Provider, filter *blacklist.Filter, cfg Config, log logger.Logger) *Discoverer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	cfg.Retry.IsRetryable = domain.IsRetryable
	if cfg.Sleep != nil {
		cfg.Retry.Sleep = cfg.Sleep
	}
	return &Discoverer{
		provider:  provider,
		blacklist: filter,
		cfg:       cfg,
		log:       log.With(logger.String("component", "discovery")),
		now:       time.Now,
	}
}

func (d *Discoverer) retrying(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := d.cfg.Retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		d.log.Warn("Retrying ad discovery call",
			logger.String("op", op),
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err),
		)
	}
	return retry.Do(ctx, cfg, fn)
}

// Discover submits a job, waits for it, and normalizes its dataset.
func (d *Discoverer) Discover(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if progress == nil {
		progress = func(int, int) {}
	}
	log := d.log.With(logger.String("keyword", req.Keyword))

	var job Job
	submitErr := d.retrying(ctx, "submit", func(ctx context.Context) error {
		var err error
		job, err = d.provider.Submit(ctx, req.Keyword, req.MaxAds, req.CountryCode, req.Timeout)
		return err
	})
	if submitErr != nil {
		return Result{}, fmt.Errorf("submit scrape job: %w", unwrapCancel(submitErr))
	}
	log.Info("Scrape job submitted", logger.String("job_id", job.ID))

	job, waitErr := d.wait(ctx, job, req)
	if waitErr != nil {
		if !job.Terminal() {
			d.abort(job.ID, log)
		}
		return Result{JobID: job.ID}, waitErr
	}

	normalizer := NewNormalizer(d.blacklist, req.MinAdSpend, d.now)
	if fetchErr := d.collect(ctx, job, normalizer, progress); fetchErr != nil {
		return Result{JobID: job.ID, Candidates: normalizer.Candidates(req.MaxAds), Stats: normalizer.Stats()}, fetchErr
	}

	result := Result{
		JobID:      job.ID,
		Candidates: normalizer.Candidates(req.MaxAds),
		Stats:      normalizer.Stats(),
	}
	log.Info("Ad discovery finished",
		logger.Int("ads_scanned", result.Stats.Scanned),
		logger.Int("malformed", result.Stats.Malformed),
		logger.Int("blacklisted", result.Stats.Blacklisted),
		logger.Int("below_spend", result.Stats.BelowSpend),
		logger.Int("no_url", result.Stats.NoURL),
		logger.Int("candidates", len(result.Candidates)),
	)
	return result, nil
}

// wait polls until the job is terminal or the wall-clock budget runs out.
func (d *Discoverer) wait(ctx context.Context, job Job, req Request) (Job, error) {
	if job.Terminal() {
		return job, jobOutcome(job)
	}

	pollCfg := retry.PollConfig{Interval: req.PollInterval, Budget: req.Timeout, Sleep: d.cfg.Sleep}
	pollErr := retry.Poll(ctx, pollCfg, func(ctx context.Context) (bool, error) {
		statusErr := d.retrying(ctx, "status", func(ctx context.Context) error {
			current, err := d.provider.Status(ctx, job.ID)
			if err != nil {
				return err
			}
			if current.Status != job.Status {
				d.log.Debug("Scrape job status changed",
					logger.String("job_id", job.ID),
					logger.String("status", current.Status),
				)
			}
			job = current
			return nil
		})
		if statusErr != nil {
			return false, statusErr
		}
		return job.Terminal(), nil
	})

	switch {
	case errors.Is(pollErr, retry.ErrBudgetExhausted):
		return job, &domain.TimeoutError{Op: "ad discovery job", Budget: req.Timeout}
	case pollErr != nil:
		return job, fmt.Errorf("poll scrape job: %w", unwrapCancel(pollErr))
	}
	return job, jobOutcome(job)
}

// jobOutcome maps a terminal job status to an error. A provider-side timeout
// still yields whatever the job collected.
func jobOutcome(job Job) error {
	switch job.Status {
	case JobFailed, JobAborted:
		return &domain.ProviderRejectionError{
			Provider: ProviderName,
			Body:     fmt.Sprintf("scrape job %s ended with status %s", job.ID, job.Status),
		}
	default:
		return nil
	}
}

func (d *Discoverer) collect(ctx context.Context, job Job, normalizer *Normalizer, progress ProgressFunc) error {
	if job.Status == JobTimedOut {
		d.log.Warn("Scrape job timed out on the provider, using partial dataset", logger.String("job_id", job.ID))
	}
	if job.DefaultDatasetID == "" {
		return &domain.ProviderRejectionError{Provider: ProviderName, Body: "job finished without a dataset"}
	}

	total := domain.UnknownTotal
	progress(0, total)

	for offset := 0; ; {
		var page Page
		pageErr := d.retrying(ctx, "items", func(ctx context.Context) error {
			var err error
			page, err = d.provider.Items(ctx, job.DefaultDatasetID, offset, d.cfg.PageSize)
			return err
		})
		if pageErr != nil {
			return fmt.Errorf("fetch dataset page at offset %d: %w", offset, unwrapCancel(pageErr))
		}

		if page.Total >= 0 {
			total = page.Total
		}
		normalizer.Add(page.Items)
		normalizer.AddMalformed(page.Malformed)
		if page.Malformed > 0 {
			d.log.Warn("Skipped malformed ad records",
				logger.String("job_id", job.ID),
				logger.Int("offset", offset),
				logger.Int("malformed", page.Malformed),
			)
		}
		offset += page.Records()
		if total >= 0 && offset > total {
			total = offset
		}
		last := page.Records() == 0 || page.Records() < d.cfg.PageSize || (total >= 0 && offset >= total)
		if last {
			total = offset
		}
		progress(offset, total)

		if last {
			return nil
		}
	}
}

// abort stops a job that is no longer wanted. It uses a fresh context so a
// cancelled run can still clean up on the provider.
func (d *Discoverer) abort(jobID string, log logger.Logger) {
	if jobID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	if err := d.provider.Abort(ctx, jobID); err != nil {
		log.Warn("Failed to abort scrape job", logger.String("job_id", jobID), logger.Error(err))
	}
}

// unwrapCancel surfaces context cancellation hidden behind retry wrappers.
func unwrapCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return err
}
