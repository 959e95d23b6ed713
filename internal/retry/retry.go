// Package retry runs provider calls with capped, jittered exponential backoff.
// Both pipeline stages share it: Stage 1 for job submission, polling and
// pagination, Stage 2 for per-domain lookups.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

var (
	// ErrMaxAttemptsExceeded wraps the last error once attempts run out.
	ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")
	// ErrContextCancelled wraps the context error when a wait is interrupted.
	ErrContextCancelled = errors.New("context cancelled during retry")
	// ErrBudgetExhausted is returned by Poll when the wall-clock budget ends.
	ErrBudgetExhausted = errors.New("poll budget exhausted")
)

// Defaults for Config.
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 2.0
	DefaultJitter       = 0.5
)

// Config configures a retry loop.
type Config struct {
	// MaxAttempts counts the initial call.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay over [1-Jitter, 1+Jitter]. Zero disables it.
	Jitter float64
	// IsRetryable decides whether an error earns another attempt.
	IsRetryable func(error) bool
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, err error, delay time.Duration)
	// Sleep replaces the context-aware wait; tests use it to skip real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns a Config using the package defaults and retrying every error.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
		Jitter:       DefaultJitter,
	}
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = DefaultMultiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0
	}
	if c.IsRetryable == nil {
		c.IsRetryable = func(error) bool { return true }
	}
	if c.Sleep == nil {
		c.Sleep = Sleep
	}
}

// Backoff returns the delay after the given zero-based attempt:
// InitialDelay * Multiplier^attempt, capped at MaxDelay, then jittered.
func (c Config) Backoff(attempt int) time.Duration {
	c.setDefaults()
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.Jitter > 0 {
		delay *= 1 - c.Jitter + rand.Float64()*2*c.Jitter //nolint:gosec // jitter does not need crypto randomness
	}
	return time.Duration(delay)
}

// Do calls fn until it succeeds, returns a non-retryable error, or attempts run out.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg.setDefaults()

	var lastErr error
	for attempt := range cfg.MaxAttempts {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !cfg.IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.Backoff(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}
		if sleepErr := cfg.Sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, sleepErr)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, cfg.MaxAttempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PollConfig configures a fixed-interval poll loop with a wall-clock budget.
type PollConfig struct {
	Interval time.Duration
	Budget   time.Duration
	// Now and Sleep are overridable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Poll calls check every Interval until it reports done, returns an error,
// or the Budget elapses. The final wait is shortened so the budget is never overrun.
func Poll(ctx context.Context, cfg PollConfig, check func(ctx context.Context) (bool, error)) error {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}

	deadline := cfg.Now().Add(cfg.Budget)
	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		remaining := deadline.Sub(cfg.Now())
		if remaining <= 0 {
			return ErrBudgetExhausted
		}
		wait := min(cfg.Interval, remaining)
		if sleepErr := cfg.Sleep(ctx, wait); sleepErr != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, sleepErr)
		}
	}
}
