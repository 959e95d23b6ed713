// Package ratelimit provides the token bucket that paces outbound
// traffic-provider lookups.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
)

// Scope decides how limiters are shared between runs.
type Scope string

// Limiter scopes.
const (
	// ScopeRun gives every run its own bucket.
	ScopeRun Scope = "run"
	// ScopeProcess shares one bucket per rate across all runs in the process.
	ScopeProcess Scope = "process"
)

// ParseScope validates a configured scope name.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeRun, "":
		return ScopeRun, nil
	case ScopeProcess:
		return ScopeProcess, nil
	default:
		return "", fmt.Errorf("unknown rate limit scope %q", s)
	}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPeriod sets the refill window. The default window is one minute.
func WithPeriod(d time.Duration) Option {
	return func(l *Limiter) { l.period = d }
}

// WithClock sets the time source used when the bucket is created.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithWaitObserver receives the time each Acquire spent blocked.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(l *Limiter) { l.observe = fn }
}

// Limiter is a token bucket granting perPeriod permits per period with a
// burst of one. The bucket starts empty so n permits never take less than
// n/perPeriod periods.
type Limiter struct {
	limiter   *rate.Limiter
	perPeriod int
	period    time.Duration
	now       func() time.Time
	observe   func(time.Duration)
}

// New creates a Limiter allowing perMinute acquisitions per minute.
func New(perMinute int, opts ...Option) *Limiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	l := &Limiter{
		perPeriod: perMinute,
		period:    time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	l.limiter = rate.NewLimiter(rate.Every(l.Interval()), 1)
	l.limiter.ReserveN(l.now(), 1)
	return l
}

// Interval is the time between two tokens.
func (l *Limiter) Interval() time.Duration {
	return l.period / time.Duration(l.perPeriod)
}

// Acquire blocks until a token is available. It only fails when ctx ends.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("acquire rate limit token: %w", err)
	}
	if l.observe != nil {
		l.observe(time.Since(start))
	}
	return nil
}

// MinDuration is the least wall-clock time n acquisitions can take at perMinute.
func MinDuration(n, perMinute int) time.Duration {
	if perMinute <= 0 {
		return 0
	}
	return time.Duration(n) * time.Minute / time.Duration(perMinute)
}

// Registry hands out limiters according to the configured Scope.
type Registry struct {
	scope   Scope
	log     logger.Logger
	observe func(time.Duration)

	mu     sync.Mutex
	shared map[int]*Limiter
}

// NewRegistry creates a Registry. observe may be nil.
func NewRegistry(scope Scope, log logger.Logger, observe func(time.Duration)) *Registry {
	return &Registry{
		scope:   scope,
		log:     log,
		observe: observe,
		shared:  make(map[int]*Limiter),
	}
}

// Scope returns the registry scope.
func (r *Registry) Scope() Scope {
	return r.scope
}

// ForRun returns the limiter a run should draw from.
func (r *Registry) ForRun(perMinute int) *Limiter {
	if r.scope != ScopeProcess {
		return New(perMinute, WithWaitObserver(r.observe))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.shared[perMinute]; ok {
		return l
	}
	l := New(perMinute, WithWaitObserver(r.observe))
	r.shared[perMinute] = l
	r.log.Info("Created shared rate limiter", logger.Int("per_minute", perMinute))
	return l
}
