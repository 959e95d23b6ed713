// Package traffic implements Stage 2: it attaches monthly visit estimates to
// each discovered domain, drawing on a cache, a rate-limited primary provider
// and an HTML fallback.
package traffic

import (
	"context"
)

// Observation is what a traffic source knows about one domain.
type Observation struct {
	MonthlyVisits int64
	// History is oldest first; nil points are months without data.
	History []*int64
}

// Source looks up traffic for a registrable domain. It returns
// domain.ErrNoData when the source has nothing for the domain.
type Source interface {
	Name() string
	Lookup(ctx context.Context, domainName string) (Observation, error)
}

// Acquirer hands out permits for outbound lookups.
type Acquirer interface {
	Acquire(ctx context.Context) error
}

// Recorder receives Stage 2 measurements.
type Recorder interface {
	ProviderRequest(provider, result string)
	CacheLookup(hit bool)
	TrafficRecord(source string)
}

// Provider request results passed to Recorder.ProviderRequest.
const (
	ResultOK          = "ok"
	ResultNoData      = "no_data"
	ResultError       = "error"
	ResultBreakerOpen = "breaker_open"
)

type nopRecorder struct{}

func (nopRecorder) ProviderRequest(string, string) {}
func (nopRecorder) CacheLookup(bool)               {}
func (nopRecorder) TrafficRecord(string)           {}
