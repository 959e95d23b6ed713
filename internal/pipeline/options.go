package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
)

// DuplicatePolicy decides what StartRun does for a keyword that already has
// a non-terminal run.
type DuplicatePolicy string

// Duplicate policies.
const (
	DuplicateReject DuplicatePolicy = "reject"
	DuplicateAttach DuplicatePolicy = "attach"
)

// ParseDuplicatePolicy parses a configured policy. Empty means reject.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DuplicateReject:
		return DuplicateReject, nil
	case DuplicateAttach:
		return DuplicateAttach, nil
	default:
		return "", fmt.Errorf("unknown duplicate policy %q", s)
	}
}

// DefaultHistoryLimit is how many finished runs stay in memory.
const DefaultHistoryLimit = 100

// DefaultLogHistoryLimit is how many log entries each in-memory run keeps.
const DefaultLogHistoryLimit = 1000

// Config configures an Orchestrator.
type Config struct {
	Defaults        domain.RunConfig
	DuplicatePolicy DuplicatePolicy
	// HistoryLimit bounds the finished runs kept in memory for status,
	// late subscribers and dry-run results.
	HistoryLimit int
	// LogHistoryLimit bounds the log entries kept per run.
	LogHistoryLimit int
}

// Recorder receives run measurements.
type Recorder interface {
	RunStarted()
	RunFinished(outcome string)
	StageFinished(stage string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RunStarted()                         {}
func (nopRecorder) RunFinished(string)                  {}
func (nopRecorder) StageFinished(string, time.Duration) {}

// TransitionFunc observes every state change of every run.
type TransitionFunc func(run domain.KeywordRun, from, to domain.RunState)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithTransitionHook registers a state change observer. It runs on the
// run's goroutine and must not block.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(o *Orchestrator) { o.onTransition = fn }
}

// WithClock overrides the time source for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}
