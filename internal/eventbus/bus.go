// Package eventbus fans out pipeline progress events to live observers.
// Each run gets its own Topic; every subscriber has a bounded queue so a slow
// reader never blocks the pipeline.
package eventbus

import (
	"sync"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
)

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 100

// SnapshotFunc returns the current state of the run a topic belongs to.
type SnapshotFunc func() domain.KeywordRun

// Option configures a Bus.
type Option func(*Bus)

// WithSubscriberBuffer sets the per-subscriber queue length.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithDropHook is called once per event dropped for a slow subscriber.
func WithDropHook(fn func()) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// WithLogger sets the bus logger.
func WithLogger(log logger.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// Bus owns one Topic per run.
type Bus struct {
	mu         sync.RWMutex
	topics     map[string]*Topic
	bufferSize int
	onDrop     func()
	log        logger.Logger
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics:     make(map[string]*Topic),
		bufferSize: DefaultSubscriberBuffer,
		log:        logger.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open creates the topic for a run, replacing any topic with the same ID.
func (b *Bus) Open(runID string, snapshot SnapshotFunc) *Topic {
	t := &Topic{
		runID:      runID,
		subs:       make(map[uint64]*Subscription),
		snapshot:   snapshot,
		bufferSize: b.bufferSize,
		onDrop:     b.onDrop,
	}

	b.mu.Lock()
	b.topics[runID] = t
	b.mu.Unlock()

	b.log.Debug("Opened event topic", logger.String("run_id", runID))
	return t
}

// Topic returns the topic for a run.
func (b *Bus) Topic(runID string) (*Topic, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[runID]
	return t, ok
}

// Remove closes and forgets a topic. Used when a run is superseded.
func (b *Bus) Remove(runID string) {
	b.mu.Lock()
	t, ok := b.topics[runID]
	delete(b.topics, runID)
	b.mu.Unlock()

	if ok {
		t.Close()
	}
}

// Len returns the number of open topics.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}
