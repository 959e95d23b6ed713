package eventbus

import (
	"context"
	"sync"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
)

// Topic is the event stream of one run. Events get strictly increasing
// sequence numbers and nothing is accepted after a terminal event.
type Topic struct {
	mu         sync.Mutex
	runID      string
	seq        uint64
	nextSubID  uint64
	subs       map[uint64]*Subscription
	closed     bool
	snapshot   SnapshotFunc
	bufferSize int
	onDrop     func()
}

// RunID returns the run the topic belongs to.
func (t *Topic) RunID() string {
	return t.runID
}

// Publish appends ev to every subscriber queue without blocking.
// It returns false if the topic already ended.
func (t *Topic) Publish(ev domain.ProgressEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}

	t.seq++
	ev.Seq = t.seq
	ev.Gap = false
	for _, sub := range t.subs {
		sub.enqueue(ev)
	}

	if ev.IsTerminal() {
		t.closeLocked()
	}
	return true
}

// Subscribe returns a live subscription. If the topic has history, the first
// delivered event is a snapshot of the run. The subscription ends when ctx is
// done, the run ends, or Unsubscribe is called.
func (t *Topic) Subscribe(ctx context.Context) *Subscription {
	t.mu.Lock()

	t.nextSubID++
	sub := newSubscription(t, t.nextSubID, t.bufferSize, t.onDrop)

	if t.seq > 0 && t.snapshot != nil {
		snap := t.snapshot()
		sub.enqueue(domain.ProgressEvent{
			Seq:      t.seq,
			Type:     domain.EventSnapshot,
			RunID:    snap.ID,
			Keyword:  snap.Keyword,
			Time:     snapshotTime(snap),
			Stage:    snap.State.ActiveStage(),
			Snapshot: &snap,
		})
	}

	if t.closed {
		sub.finish()
	} else {
		t.subs[sub.id] = sub
	}
	t.mu.Unlock()

	go sub.pump()
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()

	return sub
}

// Close ends the stream without a terminal event.
func (t *Topic) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
}

func (t *Topic) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true
	for id, sub := range t.subs {
		sub.finish()
		delete(t.subs, id)
	}
}

// Closed reports whether the topic has ended.
func (t *Topic) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Subscribers returns the number of live subscribers.
func (t *Topic) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Topic) remove(id uint64) {
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
}
