package eventbus

import (
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
)

// Subscription is one observer's view of a Topic.
type Subscription struct {
	topic *Topic
	id    uint64
	size  int

	mu       sync.Mutex
	queue    []domain.ProgressEvent
	gap      bool
	finished bool
	dropped  int
	onDrop   func()

	notify    chan struct{}
	out       chan domain.ProgressEvent
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(t *Topic, id uint64, size int, onDrop func()) *Subscription {
	return &Subscription{
		topic:  t,
		id:     id,
		size:   size,
		onDrop: onDrop,
		notify: make(chan struct{}, 1),
		out:    make(chan domain.ProgressEvent),
		done:   make(chan struct{}),
	}
}

// Events delivers the run's events in order and closes when the stream ends.
func (s *Subscription) Events() <-chan domain.ProgressEvent {
	return s.out
}

// Dropped returns how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Unsubscribe detaches from the topic and closes the event channel.
func (s *Subscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.topic.remove(s.id)
	})
}

// enqueue adds ev, evicting the oldest non-terminal event when full.
// Terminal events are always kept.
func (s *Subscription) enqueue(ev domain.ProgressEvent) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}

	if len(s.queue) >= s.size {
		if idx := oldestNonTerminal(s.queue); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
			s.dropped++
			if idx < len(s.queue) {
				s.queue[idx].Gap = true
			} else {
				s.gap = true
			}
			if s.onDrop != nil {
				s.onDrop()
			}
		}
	}

	if s.gap {
		ev.Gap = true
		s.gap = false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	s.wake()
}

func oldestNonTerminal(queue []domain.ProgressEvent) int {
	for i, ev := range queue {
		if !ev.IsTerminal() {
			return i
		}
	}
	return -1
}

// finish marks that no more events will arrive; queued events still drain.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (domain.ProgressEvent, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		return ev, true, false
	}
	return domain.ProgressEvent{}, false, s.finished
}

func (s *Subscription) pump() {
	defer func() {
		close(s.out)
		s.Unsubscribe()
	}()

	for {
		ev, ok, finished := s.next()
		if finished {
			return
		}
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func snapshotTime(run domain.KeywordRun) time.Time {
	if run.CompletedAt != nil {
		return *run.CompletedAt
	}
	return time.Now().UTC()
}
