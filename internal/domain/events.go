package domain

import "time"

// EventType names a ProgressEvent variant.
type EventType string

// Progress event types. Snapshot is synthesized for late subscribers.
const (
	EventRunStarted     EventType = "run_started"
	EventStageStarted   EventType = "stage_started"
	EventStageProgress  EventType = "stage_progress"
	EventStageCompleted EventType = "stage_completed"
	EventRunCompleted   EventType = "run_completed"
	EventRunFailed      EventType = "run_failed"
	EventLog            EventType = "log"
	EventSnapshot       EventType = "snapshot"
)

// UnknownTotal marks a progress total that is not known yet.
const UnknownTotal = -1

// ProgressEvent is one immutable entry of a run's event stream.
type ProgressEvent struct {
	Seq         uint64      `json:"seq"`
	Type        EventType   `json:"type"`
	RunID       string      `json:"run_id"`
	Keyword     string      `json:"keyword"`
	Time        time.Time   `json:"time"`
	Stage       Stage       `json:"stage,omitempty"`
	Done        int         `json:"done,omitempty"`
	Total       int         `json:"total,omitempty"`
	CurrentItem string      `json:"current_item,omitempty"`
	Summary     *RunSummary `json:"summary,omitempty"`
	Error       *RunError   `json:"error,omitempty"`
	Level       string      `json:"level,omitempty"`
	Message     string      `json:"message,omitempty"`
	Snapshot    *KeywordRun `json:"snapshot,omitempty"`
	// Gap is set on the first event delivered after the subscriber lost events.
	Gap bool `json:"gap,omitempty"`
}

// IsTerminal reports whether the event ends a run's stream.
func (e ProgressEvent) IsTerminal() bool {
	return e.Type == EventRunCompleted || e.Type == EventRunFailed
}

// NewEvent builds an event for a run with the current time.
func NewEvent(run *KeywordRun, typ EventType) ProgressEvent {
	return ProgressEvent{
		Type:    typ,
		RunID:   run.ID,
		Keyword: run.Keyword,
		Time:    time.Now().UTC(),
	}
}

// LogEntry is one line of a run's log history.
type LogEntry struct {
	Time    time.Time `json:"time"`
	RunID   string    `json:"run_id"`
	Keyword string    `json:"keyword"`
	Stage   Stage     `json:"stage,omitempty"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}
