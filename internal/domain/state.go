// Package domain holds the core types of a competitor-scout pipeline run.
package domain

// RunState is the lifecycle state of a KeywordRun.
type RunState string

// Run states. NotStarted is implicit for keywords that were never run.
const (
	StateNotStarted      RunState = "not_started"
	StateRunningStage1   RunState = "running_stage1"
	StateCompletedStage1 RunState = "completed_stage1"
	StateRunningStage2   RunState = "running_stage2"
	StateCompletedStage2 RunState = "completed_stage2"
	StateCompleted       RunState = "completed"
	StateFailed          RunState = "failed"
)

// Stage identifies a pipeline stage. StageNone is used for run-level events.
type Stage int

// Pipeline stages.
const (
	StageNone      Stage = 0
	StageDiscovery Stage = 1
	StageTraffic   Stage = 2
)

// String returns the stage label used in metrics.
func (s Stage) String() string {
	switch s {
	case StageDiscovery:
		return "discovery"
	case StageTraffic:
		return "traffic"
	default:
		return "run"
	}
}

var transitions = map[RunState][]RunState{
	StateNotStarted:      {StateRunningStage1},
	StateRunningStage1:   {StateCompletedStage1, StateFailed},
	StateCompletedStage1: {StateRunningStage2, StateCompleted, StateFailed},
	StateRunningStage2:   {StateCompletedStage2, StateFailed},
	StateCompletedStage2: {StateCompleted, StateFailed},
}

// IsTerminal reports whether no further transitions are accepted.
func (s RunState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether s may move to next.
func (s RunState) CanTransition(next RunState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ActiveStage returns the stage a state belongs to.
func (s RunState) ActiveStage() Stage {
	switch s {
	case StateRunningStage1, StateCompletedStage1:
		return StageDiscovery
	case StateRunningStage2, StateCompletedStage2:
		return StageTraffic
	default:
		return StageNone
	}
}
