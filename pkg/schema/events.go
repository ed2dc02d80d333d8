package schema

import "time"

// Event type constants for the execution event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionSuspended = "execution_suspended"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventStepAttempted = "step_attempted"
	EventStepRetrying  = "step_retrying"
	EventTransition    = "transition"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuspended ExecutionStatus = "suspended"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transitions are accepted from s.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusRunning, ExecutionStatusSuspended, ExecutionStatusCompleted, ExecutionStatusFailed:
		return true
	}
	return false
}

// Suspension reasons.
const (
	SuspendPaused      = "paused"
	SuspendAwaiting    = "awaiting"
	SuspendBackoff     = "backoff"
	SuspendInterrupted = "interrupted"
)

// Event is an immutable entry describing something that happened to an execution.
type Event struct {
	ID          int64          `json:"id,omitempty"`
	ExecutionID string         `json:"execution_id"`
	ChainID     string         `json:"chain_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	Type        string         `json:"event_type"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Sequence    int64          `json:"sequence"`
}
