package schema

import "time"

// HistoryEntry records one procedure invocation.
type HistoryEntry struct {
	StepID    string    `json:"step_id" yaml:"step_id"`
	Outcome   string    `json:"outcome" yaml:"outcome"`
	Attempt   int       `json:"attempt" yaml:"attempt"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Suspension describes why a suspended execution stopped and when it may continue.
type Suspension struct {
	Reason   string     `json:"reason" yaml:"reason"`
	ResumeAt *time.Time `json:"resume_at,omitempty" yaml:"resume_at,omitempty"`
}

// ExecutionDocument is the portable snapshot of an execution.
type ExecutionDocument struct {
	Version       string          `json:"version" yaml:"version"`
	ID            string          `json:"id" yaml:"id"`
	ChainID       string          `json:"chain_id,omitempty" yaml:"chain_id,omitempty"`
	ChainVersion  string          `json:"chain_version" yaml:"chain_version"`
	CurrentStepID string          `json:"current_step_id" yaml:"current_step_id"`
	AttemptCount  int             `json:"attempt_count" yaml:"attempt_count"`
	Status        ExecutionStatus `json:"status" yaml:"status"`
	Payload       map[string]any  `json:"payload" yaml:"payload"`
	History       []HistoryEntry  `json:"history" yaml:"history"`
	Suspension    *Suspension     `json:"suspension,omitempty" yaml:"suspension,omitempty"`
	Error         *MachineError   `json:"error,omitempty" yaml:"error,omitempty"`
}
