package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stepmachine/pkg/schema"
)

// ChainRecord is a stored chain definition. Definition holds the encoded
// chain document; the store does not interpret it.
type ChainRecord struct {
	ID          string          `json:"id"`
	Version     string          `json:"version"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ExecutionRecord is a stored execution snapshot plus the columns needed to
// find it without decoding the snapshot.
type ExecutionRecord struct {
	ID            string                 `json:"id"`
	ChainID       string                 `json:"chain_id"`
	ChainVersion  string                 `json:"chain_version"`
	Status        schema.ExecutionStatus `json:"status"`
	CurrentStepID string                 `json:"current_step_id,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	ResumeAt      *time.Time             `json:"resume_at,omitempty"`
	ErrorCode     string                 `json:"error_code,omitempty"`
	Snapshot      json.RawMessage        `json:"snapshot"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// ScheduledJob is a cron-triggered run of a stored chain.
type ScheduledJob struct {
	ID             string          `json:"id"`
	ChainID        string          `json:"chain_id"`
	CronExpression string          `json:"cron_expression"`
	Input          json.RawMessage `json:"input,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// StepSummary is the per-step view rebuilt from an execution's events.
type StepSummary struct {
	StepID      string `json:"step_id"`
	Attempts    int    `json:"attempts"`
	Retries     int    `json:"retries"`
	LastOutcome string `json:"last_outcome,omitempty"`
}

// --- Filter and update types ---

// ChainFilter specifies criteria for listing chains.
type ChainFilter struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	ChainID string                  `json:"chain_id,omitempty"`
	Status  *schema.ExecutionStatus `json:"status,omitempty"`
	// DueBefore keeps only suspended executions whose resume time is at or
	// before the given instant.
	DueBefore *time.Time `json:"due_before,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	ChainID string `json:"chain_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
