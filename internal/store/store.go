package store

import (
	"context"

	"github.com/rendis/stepmachine/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Chains
	SaveChain(ctx context.Context, chain *ChainRecord) error
	GetChain(ctx context.Context, id string) (*ChainRecord, error)
	ListChains(ctx context.Context, filter ChainFilter) ([]*ChainRecord, error)
	DeleteChain(ctx context.Context, id string) error

	// Executions (latest snapshot per execution)
	SaveExecution(ctx context.Context, exec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)

	// Event log (append-only). AppendEvent makes every Store a machine.EventSink.
	AppendEvent(ctx context.Context, event *schema.Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*schema.Event, error)

	// Scheduled Jobs
	UpsertScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
