package machine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/stepmachine/pkg/schema"
)

// TransitionHook is called before or after a status transition. An error from
// a before hook vetoes the transition.
type TransitionHook func(from, to string) error

// EventSink receives execution events. The store's event log satisfies it.
type EventSink interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

type statusHookKey struct {
	from, to schema.ExecutionStatus
}

// StatusFSM guards execution status transitions and emits the matching event.
type StatusFSM struct {
	mu     sync.Mutex
	sink   EventSink
	logger *slog.Logger
	before map[statusHookKey][]TransitionHook
	after  map[statusHookKey][]TransitionHook
}

// NewStatusFSM creates a StatusFSM that emits events to sink, which may be nil.
func NewStatusFSM(sink EventSink, logger *slog.Logger) *StatusFSM {
	if logger == nil {
		logger = discardLogger()
	}
	return &StatusFSM{
		sink:   sink,
		logger: logger,
		before: make(map[statusHookKey][]TransitionHook),
		after:  make(map[statusHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a status transition.
func (f *StatusFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := statusHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a status transition.
func (f *StatusFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := statusHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a status change, runs hooks, and emits an event built
// from evt. If evt.Type is empty the type is derived from the target status.
// Event delivery failures are logged and do not block the transition.
func (f *StatusFSM) Transition(ctx context.Context, evt schema.Event, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStatusTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": evt.ExecutionID, "from": string(from), "to": string(to)})
	}

	key := statusHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if evt.Type == "" {
		evt.Type = statusEventType(from, to)
	}
	f.emit(ctx, &evt)

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func (f *StatusFSM) emit(ctx context.Context, evt *schema.Event) {
	if f.sink == nil || evt.Type == "" {
		return
	}
	if err := f.sink.AppendEvent(ctx, evt); err != nil {
		f.logger.WarnContext(ctx, "event delivery failed",
			slog.String("event_type", evt.Type),
			slog.String("execution_id", evt.ExecutionID),
			slog.String("error", err.Error()))
	}
}

func isValidStatusTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidStatusTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func statusEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		if from == schema.ExecutionStatusSuspended {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionStatusSuspended:
		return schema.EventExecutionSuspended
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}

// ValidStatusTransitions defines the allowed execution status transitions.
// Running -> Running is not a status change and never passes through the FSM.
var ValidStatusTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusSuspended, schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed},
	schema.ExecutionStatusSuspended: {schema.ExecutionStatusRunning, schema.ExecutionStatusFailed},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
}
