package machine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stepmachine/internal/logging"
	"github.com/rendis/stepmachine/pkg/schema"
)

// RunResult summarizes where an execution stopped.
type RunResult struct {
	Status schema.ExecutionStatus
	// Reason and ResumeAt describe a suspension.
	Reason   string
	ResumeAt *time.Time
	// NotReady is set when Resume was called before ResumeAt; nothing ran.
	NotReady bool
	Error    *schema.MachineError
}

// Engine drives one execution over a frozen chain. Run, Step, Resume,
// Cancel and State serialize on an internal lock; Pause and Cancel may be
// called from another goroutine while a run is in progress and take effect
// at the next step boundary.
type Engine struct {
	chain  *Chain
	procs  map[string]Procedure
	clock  Clock
	logger *slog.Logger
	tracer trace.Tracer
	sink   EventSink
	fsm    *StatusFSM

	mu      sync.Mutex
	state   *ExecutionState
	started bool

	running         atomic.Bool
	pauseRequested  atomic.Bool
	cancelRequested atomic.Pointer[string]
}

// NewEngine binds a new execution to chain, freezing the chain. input seeds
// the payload and is copied.
func NewEngine(chain *Chain, input map[string]any, opts ...Option) (*Engine, error) {
	cfg := newConfig(opts)
	e, err := bind(chain, cfg)
	if err != nil {
		return nil, err
	}

	id := cfg.executionID
	if id == "" {
		id = cfg.ids.NewID()
	}
	payload := clonePayload(input)
	if payload == nil {
		payload = map[string]any{}
	}
	e.state = &ExecutionState{
		ID:            id,
		ChainID:       chain.ID(),
		ChainVersion:  chain.Version(),
		CurrentStepID: chain.EntryID(),
		Status:        schema.ExecutionStatusRunning,
		Payload:       payload,
	}
	return e, nil
}

// Restore binds a previously captured execution state to chain. The state
// must have been produced against the same chain version.
func Restore(chain *Chain, state *ExecutionState, opts ...Option) (*Engine, error) {
	if state == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution state is required")
	}
	cfg := newConfig(opts)
	e, err := bind(chain, cfg)
	if err != nil {
		return nil, err
	}

	if state.ChainVersion != chain.Version() {
		return nil, schema.NewErrorf(schema.ErrCodeChainMismatch,
			"execution %s was captured against chain version %q, chain is %q",
			state.ID, state.ChainVersion, chain.Version())
	}
	if state.ChainID != "" && state.ChainID != chain.ID() {
		return nil, schema.NewErrorf(schema.ErrCodeChainMismatch,
			"execution %s belongs to chain %q, not %q", state.ID, state.ChainID, chain.ID())
	}
	if _, ok := chain.step(state.CurrentStepID); !ok {
		return nil, unknownStepError(state.CurrentStepID)
	}

	e.state = state.Clone()
	if e.state.Payload == nil {
		e.state.Payload = map[string]any{}
	}
	e.started = true
	return e, nil
}

func bind(chain *Chain, cfg *config) (*Engine, error) {
	if chain == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "chain is required")
	}
	if err := chain.Freeze(); err != nil {
		return nil, err
	}

	procs := make(map[string]Procedure, chain.Len())
	for _, id := range chain.StepIDs() {
		s, _ := chain.step(id)
		if s.Procedure != nil {
			procs[id] = s.Procedure
			continue
		}
		if cfg.resolver == nil {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownProcedure,
				"no procedure resolver configured for reference %q", s.ProcedureRef).WithStep(id)
		}
		p, err := cfg.resolver.Resolve(s.ProcedureRef)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownProcedure,
				"resolve procedure %q: %s", s.ProcedureRef, err.Error()).WithStep(id).WithCause(err)
		}
		procs[id] = p
	}

	fsm := NewStatusFSM(cfg.sink, cfg.logger)
	for _, h := range cfg.hooks {
		if h.before {
			fsm.OnBefore(h.from, h.to, h.hook)
		} else {
			fsm.OnAfter(h.from, h.to, h.hook)
		}
	}

	return &Engine{
		chain:  chain,
		procs:  procs,
		clock:  cfg.clock,
		logger: cfg.logger,
		tracer: cfg.tracer,
		sink:   cfg.sink,
		fsm:    fsm,
	}, nil
}

// ID returns the execution ID.
func (e *Engine) ID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.ID
}

// Chain returns the bound chain.
func (e *Engine) Chain() *Chain {
	return e.chain
}

// State returns a copy of the execution state.
func (e *Engine) State() *ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Run advances a running execution until it suspends or reaches a terminal
// status. Execution failures are reported through the result, not the error;
// the error is reserved for calls the engine cannot honor and for context
// interruption.
func (e *Engine) Run(ctx context.Context) (RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireRunning("run"); err != nil {
		return e.result(), err
	}
	return e.loop(ctx, 0)
}

// Step runs exactly one step of a running execution.
func (e *Engine) Step(ctx context.Context) (RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireRunning("step"); err != nil {
		return e.result(), err
	}
	return e.loop(ctx, 1)
}

// Resume continues a suspended execution. If the suspension carries a resume
// time that has not passed, nothing runs and the result is NotReady.
func (e *Engine) Resume(ctx context.Context, opts ...ResumeOption) (RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status.IsTerminal() {
		return e.result(), terminalError(e.state, "resume")
	}
	if e.state.Status != schema.ExecutionStatusSuspended {
		return e.result(), schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is %s, not suspended", e.state.ID, e.state.Status)
	}

	rc := &resumeConfig{}
	for _, opt := range opts {
		opt(rc)
	}

	if at, ok := e.state.ResumeAt(); ok && !rc.force && e.clock.Now().Before(at) {
		res := e.result()
		res.NotReady = true
		return res, nil
	}

	ctx = logging.WithIDs(ctx, e.state.ID, e.state.ChainID)
	evt := e.event(e.state.CurrentStepID, map[string]any{"reason": e.suspensionReason()})
	if err := e.fsm.Transition(context.WithoutCancel(ctx), evt, schema.ExecutionStatusSuspended, schema.ExecutionStatusRunning); err != nil {
		return e.result(), err
	}

	for k, v := range rc.input {
		e.state.Payload[k] = cloneValue(v)
	}
	e.state.Status = schema.ExecutionStatusRunning
	e.state.Suspension = nil
	e.started = true
	e.pauseRequested.Store(false)
	logging.LogWith(ctx, e.logger).Info("execution resumed", slog.String("step_id", e.state.CurrentStepID))

	return e.loop(ctx, 0)
}

// Pause asks a running execution to suspend at the next step boundary with
// reason "paused". If no run is in progress the execution suspends at once.
func (e *Engine) Pause(ctx context.Context) error {
	if e.running.Load() {
		e.pauseRequested.Store(true)
		if e.running.Load() {
			return nil
		}
		// The run ended between the two checks and may not have seen the
		// request; settle it under the lock instead.
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauseRequested.Store(false)

	switch e.state.Status {
	case schema.ExecutionStatusSuspended:
		return nil
	case schema.ExecutionStatusRunning:
		return e.suspend(logging.WithIDs(ctx, e.state.ID, e.state.ChainID), schema.SuspendPaused, nil)
	default:
		return terminalError(e.state, "pause")
	}
}

// Cancel forces a running or suspended execution to Failed with code
// CANCELLED. Cancelling a terminal execution fails with TERMINAL_STATE.
//
// While a run is in progress the cancellation is applied at the next step
// boundary or, at the latest, when the current Run, Step or Resume call
// returns. A run that completes or fails on its final step before that
// keeps its terminal status and the request is discarded.
func (e *Engine) Cancel(ctx context.Context, reason string) error {
	if e.running.Load() {
		e.cancelRequested.Store(&reason)
		if e.running.Load() {
			return nil
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelRequested.Store(nil)

	if e.state.Status.IsTerminal() {
		return terminalError(e.state, "cancel")
	}
	return e.cancel(logging.WithIDs(ctx, e.state.ID, e.state.ChainID), reason)
}

func (e *Engine) requireRunning(op string) error {
	if e.state.Status.IsTerminal() {
		return terminalError(e.state, op)
	}
	if e.state.Status == schema.ExecutionStatusSuspended {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is suspended (%s); use Resume", e.state.ID, e.suspensionReason())
	}
	return nil
}

func (e *Engine) suspensionReason() string {
	if e.state.Suspension == nil {
		return ""
	}
	return e.state.Suspension.Reason
}

func terminalError(st *ExecutionState, op string) error {
	return schema.NewErrorf(schema.ErrCodeTerminalState,
		"cannot %s execution %s: status is %s", op, st.ID, st.Status).
		WithDetails(map[string]any{"execution_id": st.ID, "status": string(st.Status)})
}

// loop runs up to limit iterations (0 means until the status leaves Running).
func (e *Engine) loop(ctx context.Context, limit int) (RunResult, error) {
	e.running.Store(true)
	defer e.running.Store(false)

	ctx = logging.WithIDs(ctx, e.state.ID, e.state.ChainID)
	ctx, span := e.tracer.Start(ctx, "stepmachine.run", trace.WithAttributes(
		attribute.String("stepmachine.execution_id", e.state.ID),
		attribute.String("stepmachine.chain_id", e.state.ChainID),
	))
	defer span.End()

	if !e.started {
		e.started = true
		e.emit(ctx, schema.EventExecutionStarted, e.state.CurrentStepID, nil)
		logging.LogWith(ctx, e.logger).Info("execution started", slog.String("entry", e.state.CurrentStepID))
	}

	for i := 0; limit == 0 || i < limit; i++ {
		if e.state.Status != schema.ExecutionStatusRunning {
			break
		}
		if err := e.iterate(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
			return e.result(), err
		}
	}

	// Requests that arrive from here on take the locked path in Pause and
	// Cancel. Those accepted during the run are settled now: a cancel
	// applies to any non-terminal end state, a pause to a still running
	// one, and both are dropped once the run reached Completed or Failed.
	e.running.Store(false)
	cancelReason := e.cancelRequested.Swap(nil)
	paused := e.pauseRequested.Swap(false)
	switch {
	case e.state.Status.IsTerminal():
	case cancelReason != nil:
		if err := e.cancel(ctx, *cancelReason); err != nil {
			return e.result(), err
		}
	case paused && e.state.Status == schema.ExecutionStatusRunning:
		if err := e.suspend(ctx, schema.SuspendPaused, nil); err != nil {
			return e.result(), err
		}
	}

	span.SetAttributes(attribute.String("stepmachine.status", string(e.state.Status)))
	return e.result(), nil
}

// iterate performs one step cycle: boundary checks, invocation, then the
// retry or transition decision.
func (e *Engine) iterate(ctx context.Context) error {
	if reason := e.cancelRequested.Swap(nil); reason != nil {
		return e.cancel(ctx, *reason)
	}
	if e.pauseRequested.Swap(false) {
		return e.suspend(ctx, schema.SuspendPaused, nil)
	}
	if err := ctx.Err(); err != nil {
		if serr := e.suspend(ctx, schema.SuspendInterrupted, nil); serr != nil {
			return serr
		}
		return err
	}

	step, ok := e.chain.step(e.state.CurrentStepID)
	if !ok {
		return unknownStepError(e.state.CurrentStepID)
	}
	attempt := e.state.AttemptCount + 1

	stepCtx, span := e.tracer.Start(logging.WithStepID(ctx, step.ID), step.ID, trace.WithAttributes(
		attribute.String("stepmachine.execution_id", e.state.ID),
		attribute.Int("stepmachine.attempt", attempt),
	))
	logging.LogWith(stepCtx, e.logger).Debug("invoking step", slog.Int("attempt", attempt))

	res, perr := e.invoke(stepCtx, e.procs[step.ID], Call{
		ExecutionID: e.state.ID,
		ChainID:     e.state.ChainID,
		StepID:      step.ID,
		Attempt:     attempt,
		Payload:     clonePayload(e.state.Payload),
		Params:      clonePayload(step.Params),
	})
	if perr != nil {
		span.RecordError(perr)
		span.SetStatus(codes.Error, strings.TrimSpace(perr.Error()))
	}
	if perr != nil && ctx.Err() != nil {
		// The procedure was cut short by the host; the attempt does not count.
		span.End()
		if serr := e.suspend(ctx, schema.SuspendInterrupted, nil); serr != nil {
			return serr
		}
		return ctx.Err()
	}

	outcome := outcomeOf(res, perr)
	span.SetAttributes(attribute.String("stepmachine.outcome", outcome))
	span.End()

	entry := schema.HistoryEntry{
		StepID:    step.ID,
		Outcome:   outcome,
		Attempt:   attempt,
		Timestamp: e.clock.Now(),
	}
	if perr != nil {
		entry.Error = perr.Error()
	}
	e.emit(ctx, schema.EventStepAttempted, step.ID, map[string]any{"outcome": outcome, "attempt": attempt})

	return e.decide(ctx, step, entry, res, perr)
}

func (e *Engine) invoke(ctx context.Context, proc Procedure, call Call) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "procedure panicked: %v", r).WithStep(call.StepID)
		}
	}()
	return proc.Invoke(ctx, call)
}

// decide applies the retry policy and the resolver to a finished attempt.
func (e *Engine) decide(ctx context.Context, step *Step, entry schema.HistoryEntry, res Result, perr error) error {
	outcome := entry.Outcome
	next := Resolve(step, outcome, e.chain.Default())

	if step.Retry.Retryable(outcome) {
		if retryBudgetLeft(step.Retry, e.state.AttemptCount) {
			return e.retry(ctx, step, entry, res)
		}
		// Exhausted: only a transition declared on the step itself may
		// route the outcome onward, and a route to FAIL still reports
		// the exhausted budget.
		if next.Matched == "" {
			return e.fail(ctx, entry, perr, e.exhaustedError(step, outcome, ""))
		}
		if next.Kind == NextFail {
			return e.fail(ctx, entry, perr, e.exhaustedError(step, outcome, next.Matched))
		}
	}

	switch next.Kind {
	case NextComplete:
		if err := e.fsm.Transition(context.WithoutCancel(ctx), e.event(step.ID, map[string]any{"outcome": outcome}),
			schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted); err != nil {
			return err
		}
		e.state.History = append(e.state.History, entry)
		e.applyPayload(res, perr)
		e.state.AttemptCount = 0
		e.state.Status = schema.ExecutionStatusCompleted
		logging.LogWith(ctx, e.logger).Info("execution completed",
			slog.String("last_step", step.ID), slog.Int("steps", len(e.state.History)))
		return nil

	case NextFail:
		return e.fail(ctx, entry, perr, schema.NewError(next.Code, next.Reason).WithStep(step.ID))

	default:
		if next.StepID == step.ID {
			// Re-entering the same step consumes the retry budget.
			if !retryBudgetLeft(step.Retry, e.state.AttemptCount) {
				return e.fail(ctx, entry, perr, e.exhaustedError(step, outcome, ""))
			}
			e.applyPayload(res, perr)
			return e.retry(ctx, step, entry, res)
		}

		e.state.History = append(e.state.History, entry)
		e.applyPayload(res, perr)
		e.state.CurrentStepID = next.StepID
		e.state.AttemptCount = 0
		e.emit(ctx, schema.EventTransition, step.ID, map[string]any{"outcome": outcome, "to": next.StepID})

		if reason, at, ok := requestedSuspension(res, entry.Timestamp); ok {
			return e.suspend(ctx, reason, at)
		}
		return nil
	}
}

// requestedSuspension reads a suspend disposition off a result. The resume
// time is nil when the procedure waits for an explicit resume.
func requestedSuspension(res Result, now time.Time) (string, *time.Time, bool) {
	if res.Disposition != DispositionSuspend {
		return "", nil, false
	}
	reason := res.Reason
	if reason == "" {
		reason = schema.SuspendAwaiting
	}
	if res.ResumeAfter <= 0 {
		return reason, nil, true
	}
	at := now.Add(res.ResumeAfter)
	return reason, &at, true
}

// exhaustedError reports a spent retry budget. route is the transition
// key that sent the outcome to FAIL, if any.
func (e *Engine) exhaustedError(step *Step, outcome, route string) *schema.MachineError {
	details := map[string]any{"max_attempts": step.Retry.MaxAttempts, "outcome": outcome}
	if route != "" {
		details["route"] = route
	}
	return schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"step %q exhausted %d attempts on outcome %q", step.ID, e.state.AttemptCount+1, outcome).
		WithStep(step.ID).
		WithDetails(details)
}

// retry records the attempt and stays on the step. It suspends for the
// backoff delay, or when the procedure asked to suspend; with both, the
// later resume time wins.
func (e *Engine) retry(ctx context.Context, step *Step, entry schema.HistoryEntry, res Result) error {
	e.state.History = append(e.state.History, entry)
	e.state.AttemptCount++
	delay := ComputeBackoff(step.Retry, e.state.AttemptCount-1)

	e.emit(ctx, schema.EventStepRetrying, step.ID, map[string]any{
		"attempt": e.state.AttemptCount + 1,
		"delay":   delay.String(),
	})
	logging.LogWith(logging.WithStepID(ctx, step.ID), e.logger).Info("retrying step",
		slog.String("outcome", entry.Outcome),
		slog.Int("next_attempt", e.state.AttemptCount+1),
		slog.Duration("delay", delay))

	reason, at, requested := requestedSuspension(res, entry.Timestamp)
	if delay > 0 {
		backoffAt := entry.Timestamp.Add(delay)
		if !requested || at == nil || backoffAt.After(*at) {
			at = &backoffAt
		}
		if !requested {
			reason = schema.SuspendBackoff
		}
		return e.suspend(ctx, reason, at)
	}
	if requested {
		return e.suspend(ctx, reason, at)
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, entry schema.HistoryEntry, perr error, me *schema.MachineError) error {
	if perr != nil {
		me.WithCause(perr)
	}
	if err := e.fsm.Transition(context.WithoutCancel(ctx), e.event(entry.StepID, map[string]any{"code": me.Code}),
		schema.ExecutionStatusRunning, schema.ExecutionStatusFailed); err != nil {
		return err
	}

	if entry.Error == "" {
		entry.Error = me.Error()
	} else {
		entry.Error = me.Error() + ": " + entry.Error
	}
	e.state.History = append(e.state.History, entry)
	e.state.Status = schema.ExecutionStatusFailed
	e.state.Error = me

	logging.LogWith(ctx, e.logger).Warn("execution failed",
		slog.String("step_id", entry.StepID), slog.String("code", me.Code), slog.String("error", me.Message))
	return nil
}

func (e *Engine) suspend(ctx context.Context, reason string, at *time.Time) error {
	data := map[string]any{"reason": reason}
	if at != nil {
		data["resume_at"] = at.Format(time.RFC3339Nano)
	}
	if err := e.fsm.Transition(context.WithoutCancel(ctx), e.event(e.state.CurrentStepID, data),
		schema.ExecutionStatusRunning, schema.ExecutionStatusSuspended); err != nil {
		return err
	}
	e.state.Status = schema.ExecutionStatusSuspended
	e.state.Suspension = &schema.Suspension{Reason: reason, ResumeAt: at}

	attrs := []any{slog.String("reason", reason), slog.String("step_id", e.state.CurrentStepID)}
	if at != nil {
		attrs = append(attrs, slog.Time("resume_at", *at))
	}
	logging.LogWith(ctx, e.logger).Info("execution suspended", attrs...)
	return nil
}

func (e *Engine) cancel(ctx context.Context, reason string) error {
	msg := "execution cancelled"
	if reason != "" {
		msg = fmt.Sprintf("execution cancelled: %s", reason)
	}
	me := schema.NewError(schema.ErrCodeCancelled, msg).WithStep(e.state.CurrentStepID)

	evt := e.event(e.state.CurrentStepID, map[string]any{"reason": reason})
	evt.Type = schema.EventExecutionCancelled
	if err := e.fsm.Transition(context.WithoutCancel(ctx), evt, e.state.Status, schema.ExecutionStatusFailed); err != nil {
		return err
	}
	e.state.Status = schema.ExecutionStatusFailed
	e.state.Suspension = nil
	e.state.Error = me

	logging.LogWith(ctx, e.logger).Info("execution cancelled", slog.String("reason", reason))
	return nil
}

// applyPayload adopts the procedure's payload unless it failed or returned nil.
func (e *Engine) applyPayload(res Result, perr error) {
	if perr != nil || res.Payload == nil {
		return
	}
	e.state.Payload = clonePayload(res.Payload)
}

func (e *Engine) event(stepID string, data map[string]any) schema.Event {
	return schema.Event{
		ExecutionID: e.state.ID,
		ChainID:     e.state.ChainID,
		StepID:      stepID,
		Data:        data,
		Timestamp:   e.clock.Now(),
	}
}

func (e *Engine) emit(ctx context.Context, eventType, stepID string, data map[string]any) {
	if e.sink == nil {
		return
	}
	evt := e.event(stepID, data)
	evt.Type = eventType
	if err := e.sink.AppendEvent(context.WithoutCancel(ctx), &evt); err != nil {
		logging.LogWith(ctx, e.logger).Warn("event delivery failed",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}

func (e *Engine) result() RunResult {
	r := RunResult{Status: e.state.Status}
	if s := e.state.Suspension; s != nil {
		r.Reason = s.Reason
		if s.ResumeAt != nil {
			at := *s.ResumeAt
			r.ResumeAt = &at
		}
	}
	if e.state.Error != nil {
		me := *e.state.Error
		r.Error = &me
	}
	return r
}
