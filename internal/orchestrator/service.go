// Package orchestrator runs stored chains: it defines chains, starts,
// resumes and cancels executions, and persists every snapshot and event
// through a store.Store.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rendis/stepmachine/internal/logging"
	"github.com/rendis/stepmachine/internal/store"
	"github.com/rendis/stepmachine/internal/streaming"
	"github.com/rendis/stepmachine/pkg/codec"
	"github.com/rendis/stepmachine/pkg/machine"
	"github.com/rendis/stepmachine/pkg/procedures"
	"github.com/rendis/stepmachine/pkg/schema"
)

// DefaultSweepWorkers bounds how many due executions ResumeDue runs at once.
const DefaultSweepWorkers = 4

// DefaultSweepBatch is the most due executions one ResumeDue call picks up.
const DefaultSweepBatch = 100

// ChainInfo describes a stored chain.
type ChainInfo struct {
	ID          string           `json:"id"`
	Version     string           `json:"version"`
	Description string           `json:"description,omitempty"`
	EntryID     string           `json:"entry_id"`
	Steps       []string         `json:"steps"`
	Warnings    []schema.Finding `json:"warnings,omitempty"`
}

// ExecutionReport is the host-facing view of an execution.
type ExecutionReport struct {
	ExecutionID   string                 `json:"execution_id"`
	ChainID       string                 `json:"chain_id"`
	ChainVersion  string                 `json:"chain_version"`
	Status        schema.ExecutionStatus `json:"status"`
	CurrentStepID string                 `json:"current_step_id,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	ResumeAt      *time.Time             `json:"resume_at,omitempty"`
	// NotReady is set when a resume was refused because resume_at is in the future.
	NotReady bool                  `json:"not_ready,omitempty"`
	Payload  map[string]any        `json:"payload,omitempty"`
	History  []schema.HistoryEntry `json:"history,omitempty"`
	Steps    []store.StepSummary   `json:"steps,omitempty"`
	Error    *schema.MachineError  `json:"error,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock passed to engines and used by ResumeDue.
func WithClock(clock machine.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithIDSource sets the execution ID generator.
func WithIDSource(ids machine.IDSource) Option {
	return func(s *Service) { s.ids = ids }
}

// WithLogger sets the logger for the service and its engines.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithTracer sets the tracer for service and engine spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) { s.tracer = tracer }
}

// WithBreakers guards every procedure with a circuit breaker.
func WithBreakers(config procedures.BreakerConfig) Option {
	return func(s *Service) {
		cfg := config
		s.breakerConfig = &cfg
	}
}

// ReportHook observes every execution snapshot the service persists.
type ReportHook func(ctx context.Context, report *ExecutionReport)

// WithReportHook registers a hook called after each persisted snapshot. Hooks
// run synchronously on the calling goroutine.
func WithReportHook(hook ReportHook) Option {
	return func(s *Service) { s.hooks = append(s.hooks, hook) }
}

// WithEventHub publishes every recorded event to hub once the store has
// accepted it.
func WithEventHub(hub streaming.EventHub) Option {
	return func(s *Service) { s.hub = hub }
}

// WithSweepWorkers sets how many due executions are resumed concurrently.
func WithSweepWorkers(n int) Option {
	return func(s *Service) { s.sweepWorkers = n }
}

// Service is the store-backed host for stepmachine executions. Calls on the
// same execution are serialized within a process.
type Service struct {
	store         store.Store
	procs         *procedures.Registry
	resolver      machine.ProcedureResolver
	breakers      *procedures.Breakers
	breakerConfig *procedures.BreakerConfig
	codec         *codec.Codec
	codecs        map[codec.Format]*codec.Codec

	clock        machine.Clock
	ids          machine.IDSource
	logger       *slog.Logger
	tracer       trace.Tracer
	sweepWorkers int
	hooks        []ReportHook
	hub          streaming.EventHub
	sink         machine.EventSink

	locks keyedMutex
}

// New creates a Service. Snapshots and definitions are stored as JSON.
func New(st store.Store, procs *procedures.Registry, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "store is required")
	}
	if procs == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "procedure registry is required")
	}

	s := &Service{
		store:        st,
		procs:        procs,
		clock:        machine.SystemClock{},
		ids:          machine.UUIDSource{},
		logger:       slog.New(slog.DiscardHandler),
		tracer:       noop.NewTracerProvider().Tracer("github.com/rendis/stepmachine/orchestrator"),
		sweepWorkers: DefaultSweepWorkers,
		codecs:       make(map[codec.Format]*codec.Codec),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, f := range []codec.Format{codec.FormatJSON, codec.FormatYAML} {
		c, err := codec.New(codec.WithFormat(f))
		if err != nil {
			return nil, err
		}
		s.codecs[f] = c
	}
	s.codec = s.codecs[codec.FormatJSON]

	s.sink = s.store
	if s.hub != nil {
		s.sink = streaming.NewPublishingSink(s.store, s.hub, s.logger)
	}

	s.resolver = procs
	if s.breakerConfig != nil {
		s.breakers = procedures.NewBreakers(procs, *s.breakerConfig, s.clock)
		s.resolver = s.breakers
	}
	return s, nil
}

// Breakers returns the circuit breakers, or nil when none are configured.
func (s *Service) Breakers() *procedures.Breakers { return s.breakers }

// Validate decodes a chain definition and checks it against the registered
// procedures without storing it. Decoding problems are returned as errors;
// chain-level findings are returned in the result.
func (s *Service) Validate(data []byte, format codec.Format) (*schema.Report, error) {
	c, err := s.codecFor(format)
	if err != nil {
		return nil, err
	}
	chain, err := c.DecodeChain(data)
	if err != nil {
		return nil, err
	}
	return s.check(chain), nil
}

func (s *Service) check(chain *machine.Chain) *schema.Report {
	result := chain.Analyze()
	result.Merge(s.procs.CheckChain(chain))
	return result
}

// Define validates a chain definition and stores it under its id, replacing
// any earlier definition. Suspended executions of a replaced definition can
// no longer resume (CHAIN_MISMATCH).
func (s *Service) Define(ctx context.Context, data []byte, format codec.Format, description string) (*ChainInfo, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.define")
	defer span.End()

	info, err := s.define(ctx, data, format, description)
	recordSpanError(span, err)
	return info, err
}

func (s *Service) define(ctx context.Context, data []byte, format codec.Format, description string) (*ChainInfo, error) {
	c, err := s.codecFor(format)
	if err != nil {
		return nil, err
	}
	chain, err := c.DecodeChain(data)
	if err != nil {
		return nil, err
	}
	if chain.ID() == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "chain id is required to store a chain")
	}
	result := s.check(chain)
	if err := result.Err(); err != nil {
		return nil, err
	}
	if err := chain.Freeze(); err != nil {
		return nil, err
	}
	def, err := s.codec.EncodeChain(chain)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveChain(ctx, &store.ChainRecord{
		ID:          chain.ID(),
		Version:     chain.Version(),
		Description: description,
		Definition:  def,
	}); err != nil {
		return nil, err
	}

	logging.LogWith(logging.WithChainID(ctx, chain.ID()), s.logger).Info("chain defined",
		slog.String("version", chain.Version()), slog.Int("steps", chain.Len()))

	return &ChainInfo{
		ID:          chain.ID(),
		Version:     chain.Version(),
		Description: description,
		EntryID:     chain.EntryID(),
		Steps:       chain.StepIDs(),
		Warnings:    result.Warnings,
	}, nil
}

// Chain loads and freezes a stored chain.
func (s *Service) Chain(ctx context.Context, id string) (*machine.Chain, error) {
	rec, err := s.store.GetChain(ctx, id)
	if err != nil {
		return nil, err
	}
	chain, err := s.codec.DecodeChain(rec.Definition)
	if err != nil {
		return nil, fmt.Errorf("decode stored chain %q: %w", id, err)
	}
	if err := chain.Freeze(); err != nil {
		return nil, err
	}
	return chain, nil
}

// Chains lists stored chains.
func (s *Service) Chains(ctx context.Context, filter store.ChainFilter) ([]*store.ChainRecord, error) {
	return s.store.ListChains(ctx, filter)
}

// Start creates an execution of a stored chain and runs it until it suspends
// or finishes. If ctx is cancelled mid-run the interrupted snapshot is still
// stored and the context error is returned with the report.
func (s *Service) Start(ctx context.Context, chainID string, input map[string]any) (*ExecutionReport, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.start",
		trace.WithAttributes(attribute.String("stepmachine.chain_id", chainID)))
	defer span.End()

	chain, err := s.Chain(ctx, chainID)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	engine, err := machine.NewEngine(chain, input, s.engineOptions()...)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("stepmachine.execution_id", engine.ID()))

	unlock := s.locks.Lock(engine.ID())
	defer unlock()

	res, runErr := engine.Run(ctx)
	report, err := s.persist(ctx, engine, res)
	if err == nil {
		err = runErr
	}
	recordSpanError(span, err)
	return report, err
}

// RunChain starts an execution and reports a failed execution as an error.
func (s *Service) RunChain(ctx context.Context, chainID string, input map[string]any) error {
	report, err := s.Start(ctx, chainID, input)
	if err != nil {
		return err
	}
	if report.Status == schema.ExecutionStatusFailed {
		if report.Error != nil {
			return report.Error
		}
		return schema.NewErrorf(schema.ErrCodeStepFailed, "execution %s failed", report.ExecutionID)
	}
	return nil
}

// ResumeOptions carries optional Resume arguments.
type ResumeOptions struct {
	// Input is merged into the payload before the next step runs.
	Input map[string]any
	// Force resumes even if resume_at has not passed.
	Force bool
}

// Resume continues a suspended execution from its stored snapshot.
func (s *Service) Resume(ctx context.Context, executionID string, opts ResumeOptions) (*ExecutionReport, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.resume",
		trace.WithAttributes(attribute.String("stepmachine.execution_id", executionID)))
	defer span.End()

	unlock := s.locks.Lock(executionID)
	defer unlock()

	engine, err := s.restore(ctx, executionID)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	var ropts []machine.ResumeOption
	if len(opts.Input) > 0 {
		ropts = append(ropts, machine.WithInput(opts.Input))
	}
	if opts.Force {
		ropts = append(ropts, machine.WithForce())
	}

	res, runErr := engine.Resume(ctx, ropts...)
	if res.NotReady {
		report := reportFrom(engine.State())
		report.NotReady = true
		return report, nil
	}
	if schema.IsCode(runErr, schema.ErrCodeTerminalState) || schema.IsCode(runErr, schema.ErrCodeInvalidTransition) {
		recordSpanError(span, runErr)
		return reportFrom(engine.State()), runErr
	}

	report, err := s.persist(ctx, engine, res)
	if err == nil {
		err = runErr
	}
	recordSpanError(span, err)
	return report, err
}

// Cancel fails a suspended execution with CANCELLED.
func (s *Service) Cancel(ctx context.Context, executionID, reason string) (*ExecutionReport, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.cancel",
		trace.WithAttributes(attribute.String("stepmachine.execution_id", executionID)))
	defer span.End()

	unlock := s.locks.Lock(executionID)
	defer unlock()

	engine, err := s.restore(ctx, executionID)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if err := engine.Cancel(ctx, reason); err != nil {
		recordSpanError(span, err)
		return reportFrom(engine.State()), err
	}
	report, err := s.persist(ctx, engine, machine.RunResult{})
	recordSpanError(span, err)
	return report, err
}

// Status returns the stored state of an execution with per-step attempt
// counts rebuilt from its events.
func (s *Service) Status(ctx context.Context, executionID string) (*ExecutionReport, error) {
	rec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	state, err := s.codec.DecodeExecution(rec.Snapshot)
	if err != nil {
		return nil, err
	}
	report := reportFrom(state)

	events, err := s.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	if report.Steps, err = store.SummarizeSteps(events); err != nil {
		return nil, err
	}
	return report, nil
}

// Inspect returns an execution's decoded state together with the currently
// stored chain it belongs to.
func (s *Service) Inspect(ctx context.Context, executionID string) (*machine.Chain, *machine.ExecutionState, error) {
	rec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	chain, err := s.Chain(ctx, rec.ChainID)
	if err != nil {
		return nil, nil, err
	}
	state, err := s.codec.DecodeExecution(rec.Snapshot)
	if err != nil {
		return nil, nil, err
	}
	return chain, state, nil
}

// Snapshot returns the stored snapshot of an execution in the given format.
func (s *Service) Snapshot(ctx context.Context, executionID string, format codec.Format) ([]byte, error) {
	rec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if format == codec.FormatJSON {
		return rec.Snapshot, nil
	}
	c, err := s.codecFor(format)
	if err != nil {
		return nil, err
	}
	state, err := s.codec.DecodeExecution(rec.Snapshot)
	if err != nil {
		return nil, err
	}
	return c.EncodeExecution(state)
}

// Events returns an execution's events with sequence > since.
func (s *Service) Events(ctx context.Context, executionID string, since int64) ([]*schema.Event, error) {
	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return s.store.GetEvents(ctx, executionID, since)
}

// Executions lists stored executions.
func (s *Service) Executions(ctx context.Context, filter store.ExecutionFilter) ([]*store.ExecutionRecord, error) {
	return s.store.ListExecutions(ctx, filter)
}

// ResumeDue resumes suspended executions whose resume time has passed and
// returns how many were resumed without error. Failures are logged and do
// not stop the sweep.
func (s *Service) ResumeDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.store.ListExecutions(ctx, store.ExecutionFilter{DueBefore: &now, Limit: DefaultSweepBatch})
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	pool := newSweepPool(s.sweepWorkers)
	for _, rec := range due {
		id := rec.ID
		if err := pool.Submit(ctx, func(ctx context.Context) error {
			_, err := s.Resume(ctx, id, ResumeOptions{})
			if err != nil {
				logging.LogWith(logging.WithExecutionID(ctx, id), s.logger).Warn("scheduled resume failed",
					slog.String("error", err.Error()))
			}
			return err
		}); err != nil {
			break
		}
	}
	metrics := pool.Wait()

	if metrics.Completed > 0 || metrics.Failed > 0 {
		s.logger.Info("resumed due executions",
			slog.Int64("resumed", metrics.Completed), slog.Int64("failed", metrics.Failed))
	}
	return int(metrics.Completed), ctx.Err()
}

// restore rebuilds an engine from the stored snapshot and its chain.
func (s *Service) restore(ctx context.Context, executionID string) (*machine.Engine, error) {
	rec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	chain, err := s.Chain(ctx, rec.ChainID)
	if err != nil {
		return nil, err
	}
	return s.codec.RestoreEngine(chain, rec.Snapshot, s.engineOptions()...)
}

func (s *Service) engineOptions() []machine.Option {
	return []machine.Option{
		machine.WithProcedures(s.resolver),
		machine.WithEventSink(s.sink),
		machine.WithClock(s.clock),
		machine.WithIDSource(s.ids),
		machine.WithLogger(s.logger),
		machine.WithTracer(s.tracer),
	}
}

// persist stores the engine's current snapshot. A running engine (a run
// refused before it started) has nothing new to store.
func (s *Service) persist(ctx context.Context, engine *machine.Engine, res machine.RunResult) (*ExecutionReport, error) {
	state := engine.State()
	report := reportFrom(state)
	report.NotReady = res.NotReady
	if state.Status == schema.ExecutionStatusRunning {
		return report, nil
	}

	snapshot, err := s.codec.EncodeExecution(state)
	if err != nil {
		return report, err
	}
	rec := &store.ExecutionRecord{
		ID:            state.ID,
		ChainID:       state.ChainID,
		ChainVersion:  state.ChainVersion,
		Status:        state.Status,
		CurrentStepID: state.CurrentStepID,
		Snapshot:      snapshot,
	}
	if sus := state.Suspension; sus != nil {
		rec.Reason = sus.Reason
		rec.ResumeAt = sus.ResumeAt
	}
	if state.Error != nil {
		rec.ErrorCode = state.Error.Code
	}
	if err := s.store.SaveExecution(context.WithoutCancel(ctx), rec); err != nil {
		return report, err
	}
	for _, hook := range s.hooks {
		hook(ctx, report)
	}
	return report, nil
}

func (s *Service) codecFor(format codec.Format) (*codec.Codec, error) {
	if format == "" {
		format = codec.FormatJSON
	}
	c, ok := s.codecs[format]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported format %q", format)
	}
	return c, nil
}

func reportFrom(state *machine.ExecutionState) *ExecutionReport {
	r := &ExecutionReport{
		ExecutionID:   state.ID,
		ChainID:       state.ChainID,
		ChainVersion:  state.ChainVersion,
		Status:        state.Status,
		CurrentStepID: state.CurrentStepID,
		Payload:       state.Payload,
		History:       state.History,
		Error:         state.Error,
	}
	if sus := state.Suspension; sus != nil {
		r.Reason = sus.Reason
		r.ResumeAt = sus.ResumeAt
	}
	return r
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
