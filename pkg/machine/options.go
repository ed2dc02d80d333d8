package machine

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rendis/stepmachine/pkg/schema"
)

// Option configures an Engine.
type Option func(*config)

type hookRegistration struct {
	before   bool
	from, to schema.ExecutionStatus
	hook     TransitionHook
}

type config struct {
	resolver    ProcedureResolver
	clock       Clock
	ids         IDSource
	logger      *slog.Logger
	tracer      trace.Tracer
	sink        EventSink
	executionID string
	hooks       []hookRegistration
}

func newConfig(opts []Option) *config {
	cfg := &config{
		clock:  SystemClock{},
		ids:    UUIDSource{},
		logger: discardLogger(),
		tracer: noop.NewTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

const tracerName = "github.com/rendis/stepmachine"

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// WithProcedures resolves steps that carry only a procedure reference.
func WithProcedures(r ProcedureResolver) Option {
	return func(c *config) { c.resolver = r }
}

// WithClock injects the time source used for history and suspensions.
func WithClock(clock Clock) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithIDSource injects the generator for execution IDs.
func WithIDSource(ids IDSource) Option {
	return func(c *config) {
		if ids != nil {
			c.ids = ids
		}
	}
}

// WithExecutionID fixes the ID of a new execution.
func WithExecutionID(id string) Option {
	return func(c *config) { c.executionID = id }
}

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets the tracer used for run and step spans. The default is a no-op.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *config) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithEventSink sends execution events to sink.
func WithEventSink(sink EventSink) Option {
	return func(c *config) { c.sink = sink }
}

// WithBeforeTransition registers a hook run before the from -> to status change.
func WithBeforeTransition(from, to schema.ExecutionStatus, hook TransitionHook) Option {
	return func(c *config) {
		c.hooks = append(c.hooks, hookRegistration{before: true, from: from, to: to, hook: hook})
	}
}

// WithAfterTransition registers a hook run after the from -> to status change.
func WithAfterTransition(from, to schema.ExecutionStatus, hook TransitionHook) Option {
	return func(c *config) {
		c.hooks = append(c.hooks, hookRegistration{from: from, to: to, hook: hook})
	}
}

// ResumeOption configures a Resume call.
type ResumeOption func(*resumeConfig)

type resumeConfig struct {
	input map[string]any
	force bool
}

// WithInput merges data into the payload before continuing, e.g. the external
// event a step was waiting for.
func WithInput(input map[string]any) ResumeOption {
	return func(c *resumeConfig) { c.input = input }
}

// WithForce resumes even if the suspension's resume time has not passed.
func WithForce() ResumeOption {
	return func(c *resumeConfig) { c.force = true }
}
