package logging

import (
	"context"
	"log/slog"
)

type correlationKey struct{}

// correlation holds the IDs that tie a log line to a chain, an execution
// and the step it is on.
type correlation struct {
	executionID string
	chainID     string
	stepID      string
}

func (c correlation) attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 3)
	for _, kv := range [...][2]string{
		{"execution_id", c.executionID},
		{"chain_id", c.chainID},
		{"step_id", c.stepID},
	} {
		if kv[1] != "" {
			attrs = append(attrs, slog.String(kv[0], kv[1]))
		}
	}
	return attrs
}

func fromContext(ctx context.Context) correlation {
	c, _ := ctx.Value(correlationKey{}).(correlation)
	return c
}

func update(ctx context.Context, fn func(*correlation)) context.Context {
	c := fromContext(ctx)
	fn(&c)
	return context.WithValue(ctx, correlationKey{}, c)
}

func WithExecutionID(ctx context.Context, id string) context.Context {
	return update(ctx, func(c *correlation) { c.executionID = id })
}

func WithChainID(ctx context.Context, id string) context.Context {
	return update(ctx, func(c *correlation) { c.chainID = id })
}

func WithStepID(ctx context.Context, id string) context.Context {
	return update(ctx, func(c *correlation) { c.stepID = id })
}

// WithIDs sets the execution and chain IDs together.
func WithIDs(ctx context.Context, executionID, chainID string) context.Context {
	return update(ctx, func(c *correlation) {
		c.executionID = executionID
		c.chainID = chainID
	})
}

func ExecutionID(ctx context.Context) string { return fromContext(ctx).executionID }
func ChainID(ctx context.Context) string     { return fromContext(ctx).chainID }
func StepID(ctx context.Context) string      { return fromContext(ctx).stepID }

// LogWith returns logger with the context's non-empty correlation IDs attached.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := fromContext(ctx).attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler adds the correlation IDs carried by the record's
// context to every record it handles.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(fromContext(ctx).attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
