package main

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rendis/stepmachine"

// newTracerProvider returns a provider that logs every finished span: at
// debug level, or warn when the span recorded an error.
func newTracerProvider(logger *slog.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&logSpanProcessor{logger: logger}))
}

func tracerFrom(provider *sdktrace.TracerProvider) trace.Tracer {
	return provider.Tracer(tracerName)
}

// logSpanProcessor logs each finished span as one record.
type logSpanProcessor struct {
	logger *slog.Logger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if p == nil || p.logger == nil {
		return
	}
	level := slog.LevelDebug
	status := span.Status()
	if status.Code == codes.Error {
		level = slog.LevelWarn
	}
	if !p.logger.Enabled(context.Background(), level) {
		return
	}

	attrs := []slog.Attr{
		slog.String("span", span.Name()),
		slog.Duration("elapsed", span.EndTime().Sub(span.StartTime())),
	}
	for _, kv := range span.Attributes() {
		attrs = append(attrs, slog.String(string(kv.Key), kv.Value.Emit()))
	}
	if status.Code == codes.Error {
		attrs = append(attrs, slog.String("error", status.Description))
	}
	p.logger.LogAttrs(context.Background(), level, "span finished", attrs...)
}

func (p *logSpanProcessor) Shutdown(context.Context) error {
	return nil
}

func (p *logSpanProcessor) ForceFlush(context.Context) error {
	return nil
}
