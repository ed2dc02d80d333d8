package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rendis/stepmachine/internal/orchestrator"
	"github.com/rendis/stepmachine/internal/store"
	"github.com/rendis/stepmachine/pkg/procedures"
)

// app wires the store, procedure registry and orchestrator for one command.
type app struct {
	settings Settings
	logger   *slog.Logger
	store    store.Store
	procs    *procedures.Registry
	service  *orchestrator.Service
	tracing  *sdktrace.TracerProvider
}

// openApp opens the configured libSQL database, applying migrations.
func openApp(ctx context.Context, settings Settings, logger *slog.Logger, opts ...orchestrator.Option) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(settings.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewLibSQLStore(libsqlDSN(settings.DBPath))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	a, err := newApp(settings, logger, st, opts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

// libsqlDSN turns a plain database path into a local libSQL file URL.
func libsqlDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}

// newApp builds an app over st. The app owns st from here on.
func newApp(settings Settings, logger *slog.Logger, st store.Store, opts ...orchestrator.Option) (*app, error) {
	procs, err := procedures.NewBuiltinRegistry()
	if err != nil {
		return nil, err
	}
	tracing := newTracerProvider(logger)

	base := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithTracer(tracerFrom(tracing)),
		orchestrator.WithSweepWorkers(settings.SweepWorkers),
	}
	if settings.Breaker.Enabled {
		base = append(base, orchestrator.WithBreakers(procedures.BreakerConfig{
			FailureThreshold: settings.Breaker.FailureThreshold,
			Cooldown:         settings.Breaker.Cooldown,
		}))
	}

	svc, err := orchestrator.New(st, procs, append(base, opts...)...)
	if err != nil {
		_ = tracing.Shutdown(context.Background())
		return nil, err
	}
	return &app{
		settings: settings,
		logger:   logger,
		store:    st,
		procs:    procs,
		service:  svc,
		tracing:  tracing,
	}, nil
}

// Close flushes spans and closes the store.
func (a *app) Close() error {
	return errors.Join(
		a.tracing.Shutdown(context.Background()),
		a.store.Close(),
	)
}
