package main

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/rendis/stepmachine/internal/orchestrator"
	"github.com/rendis/stepmachine/internal/scheduler"
	"github.com/rendis/stepmachine/internal/streaming"
	"github.com/rendis/stepmachine/pkg/mcp"
)

func serveCmd(c *cli) *cobra.Command {
	var sseAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and serve MCP tools (stdio, or SSE with --sse)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := c.settings
			if sseAddr != "" {
				settings.MCP.SSEAddr = sseAddr
				settings.MCP.BaseURL = "http://localhost" + sseAddr
			}
			return serve(cmd.Context(), settings, c.logger)
		},
	}
	cmd.Flags().StringVar(&sseAddr, "sse", "", "Serve MCP over SSE on this address instead of stdio")
	return cmd
}

func serve(ctx context.Context, settings Settings, logger *slog.Logger) error {
	// The MCP server needs the service and the service reports to the MCP
	// server, so the hook is bound once both exist.
	var bound atomic.Pointer[mcp.StepmachineServer]
	hook := func(ctx context.Context, report *orchestrator.ExecutionReport) {
		if srv := bound.Load(); srv != nil {
			srv.OnReport(ctx, report)
		}
	}

	opts := []orchestrator.Option{orchestrator.WithReportHook(hook)}
	var hub *streaming.MemoryHub
	if settings.MCP.SSEAddr != "" {
		hub = streaming.NewMemoryHub()
		opts = append(opts, orchestrator.WithEventHub(hub))
	}

	a, err := openApp(ctx, settings, logger, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.NewScheduler(a.store, a.service, logger, scheduler.WithInterval(settings.SweepInterval))
	for _, job := range settings.Jobs {
		if _, err := sched.Schedule(ctx, job.ID, job.ChainID, job.Cron, job.Input); err != nil {
			return err
		}
		if _, err := a.service.Chain(ctx, job.ChainID); err != nil {
			logger.Warn("scheduled chain is not defined yet",
				slog.String("job_id", job.ID), slog.String("chain_id", job.ChainID))
		}
	}
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed job recovery failed", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler stop failed", slog.String("error", err.Error()))
		}
	}()

	deps := mcp.ServerDeps{
		Service:    a.service,
		Procedures: a.procs,
		Scheduler:  sched,
		Logger:     logger,
		BinDir:     binDir(),
	}
	if hub != nil {
		deps.Events = hub
	}
	srv := mcp.NewStepmachineServer(deps)
	bound.Store(srv)

	if settings.MCP.SSEAddr != "" {
		return srv.ServeSSE(ctx, settings.MCP.SSEAddr, settings.MCP.BaseURL)
	}
	logger.Info("mcp stdio server started")
	return srv.Serve(ctx)
}
