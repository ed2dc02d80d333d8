// Package mcp exposes a stepmachine orchestrator as Model Context Protocol
// tools so agents can define chains, run them and follow their executions.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepmachine/internal/orchestrator"
	"github.com/rendis/stepmachine/internal/store"
	"github.com/rendis/stepmachine/internal/streaming"
	"github.com/rendis/stepmachine/pkg/procedures"
)

// JobScheduler is the subset of the cron scheduler the server exposes.
type JobScheduler interface {
	Schedule(ctx context.Context, id, chainID, expr string, input map[string]any) (*store.ScheduledJob, error)
	Jobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error)
}

// ServerDeps holds the dependencies for creating a StepmachineServer.
type ServerDeps struct {
	Service    *orchestrator.Service
	Procedures *procedures.Registry
	// Scheduler is optional; without it the schedule tool is not registered.
	Scheduler JobScheduler
	// Notifier defaults to pushing over the caller's MCP session.
	Notifier Notifier
	Logger   *slog.Logger
	// BinDir is where the mermaid-ascii binary is looked up for ascii diagrams.
	BinDir string
	// Events, when set, is streamed at /events by the SSE transport.
	Events streaming.EventHub
}

// StepmachineServer wraps an MCP server with stepmachine tool handlers.
type StepmachineServer struct {
	service   *orchestrator.Service
	procs     *procedures.Registry
	scheduler JobScheduler
	notifier  Notifier
	sessions  *SessionRegistry
	logger    *slog.Logger
	binDir    string
	events    streaming.EventHub
	mcpServer *server.MCPServer
}

// NewStepmachineServer creates a StepmachineServer with its tools and
// resources registered.
func NewStepmachineServer(deps ServerDeps) *StepmachineServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepmachineServer{
		service:   deps.Service,
		procs:     deps.Procedures,
		scheduler: deps.Scheduler,
		sessions:  NewSessionRegistry(),
		logger:    logger,
		binDir:    deps.BinDir,
		events:    deps.Events,
	}

	mcpSrv := server.NewMCPServer(
		"stepmachine",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
		server.WithInstructions("Stepmachine runs chains of steps as resumable state machines. Use stepmachine.define to register a chain, "+
			"stepmachine.run to start it, stepmachine.status to inspect an execution, stepmachine.resume to continue a suspended one, "+
			"and stepmachine.query to list chains, executions, events, procedures or scheduled jobs. "+
			"Pass agent_id to run or resume to receive a notification whenever that execution changes later."),
	)
	s.mcpServer = mcpSrv

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewSessionNotifier(mcpSrv, s.sessions)
	}

	mcpSrv.AddTools(s.tools()...)
	s.registerResources()
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepmachineServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE serves the SSE transport on addr until ctx is cancelled.
func (s *StepmachineServer) ServeSSE(ctx context.Context, addr, baseURL string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.HTTPHandler(baseURL), ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("mcp sse listening", slog.String("addr", addr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown sse server: %w", err)
		}
		return nil
	}
}

// HTTPHandler routes the MCP SSE endpoints (/sse, /message) and, when an
// event hub is configured, the raw execution event stream at /events.
func (s *StepmachineServer) HTTPHandler(baseURL string) http.Handler {
	sse := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.SSEHandler())
	mux.Handle("/message", sse.MessageHandler())
	if s.events != nil {
		mux.Handle("GET /events", streaming.Handler(s.events, s.logger))
	}
	return mux
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepmachineServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the caller session registry.
func (s *StepmachineServer) Sessions() *SessionRegistry {
	return s.sessions
}

// OnReport notifies the caller watching an execution whenever its persisted
// state changes. It satisfies orchestrator.ReportHook.
func (s *StepmachineServer) OnReport(ctx context.Context, report *orchestrator.ExecutionReport) {
	callerID, ok := s.sessions.WatcherOf(report.ExecutionID)
	if !ok {
		return
	}
	if report.Status.IsTerminal() {
		s.sessions.Unwatch(report.ExecutionID)
	}

	if err := s.notifier.Notify(ctx, callerID, executionUpdate(report)); err != nil {
		s.logger.Warn("execution notification failed",
			slog.String("execution_id", report.ExecutionID),
			slog.String("agent_id", callerID),
			slog.String("error", err.Error()))
	}
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *StepmachineServer) tools() []server.ServerTool {
	tools := []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
	if s.scheduler != nil {
		tools = append(tools, server.ServerTool{Tool: scheduleTool(), Handler: s.handleSchedule})
	}
	return tools
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("stepmachine.define",
		mcp.WithDescription("Register or replace a chain definition"),
		mcp.WithObject("definition", mcp.Description("Chain document as a JSON object (version, id, entry_id, steps)")),
		mcp.WithString("document", mcp.Description("Chain document as text, used when definition is omitted")),
		mcp.WithString("format", mcp.Enum("json", "yaml"), mcp.Description("Format of document (default: json)")),
		mcp.WithString("description", mcp.Description("Chain description")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("stepmachine.validate",
		mcp.WithDescription("Check a chain definition without storing it"),
		mcp.WithObject("definition", mcp.Description("Chain document as a JSON object")),
		mcp.WithString("document", mcp.Description("Chain document as text, used when definition is omitted")),
		mcp.WithString("format", mcp.Enum("json", "yaml"), mcp.Description("Format of document (default: json)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("stepmachine.run",
		mcp.WithDescription("Start a new execution of a stored chain"),
		mcp.WithString("chain_id", mcp.Required(), mcp.Description("ID of the chain to run")),
		mcp.WithObject("input", mcp.Description("Initial payload")),
		mcp.WithString("agent_id", mcp.Description("Caller to notify about later changes of this execution")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stepmachine.resume",
		mcp.WithDescription("Resume a suspended execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithObject("input", mcp.Description("Values merged into the payload before resuming")),
		mcp.WithBoolean("force", mcp.Description("Resume even if the suspension's resume time has not passed")),
		mcp.WithString("agent_id", mcp.Description("Caller to notify about later changes of this execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepmachine.cancel",
		mcp.WithDescription("Cancel a non-terminal execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("reason", mcp.Description("Why the execution is cancelled")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepmachine.status",
		mcp.WithDescription("Get an execution's state, history and per-step attempts"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("stepmachine.query",
		mcp.WithDescription("Query chains, executions, events, procedures, or scheduled jobs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("chains", "executions", "events", "procedures", "jobs"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (chain_id, status, execution_id, since, limit, offset)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepmachine.diagram",
		mcp.WithDescription("Draw a chain, optionally overlaid with an execution's progress. Returns ASCII art, Mermaid flowchart syntax, Graphviz DOT, or a base64-encoded PNG image"),
		mcp.WithString("chain_id", mcp.Description("Chain to draw")),
		mcp.WithString("execution_id", mcp.Description("Execution to draw with its runtime status")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "dot", "image"),
			mcp.Description("Output format"),
		),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("stepmachine.schedule",
		mcp.WithDescription("Run a chain on a cron schedule"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job ID; scheduling an existing ID replaces it")),
		mcp.WithString("chain_id", mcp.Required(), mcp.Description("Chain to run")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression")),
		mcp.WithObject("input", mcp.Description("Initial payload of every run")),
	)
}
