package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepmachine/internal/diagram"
	"github.com/rendis/stepmachine/internal/orchestrator"
	"github.com/rendis/stepmachine/internal/store"
	"github.com/rendis/stepmachine/pkg/codec"
	"github.com/rendis/stepmachine/pkg/machine"
	"github.com/rendis/stepmachine/pkg/procedures"
	"github.com/rendis/stepmachine/pkg/schema"
)

// handleDefine stores a chain definition.
func (s *StepmachineServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, format, err := documentArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	info, defErr := s.service.Define(ctx, data, format, req.GetString("description", ""))
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("define failed: %v", defErr)), nil
	}
	return marshalResult(info)
}

// handleValidate reports problems with a chain definition without storing it.
func (s *StepmachineServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, format, err := documentArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, valErr := s.service.Validate(data, format)
	if valErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("validation failed: %v", valErr)), nil
	}
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleRun starts a new execution of a stored chain.
func (s *StepmachineServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chainID, err := req.RequireString("chain_id")
	if err != nil {
		return mcp.NewToolResultError("chain_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	report, runErr := s.service.Start(ctx, chainID, input)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}
	s.watch(ctx, req, report)
	return marshalResult(report)
}

// handleResume continues a suspended execution.
func (s *StepmachineServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	report, resumeErr := s.service.Resume(ctx, executionID, orchestrator.ResumeOptions{
		Input: mcp.ParseStringMap(req, "input", nil),
		Force: req.GetBool("force", false),
	})
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	s.watch(ctx, req, report)
	return marshalResult(report)
}

// handleCancel cancels an execution.
func (s *StepmachineServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	report, cancelErr := s.service.Cancel(ctx, executionID, req.GetString("reason", ""))
	if cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(report)
}

// handleStatus returns the stored state of an execution.
func (s *StepmachineServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	report, statusErr := s.service.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(report)
}

// handleQuery lists chains, executions, events, procedures, or jobs.
func (s *StepmachineServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "chains":
		return s.queryChains(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "procedures":
		return marshalResult(map[string]any{"procedures": s.procedureList()})
	case "jobs":
		return s.queryJobs(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleSchedule stores a cron job that runs a chain.
func (s *StepmachineServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	chainID, err := req.RequireString("chain_id")
	if err != nil {
		return mcp.NewToolResultError("chain_id is required"), nil
	}
	expr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}

	if _, chainErr := s.service.Chain(ctx, chainID); chainErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("schedule failed: %v", chainErr)), nil
	}
	job, schedErr := s.scheduler.Schedule(ctx, jobID, chainID, expr, mcp.ParseStringMap(req, "input", nil))
	if schedErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("schedule failed: %v", schedErr)), nil
	}
	return marshalResult(job)
}

// handleDiagram draws a chain or an execution in the requested format.
func (s *StepmachineServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	switch format {
	case "ascii", "mermaid", "dot", "image":
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, dot, or image"), nil
	}

	chainID := req.GetString("chain_id", "")
	executionID := req.GetString("execution_id", "")
	if chainID == "" && executionID == "" {
		return mcp.NewToolResultError("at least one of chain_id or execution_id is required"), nil
	}

	var (
		chain *machine.Chain
		state *machine.ExecutionState
	)
	if executionID != "" {
		c, st, inspectErr := s.service.Inspect(ctx, executionID)
		if inspectErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", inspectErr)), nil
		}
		chain, state = c, st
	} else {
		c, chainErr := s.service.Chain(ctx, chainID)
		if chainErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("chain lookup failed: %v", chainErr)), nil
		}
		chain = c
	}

	model, buildErr := diagram.Build(chain, state)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCIIAuto(ctx, model, s.binDir)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "dot":
		dot, dotErr := diagram.RenderDOT(ctx, model)
		if dotErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("dot render failed: %v", dotErr)), nil
		}
		return mcp.NewToolResultText(string(dot)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Resources ---

func (s *StepmachineServer) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource("stepmachine://procedures", "Registered procedures",
		mcp.WithResourceDescription("Procedures chain steps can reference, with circuit state when breakers are enabled"),
		mcp.WithMIMEType("application/json"),
	), func(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		data, err := json.Marshal(s.procedureList())
		if err != nil {
			return nil, fmt.Errorf("encode procedures: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "stepmachine://procedures",
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

// --- Query helpers ---

func (s *StepmachineServer) queryChains(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	chains, err := s.service.Chains(ctx, store.ChainFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	// Definitions are large; callers fetch one through the diagram or define tools.
	type chainRow struct {
		ID          string    `json:"id"`
		Version     string    `json:"version"`
		Description string    `json:"description,omitempty"`
		UpdatedAt   time.Time `json:"updated_at"`
	}
	rows := make([]chainRow, 0, len(chains))
	for _, c := range chains {
		rows = append(rows, chainRow{ID: c.ID, Version: c.Version, Description: c.Description, UpdatedAt: c.UpdatedAt})
	}
	return marshalResult(map[string]any{"chains": rows})
}

func (s *StepmachineServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if chainID, ok := filter["chain_id"].(string); ok {
		ef.ChainID = chainID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		if !es.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status: %s", status)), nil
		}
		ef.Status = &es
	}

	execs, err := s.service.Executions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	type execRow struct {
		ID            string                 `json:"id"`
		ChainID       string                 `json:"chain_id"`
		Status        schema.ExecutionStatus `json:"status"`
		CurrentStepID string                 `json:"current_step_id,omitempty"`
		Reason        string                 `json:"reason,omitempty"`
		ResumeAt      *time.Time             `json:"resume_at,omitempty"`
		ErrorCode     string                 `json:"error_code,omitempty"`
		UpdatedAt     time.Time              `json:"updated_at"`
	}
	rows := make([]execRow, 0, len(execs))
	for _, e := range execs {
		rows = append(rows, execRow{
			ID: e.ID, ChainID: e.ChainID, Status: e.Status, CurrentStepID: e.CurrentStepID,
			Reason: e.Reason, ResumeAt: e.ResumeAt, ErrorCode: e.ErrorCode, UpdatedAt: e.UpdatedAt,
		})
	}
	return marshalResult(map[string]any{"executions": rows})
}

func (s *StepmachineServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID, _ := filter["execution_id"].(string)
	if executionID == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))

	events, err := s.service.Events(ctx, executionID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if limit := extractInt(filter, "limit", 0); limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *StepmachineServer) queryJobs(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduling is not enabled"), nil
	}
	jf := store.ScheduledJobFilter{Limit: extractInt(filter, "limit", 50)}
	if chainID, ok := filter["chain_id"].(string); ok {
		jf.ChainID = chainID
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		jf.Enabled = &enabled
	}

	jobs, err := s.scheduler.Jobs(ctx, jf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"jobs": jobs})
}

type procedureRow struct {
	procedures.Info
	Circuit string `json:"circuit,omitempty"`
}

func (s *StepmachineServer) procedureList() []procedureRow {
	if s.procs == nil {
		return []procedureRow{}
	}
	breakers := s.service.Breakers()
	infos := s.procs.List()
	rows := make([]procedureRow, 0, len(infos))
	for _, info := range infos {
		row := procedureRow{Info: info}
		if breakers != nil {
			row.Circuit = breakers.State(info.Name).String()
		}
		rows = append(rows, row)
	}
	return rows
}

// --- Internal helpers ---

// documentArg reads a chain document from the definition object or the
// document string.
func documentArg(req mcp.CallToolRequest) ([]byte, codec.Format, error) {
	if def := mcp.ParseStringMap(req, "definition", nil); def != nil {
		data, err := json.Marshal(def)
		if err != nil {
			return nil, "", fmt.Errorf("invalid definition: %w", err)
		}
		return data, codec.FormatJSON, nil
	}
	doc := req.GetString("document", "")
	if doc == "" {
		return nil, "", fmt.Errorf("definition or document is required")
	}
	return []byte(doc), codec.Format(req.GetString("format", string(codec.FormatJSON))), nil
}

// watch binds the execution to the calling agent for later notifications.
func (s *StepmachineServer) watch(ctx context.Context, req mcp.CallToolRequest, report *orchestrator.ExecutionReport) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" || report == nil {
		return
	}
	s.captureSession(ctx, agentID)
	if report.Status.IsTerminal() {
		s.sessions.Unwatch(report.ExecutionID)
		return
	}
	s.sessions.Watch(report.ExecutionID, agentID)
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *StepmachineServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
