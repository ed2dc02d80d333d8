package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepmachine/internal/orchestrator"
)

// notificationMethod is the JSON-RPC method of pushed execution updates.
const notificationMethod = "notifications/message"

// Notifier delivers a payload to the caller registered as agentID.
type Notifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// SessionNotifier pushes payloads over the caller's live MCP session.
type SessionNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

func NewSessionNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *SessionNotifier {
	return &SessionNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify is a no-op for callers without a session. A session the transport
// no longer knows is forgotten instead of reported.
func (n *SessionNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	switch err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, payload); {
	case errors.Is(err, server.ErrSessionNotFound):
		n.sessions.Remove(sessionID)
		return nil
	default:
		return err
	}
}

// executionUpdate is the notification body for a persisted report.
func executionUpdate(report *orchestrator.ExecutionReport) map[string]any {
	payload := map[string]any{
		"type":         "execution_update",
		"execution_id": report.ExecutionID,
		"chain_id":     report.ChainID,
		"status":       report.Status,
	}
	if report.CurrentStepID != "" {
		payload["current_step_id"] = report.CurrentStepID
	}
	if report.Reason != "" {
		payload["reason"] = report.Reason
	}
	if report.Error != nil {
		payload["error"] = report.Error.Code
	}
	return payload
}
