package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/schema"
)

// ClientNotifier pushes a notification to one MCP session.
type ClientNotifier interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// MCPNotifier implements streaming.Notifier by pushing execution events to
// the MCP session following the execution.
type MCPNotifier struct {
	client   ClientNotifier
	sessions *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP session notifications.
func NewMCPNotifier(client ClientNotifier, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{client: client, sessions: sessions}
}

// Notify sends the event as a notifications/message log entry.
// Best-effort: returns nil if no session follows the execution.
func (n *MCPNotifier) Notify(_ context.Context, event streaming.Event) error {
	sessionID, ok := n.sessions.SessionFor(event.ExecutionID)
	if !ok {
		return nil
	}
	if terminalEvent(event.Type) {
		defer n.sessions.Forget(event.ExecutionID)
	}

	err := n.client.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  notificationLevel(event.Type),
		"logger": "agentflow",
		"data":   event,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send; not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func terminalEvent(eventType string) bool {
	switch eventType {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		return true
	}
	return false
}

func notificationLevel(eventType string) string {
	switch eventType {
	case schema.EventExecutionFailed, schema.EventStepFailed:
		return "error"
	case schema.EventStepRetrying, schema.EventStepBottleneck, schema.EventHITLExpired:
		return "warning"
	default:
		return "info"
	}
}

var (
	_ streaming.Notifier = (*MCPNotifier)(nil)
	_ ClientNotifier     = (*server.MCPServer)(nil)
)
