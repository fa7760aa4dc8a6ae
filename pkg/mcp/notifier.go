package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// CallerNotifier pushes notifications to connected callers.
type CallerNotifier interface {
	Notify(ctx context.Context, callerID string, payload map[string]any) error
}

// MCPNotifier implements CallerNotifier using MCP push notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP server.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the caller's session. Best-effort: returns
// nil if the caller is not connected.
func (n *MCPNotifier) Notify(_ context.Context, callerID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(callerID)
	if !ok {
		return nil // caller not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
