package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/plangraph/internal/streaming"
)

const notificationMethod = "notifications/message"

// PlanNotifier pushes graph change notifications to MCP sessions.
type PlanNotifier interface {
	Notify(ctx context.Context, event streaming.ChangeEvent) error
}

// MCPNotifier implements PlanNotifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to registered sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends the event to every session watching its plan.
// Best-effort: sessions that went away are dropped silently.
func (n *MCPNotifier) Notify(_ context.Context, event streaming.ChangeEvent) error {
	payload := map[string]any{
		"plan_id": event.PlanID,
		"kind":    string(event.Kind),
		"version": event.Version,
	}
	if event.NodeID != "" {
		payload["node_id"] = event.NodeID
	}

	var errs []error
	for _, sid := range n.sessions.SessionsFor(event.PlanID) {
		err := n.mcpServer.SendNotificationToSpecificClient(sid, notificationMethod, payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			n.sessions.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forward subscribes to hub and notifies until ctx is cancelled.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.EventHub) error {
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.PlanID == "" {
				continue
			}
			_ = n.Notify(ctx, ev)
		}
	}
}
