package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/clearlane/confirmd/internal/streaming"
	"github.com/clearlane/confirmd/pkg/schema"
)

// RunNotifier watches the event hub for terminal run events and pushes them
// to the MCP session that submitted the run. Best-effort: a disconnected
// session is silently dropped.
type RunNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       streaming.EventHub
	logger    *slog.Logger
}

// NewRunNotifier creates a notifier that pushes via MCP notifications.
func NewRunNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{mcpServer: mcpServer, sessions: sessions, hub: hub, logger: logger}
}

// Watch subscribes to terminal run events and forwards them until ctx ends.
func (n *RunNotifier) Watch(ctx context.Context) error {
	ch, cancel, err := n.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventRunCompleted, schema.EventRunFailed},
	})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			n.notify(ctx, event)
		}
	}
}

func (n *RunNotifier) notify(ctx context.Context, event streaming.StreamEvent) {
	sessionID, ok := n.sessions.SessionFor(event.CorrelationID)
	if !ok {
		return
	}
	n.sessions.Forget(event.CorrelationID)

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"correlation_id": event.CorrelationID,
		"document_id":    event.DocumentID,
		"event_type":     event.EventType,
		"payload":        event.Payload,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.WarnContext(ctx, "push run notification",
			slog.String("correlation_id", event.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
}
