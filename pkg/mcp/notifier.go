package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dhanush-chevuri/julep/internal/streaming"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// notificationMethod is the MCP method used for execution updates.
const notificationMethod = "notifications/message"

// statusEvents are the hub events forwarded to clients.
var statusEvents = []string{
	schema.EventExecutionStarted,
	schema.EventExecutionWaiting,
	schema.EventExecutionResumed,
	schema.EventExecutionSucceeded,
	schema.EventExecutionFailed,
	schema.EventExecutionCancelled,
}

// terminalEvents end a session mapping.
var terminalEvents = map[string]bool{
	schema.EventExecutionSucceeded: true,
	schema.EventExecutionFailed:    true,
	schema.EventExecutionCancelled: true,
}

// notificationSender is satisfied by *server.MCPServer.
type notificationSender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// Notifier pushes status changes of root executions to the session that
// started them.
type Notifier struct {
	sender   notificationSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(sender notificationSender, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, sessions: sessions, logger: logger}
}

// Watch subscribes to hub and forwards events until ctx ends.
func (n *Notifier) Watch(ctx context.Context, hub streaming.EventHub) error {
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: statusEvents})
	if err != nil {
		return err
	}
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := n.Notify(ev); err != nil {
					n.logger.Warn("execution notification failed",
						slog.String("execution_id", ev.ExecutionID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
	return nil
}

// Notify sends one event. Events of nested executions and of executions
// nobody watches are skipped.
func (n *Notifier) Notify(ev streaming.StreamEvent) error {
	if ev.ExecutionID != ev.LineageID {
		return nil
	}
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return nil
	}
	if terminalEvents[ev.EventType] {
		n.sessions.Forget(ev.ExecutionID)
	}

	params := map[string]any{
		"level":  "info",
		"logger": "julep",
		"data": map[string]any{
			"execution_id": ev.ExecutionID,
			"event":        ev.EventType,
			"cursor":       ev.Cursor,
			"payload":      ev.Payload,
		},
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, notificationMethod, params)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
