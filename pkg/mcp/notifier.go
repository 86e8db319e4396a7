package mcp

import (
	"context"
	"errors"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowgate/internal/streaming"
	"github.com/rendis/flowgate/pkg/schema"
)

const notificationMethod = "notifications/message"

// clientSender is the part of *server.MCPServer the notifier needs.
type clientSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// notifiedEvents are the event types a watching client is told about.
var notifiedEvents = map[string]bool{
	schema.EventGateWaiting:        true,
	schema.EventNodeFailed:         true,
	schema.EventExecutionPaused:    true,
	schema.EventExecutionResumed:   true,
	schema.EventExecutionCompleted: true,
	schema.EventExecutionFailed:    true,
	schema.EventExecutionAborted:   true,
	schema.EventExecutionTimedOut:  true,
}

// Notifier is a streaming.Sink that pushes gate and lifecycle events to
// the MCP session that started the execution. It is best-effort: events
// for executions with no watching session are dropped.
type Notifier struct {
	sessions *SessionRegistry

	mu     sync.RWMutex
	sender clientSender
}

var _ streaming.Sink = (*Notifier)(nil)

// NewNotifier creates a notifier over sessions. It drops everything until
// Bind attaches a server.
func NewNotifier(sessions *SessionRegistry) *Notifier {
	return &Notifier{sessions: sessions}
}

// Bind attaches the MCP server used to reach clients.
func (n *Notifier) Bind(mcpServer *server.MCPServer) {
	n.bind(mcpServer)
}

func (n *Notifier) bind(sender clientSender) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sender = sender
}

// PublishEvent forwards notable events to the watching session.
func (n *Notifier) PublishEvent(_ context.Context, event schema.ExecutionEvent) error {
	if !notifiedEvents[event.Type] {
		return nil
	}
	n.mu.RLock()
	sender := n.sender
	n.mu.RUnlock()
	if sender == nil {
		return nil
	}

	sessionID, ok := n.sessions.SessionFor(event.ExecutionID)
	if !ok {
		return nil
	}

	payload := map[string]any{
		"level":  level(event.Type),
		"logger": "flowgate",
		"data": map[string]any{
			"execution_id": event.ExecutionID,
			"type":         event.Type,
			"node_id":      event.NodeID,
			"message":      event.Message,
			"payload":      event.Payload,
			"sequence":     event.Sequence,
		},
	}
	err := sender.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	if err == nil && isTerminal(event.Type) {
		n.sessions.Forget(event.ExecutionID)
	}
	return err
}

// PublishSnapshot is a no-op; clients poll flowgate.status for snapshots.
func (n *Notifier) PublishSnapshot(context.Context, *schema.Execution) error {
	return nil
}

func level(eventType string) string {
	switch eventType {
	case schema.EventNodeFailed, schema.EventExecutionFailed, schema.EventExecutionTimedOut:
		return "error"
	case schema.EventGateWaiting, schema.EventExecutionAborted:
		return "warning"
	default:
		return "info"
	}
}

func isTerminal(eventType string) bool {
	switch eventType {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionAborted:
		return true
	}
	return false
}
