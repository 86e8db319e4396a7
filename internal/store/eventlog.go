package store

import (
	"context"
	"fmt"

	"github.com/rendis/flowgate/pkg/schema"
)

// EventLog is the durable event sink: every published event is appended to
// the events table and every snapshot replaces the stored one.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore as a streaming sink.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

func (el *EventLog) PublishEvent(ctx context.Context, event schema.ExecutionEvent) error {
	return el.store.AppendEvent(ctx, event)
}

func (el *EventLog) PublishSnapshot(ctx context.Context, exec *schema.Execution) error {
	return el.store.SaveSnapshot(ctx, exec)
}

// Events returns events for an execution with sequence > since.
func (el *EventLog) Events(ctx context.Context, executionID string, since int64) ([]schema.ExecutionEvent, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// ReplayEvents folds the event log of an execution into node states. It is
// the fallback view for executions whose snapshot was never written.
// A gap in the sequence is reported as a STORE_ERROR.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (map[string]*schema.NodeExecutionState, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	states := make(map[string]*schema.NodeExecutionState)
	if len(events) == 0 {
		return states, nil
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		st, ok := states[e.NodeID]
		if !ok {
			st = &schema.NodeExecutionState{NodeID: e.NodeID, Status: schema.NodePending}
			states[e.NodeID] = st
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventNodeStarted:
			st.Status = schema.NodeRunning
			if st.StartedAt == nil {
				st.StartedAt = &ts
			}
		case schema.EventNodeCompleted:
			st.Status = schema.NodeCompleted
			st.CompletedAt = &ts
			st.Error = ""
		case schema.EventNodeFailed:
			st.Status = schema.NodeFailed
			st.CompletedAt = &ts
			st.Error = e.Message
		case schema.EventNodeSkipped:
			st.Status = schema.NodeSkipped
		case schema.EventNodeRetry:
			st.RetryCount++
			st.LastRetryAt = &ts
		case schema.EventGateWaiting:
			st.Status = schema.NodeWaitingGate
		case schema.EventBlockRevision:
			st.RevisionCount++
			if fb, ok := e.Payload["feedback"].(string); ok {
				st.Feedback = fb
			}
		}
	}

	return states, nil
}
