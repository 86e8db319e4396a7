package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/internal/streaming"
	"github.com/rendis/flowgate/pkg/schema"
)

func appendAll(t *testing.T, el *EventLog, execID string, events ...schema.ExecutionEvent) {
	t.Helper()
	base := time.Now().UTC()
	for i := range events {
		events[i].ID = execID + "-" + events[i].Type + "-" + time.Duration(i).String()
		events[i].ExecutionID = execID
		if events[i].Sequence == 0 {
			events[i].Sequence = int64(i + 1)
		}
		events[i].Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, el.PublishEvent(context.Background(), events[i]))
	}
}

func TestEventLog_IsASink(t *testing.T) {
	s := newTestStore(t)
	var sink streaming.Sink = NewEventLog(s)
	ctx := context.Background()

	exec := settledExecution("wf-1", schema.ExecutionRunning)
	require.NoError(t, sink.PublishEvent(ctx, schema.ExecutionEvent{
		ID: "e1", ExecutionID: exec.ID, Type: schema.EventExecutionStarted, Sequence: 1,
	}))
	require.NoError(t, sink.PublishSnapshot(ctx, exec))

	got, err := s.LoadSnapshot(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	require.Len(t, got.Events, 1)
}

func TestReplayEvents_Empty(t *testing.T) {
	states, err := NewEventLog(newTestStore(t)).ReplayEvents(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestReplayEvents_FoldsNodeLifecycle(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	appendAll(t, el, "exec-1",
		schema.ExecutionEvent{Type: schema.EventExecutionStarted},
		schema.ExecutionEvent{Type: schema.EventNodeStarted, NodeID: "plan"},
		schema.ExecutionEvent{Type: schema.EventNodeRetry, NodeID: "plan"},
		schema.ExecutionEvent{Type: schema.EventNodeCompleted, NodeID: "plan"},
		schema.ExecutionEvent{Type: schema.EventNodeStarted, NodeID: "build"},
		schema.ExecutionEvent{Type: schema.EventGateWaiting, NodeID: "build"},
		schema.ExecutionEvent{Type: schema.EventBlockRevision, NodeID: "build", Payload: map[string]any{"feedback": "add tests"}},
		schema.ExecutionEvent{Type: schema.EventNodeFailed, NodeID: "build", Message: "build exited with code 1"},
		schema.ExecutionEvent{Type: schema.EventNodeSkipped, NodeID: "ship"},
	)

	states, err := el.ReplayEvents(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, states, 3)

	plan := states["plan"]
	assert.Equal(t, schema.NodeCompleted, plan.Status)
	assert.Equal(t, 1, plan.RetryCount)
	assert.NotNil(t, plan.StartedAt)
	assert.NotNil(t, plan.CompletedAt)

	build := states["build"]
	assert.Equal(t, schema.NodeFailed, build.Status)
	assert.Equal(t, 1, build.RevisionCount)
	assert.Equal(t, "add tests", build.Feedback)
	assert.Equal(t, "build exited with code 1", build.Error)

	assert.Equal(t, schema.NodeSkipped, states["ship"].Status)
}

func TestReplayEvents_WaitingGate(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	appendAll(t, el, "exec-1",
		schema.ExecutionEvent{Type: schema.EventNodeStarted, NodeID: "review"},
		schema.ExecutionEvent{Type: schema.EventGateWaiting, NodeID: "review"},
	)

	states, err := el.ReplayEvents(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeWaitingGate, states["review"].Status)
}

func TestReplayEvents_SequenceGap(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	appendAll(t, el, "exec-1",
		schema.ExecutionEvent{Type: schema.EventNodeStarted, NodeID: "a", Sequence: 1},
		schema.ExecutionEvent{Type: schema.EventNodeCompleted, NodeID: "a", Sequence: 3},
	)

	_, err := el.ReplayEvents(context.Background(), "exec-1")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
	assert.Contains(t, err.Error(), "expected 2, got 3")
}

func TestEventLog_Events(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	appendAll(t, el, "exec-1",
		schema.ExecutionEvent{Type: schema.EventExecutionStarted},
		schema.ExecutionEvent{Type: schema.EventExecutionCompleted},
	)

	events, err := el.Events(context.Background(), "exec-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventExecutionCompleted, events[0].Type)
}
