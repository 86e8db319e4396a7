package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), "file:"+dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func settledExecution(workflowID string, status schema.ExecutionStatus) *schema.Execution {
	start := time.Now().UTC().Add(-3 * time.Second).Truncate(time.Millisecond)
	end := start.Add(2 * time.Second)
	return &schema.Execution{
		ID: uuid.NewString(),
		Workflow: &schema.WorkflowDefinition{
			ID: workflowID, Name: "Build feature",
			Nodes: []schema.AgentNode{{ID: "plan"}, {ID: "build"}, {ID: "ship"}},
		},
		Status: status,
		NodeStates: map[string]*schema.NodeExecutionState{
			"plan":  {NodeID: "plan", Status: schema.NodeCompleted, CostUSD: 0.25, RetryCount: 1},
			"build": {NodeID: "build", Status: schema.NodeCompleted, CostUSD: 1.5, RevisionCount: 2},
			"ship":  {NodeID: "ship", Status: schema.NodeSkipped},
		},
		Variables:   map[string]any{"topic": "billing"},
		CostUSD:     1.75,
		StartedAt:   start,
		UpdatedAt:   end,
		CompletedAt: &end,
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))
	v, err := currentVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestSplitStatements(t *testing.T) {
	script := `-- header only;
CREATE TABLE a (x INT);
-- comment
CREATE INDEX i ON a (x);
`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX i")
}

// --- History ---

func TestAddAndGetEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := settledExecution("wf-1", schema.ExecutionCompleted)

	require.NoError(t, s.AddEntry(ctx, schema.NewHistoryEntry(exec)))

	got, err := s.GetEntry(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "Build feature", got.WorkflowName)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Equal(t, 3, got.NodeCount)
	assert.Equal(t, 2, got.Completed)
	assert.Equal(t, 1, got.Skipped)
	assert.Equal(t, int64(2000), got.DurationMs)
}

func TestAddEntry_ReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := settledExecution("wf-1", schema.ExecutionFailed)
	exec.Error = "1 node(s) failed: build"
	require.NoError(t, s.AddEntry(ctx, schema.NewHistoryEntry(exec)))

	exec.Status = schema.ExecutionCompleted
	exec.Error = ""
	require.NoError(t, s.AddEntry(ctx, schema.NewHistoryEntry(exec)))

	got, err := s.GetEntry(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Empty(t, got.Error)
}

func TestAddEntry_RequiresExecutionID(t *testing.T) {
	err := newTestStore(t).AddEntry(context.Background(), schema.HistoryEntry{WorkflowID: "wf"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestGetEntry_NotFound(t *testing.T) {
	_, err := newTestStore(t).GetEntry(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListEntries_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i, spec := range []struct {
		wf     string
		status schema.ExecutionStatus
	}{
		{"wf-a", schema.ExecutionCompleted},
		{"wf-a", schema.ExecutionFailed},
		{"wf-b", schema.ExecutionCompleted},
	} {
		exec := settledExecution(spec.wf, spec.status)
		exec.StartedAt = exec.StartedAt.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.AddEntry(ctx, schema.NewHistoryEntry(exec)))
		ids = append(ids, exec.ID)
	}

	all, err := s.ListEntries(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ExecutionID, "newest first")

	byWorkflow, err := s.ListEntries(ctx, HistoryFilter{WorkflowID: "wf-a"})
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)

	failed, err := s.ListEntries(ctx, HistoryFilter{Status: schema.ExecutionFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ids[1], failed[0].ExecutionID)

	page, err := s.ListEntries(ctx, HistoryFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ExecutionID)
}

// --- Analytics ---

func TestSaveAndGetSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := settledExecution("wf-1", schema.ExecutionCompleted)

	require.NoError(t, s.SaveExecution(ctx, schema.NewExecutionSummary(exec)))

	got, err := s.GetSummary(ctx, exec.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.75, got.CostUSD, 1e-9)
	assert.Equal(t, map[string]float64{"plan": 0.25, "build": 1.5}, got.NodeCosts)
	assert.Equal(t, 1, got.Retries)
	assert.Equal(t, 2, got.Revisions)
	assert.Equal(t, int64(2000), got.DurationMs)
}

func TestGetSummary_NotFound(t *testing.T) {
	_, err := newTestStore(t).GetSummary(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestTotalCost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, wf := range []string{"wf-a", "wf-a", "wf-b"} {
		require.NoError(t, s.SaveExecution(ctx, schema.NewExecutionSummary(settledExecution(wf, schema.ExecutionCompleted))))
	}

	total, err := s.TotalCost(ctx, "")
	require.NoError(t, err)
	assert.InDelta(t, 5.25, total, 1e-9)

	a, err := s.TotalCost(ctx, "wf-a")
	require.NoError(t, err)
	assert.InDelta(t, 3.5, a, 1e-9)

	none, err := s.TotalCost(ctx, "wf-none")
	require.NoError(t, err)
	assert.Zero(t, none)
}

// --- Snapshots ---

func TestSnapshotRoundTripRehydratesEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := settledExecution("wf-1", schema.ExecutionCompleted)
	exec.Events = []schema.ExecutionEvent{
		{ID: uuid.NewString(), ExecutionID: exec.ID, Type: schema.EventExecutionStarted, Sequence: 1, Timestamp: exec.StartedAt},
		{ID: uuid.NewString(), ExecutionID: exec.ID, Type: schema.EventNodeCompleted, NodeID: "plan", Sequence: 2, Timestamp: exec.StartedAt},
	}
	for _, ev := range exec.Events {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}
	require.NoError(t, s.SaveSnapshot(ctx, exec))

	got, err := s.LoadSnapshot(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, "wf-1", got.Workflow.ID)
	assert.Len(t, got.Workflow.Nodes, 3)
	assert.Equal(t, schema.NodeCompleted, got.NodeStates["build"].Status)
	assert.Equal(t, "billing", got.Variables["topic"])
	require.Len(t, got.Events, 2)
	assert.Equal(t, schema.EventNodeCompleted, got.Events[1].Type)
	assert.Equal(t, "plan", got.Events[1].NodeID)
}

func TestSaveSnapshot_Upserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := settledExecution("wf-1", schema.ExecutionRunning)
	exec.CompletedAt = nil
	require.NoError(t, s.SaveSnapshot(ctx, exec))

	exec.Status = schema.ExecutionWaitingGate
	exec.Pending = []string{"build"}
	require.NoError(t, s.SaveSnapshot(ctx, exec))

	got, err := s.LoadSnapshot(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionWaitingGate, got.Status)
	assert.Equal(t, []string{"build"}, got.Pending)

	infos, err := s.ListSnapshots(ctx, SnapshotFilter{})
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestLoadSnapshot_NotFound(t *testing.T) {
	_, err := newTestStore(t).LoadSnapshot(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListSnapshots_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := settledExecution("outer", schema.ExecutionCompleted)
	child := settledExecution("inner", schema.ExecutionCompleted)
	child.ParentID = parent.ID
	child.Depth = 1
	other := settledExecution("outer", schema.ExecutionFailed)
	for _, e := range []*schema.Execution{parent, child, other} {
		require.NoError(t, s.SaveSnapshot(ctx, e))
	}

	top, err := s.ListSnapshots(ctx, SnapshotFilter{TopLevel: true})
	require.NoError(t, err)
	assert.Len(t, top, 2)

	children, err := s.ListSnapshots(ctx, SnapshotFilter{ParentID: parent.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ExecutionID)
	assert.Equal(t, "inner", children[0].WorkflowID)

	failed, err := s.ListSnapshots(ctx, SnapshotFilter{WorkflowID: "outer", Status: schema.ExecutionFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, other.ID, failed[0].ExecutionID)
}

// --- Events ---

func TestAppendEvent_AssignsSequenceWhenMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, schema.ExecutionEvent{
			ID: uuid.NewString(), ExecutionID: "exec-1", Type: schema.EventExecutionWarning,
		}))
	}

	events, err := s.GetEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.False(t, e.Timestamp.IsZero())
	}

	since, err := s.GetEvents(ctx, "exec-1", 2)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, int64(3), since[0].Sequence)
}

func TestAppendEvent_DuplicateSequenceIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ev := schema.ExecutionEvent{ID: "e1", ExecutionID: "exec-1", Type: schema.EventNodeStarted, Sequence: 1}

	require.NoError(t, s.AppendEvent(ctx, ev))
	ev.ID = "e1-again"
	require.NoError(t, s.AppendEvent(ctx, ev))

	events, err := s.GetEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)
}

func TestAppendEvent_PayloadAndTrace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, schema.ExecutionEvent{
		ID: "e1", ExecutionID: "exec-1", Type: schema.EventNodeRetry, NodeID: "build", Sequence: 1,
		Message: "Retry 1/2", Payload: map[string]any{"attempt": 1, "code": "TIMEOUT_ERROR"},
		TraceID: "trace-1", SpanID: "span-1",
	}))

	events, err := s.GetEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "build", e.NodeID)
	assert.Equal(t, "Retry 1/2", e.Message)
	assert.Equal(t, "TIMEOUT_ERROR", e.Payload["code"])
	assert.EqualValues(t, 1, e.Payload["attempt"])
	assert.Equal(t, "trace-1", e.TraceID)
	assert.Equal(t, "span-1", e.SpanID)
}

func TestAppendEvent_RequiresExecutionID(t *testing.T) {
	err := newTestStore(t).AppendEvent(context.Background(), schema.ExecutionEvent{Type: schema.EventNodeStarted})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	add := func(exec string, seq int64, typ, node string) {
		require.NoError(t, s.AppendEvent(ctx, schema.ExecutionEvent{
			ID: uuid.NewString(), ExecutionID: exec, Type: typ, NodeID: node, Sequence: seq,
			Timestamp: base.Add(time.Duration(seq) * time.Minute),
		}))
	}
	add("exec-1", 1, schema.EventGateWaiting, "review")
	add("exec-1", 2, schema.EventGateDecided, "review")
	add("exec-1", 3, schema.EventGateWaiting, "ship")
	add("exec-2", 1, schema.EventGateWaiting, "review")

	all, err := s.GetEventsByType(ctx, schema.EventGateWaiting, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	one, err := s.GetEventsByType(ctx, schema.EventGateWaiting, EventFilter{ExecutionID: "exec-1", NodeID: "ship"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, int64(3), one[0].Sequence)

	limited, err := s.GetEventsByType(ctx, schema.EventGateWaiting, EventFilter{ExecutionID: "exec-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "ship", limited[0].NodeID, "newest first")
}
