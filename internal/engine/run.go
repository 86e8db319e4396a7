package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/logging"
	"github.com/rendis/flowgate/pkg/schema"
)

// control is shared by every run in one execution tree.
type control struct {
	paused  atomic.Bool
	aborted atomic.Bool
}

// run is one execution: the top-level one or a nested sub-workflow. Node
// and execution state is only mutated through setNode, mutateNode and
// setStatus.
type run struct {
	eng      *Engine
	ctl      *control
	parent   *run
	depth    int
	def      *schema.WorkflowDefinition
	lanes    []Lane
	warnings []schema.ValidationIssue
	gates    *GateCoordinator

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	done   chan struct{}

	// forEach bodies are driven by their forEach node, never by the lane loop.
	bodies map[string]bool
	prior  map[string]*schema.NodeExecutionState

	emitMu sync.Mutex

	mu           sync.Mutex
	exec         *schema.Execution
	seq          int64
	children     []*run
	skipEligible map[string]string
}

func newRun(base context.Context, e *Engine, def *schema.WorkflowDefinition, opts StartOptions, parent *run, ctl *control) *run {
	now := time.Now().UTC()
	depth := 0
	if parent != nil {
		depth = parent.depth + 1
	}

	vars := def.DefaultVariables()
	maps.Copy(vars, opts.Variables)
	exec := &schema.Execution{
		ID:         uuid.NewString(),
		Depth:      depth,
		Workflow:   def,
		Status:     schema.ExecutionRunning,
		NodeStates: make(map[string]*schema.NodeExecutionState, len(def.Nodes)),
		Input:      maps.Clone(opts.Variables),
		Variables:  vars,
		WorkItem:   maps.Clone(opts.WorkItem),
		ReplayOf:   opts.replayOf,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if parent != nil {
		exec.ParentID = parent.exec.ID
	}
	for _, n := range def.Nodes {
		exec.NodeStates[n.ID] = &schema.NodeExecutionState{NodeID: n.ID, Status: schema.NodePending}
	}

	r := &run{
		eng:          e,
		ctl:          ctl,
		parent:       parent,
		depth:        depth,
		def:          def,
		done:         make(chan struct{}),
		bodies:       make(map[string]bool),
		prior:        opts.prior,
		exec:         exec,
		skipEligible: make(map[string]string),
	}
	for _, n := range def.Nodes {
		if n.Config.ForEach != nil {
			for _, id := range n.Config.ForEach.Body {
				r.bodies[id] = true
			}
		}
	}

	ctx, span := e.tracer.Start(base, "execution "+def.ID, trace.WithAttributes(
		attribute.String("flowgate.execution_id", exec.ID),
		attribute.String("flowgate.workflow_id", def.ID),
		attribute.Int("flowgate.depth", depth),
	))
	switch sc := span.SpanContext(); {
	case sc.HasTraceID():
		exec.TraceID = sc.TraceID().String()
	case parent != nil:
		exec.TraceID = parent.exec.TraceID
	default:
		exec.TraceID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	ctx = logging.WithExecutionID(ctx, exec.ID)
	ctx = logging.WithTraceID(ctx, exec.TraceID)
	ctx = logging.WithDepth(ctx, depth)
	if d := r.deadline(); d > 0 {
		r.ctx, r.cancel = context.WithTimeout(ctx, d)
	} else {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	r.span = span
	r.gates = NewGateCoordinator(r, e.cfg.Headless)
	return r
}

// deadline is the workflow timeout, or the aggregate bound when running
// headless. Interactive runs without a timeout have no deadline.
func (r *run) deadline() time.Duration {
	if r.def.Timeout != "" {
		if d, err := time.ParseDuration(r.def.Timeout); err == nil && d > 0 {
			return d
		}
	}
	if r.eng.cfg.Headless != nil {
		return AggregateTimeout(r.def, r.eng.cfg.DefaultTimeout)
	}
	return 0
}

func (r *run) execute() {
	defer close(r.done)
	defer r.cancel()
	defer r.span.End()

	ctx := r.ctx
	r.eng.logger.InfoContext(ctx, "execution started", "workflow_id", r.def.ID, "lanes", len(r.lanes))
	r.emit(ctx, schema.EventExecutionStarted, "", fmt.Sprintf("Execution of %s started", r.workflowName()), map[string]any{
		"workflow_id": r.def.ID,
		"depth":       r.depth,
		"lanes":       len(r.lanes),
		"replay_of":   r.exec.ReplayOf,
	})
	for _, w := range r.warnings {
		r.emit(ctx, schema.EventExecutionWarning, "", w.Message, map[string]any{"path": w.Path, "code": w.Code})
	}
	r.checkpoint(ctx)

	for _, lane := range r.lanes {
		if r.stopped() || !r.waitWhilePaused(ctx) {
			break
		}
		if lane.Kind == LaneParallel {
			r.runParallelLane(ctx, lane)
		} else {
			r.runSequential(ctx, lane.NodeIDs[0])
		}
	}

	r.finish(ctx)
}

func (r *run) stopped() bool {
	return r.ctl.aborted.Load() || r.ctx.Err() != nil
}

// waitWhilePaused blocks between nodes while the tree is paused. It returns
// false when the run should stop instead.
func (r *run) waitWhilePaused(ctx context.Context) bool {
	if !r.ctl.paused.Load() {
		return !r.stopped()
	}
	ticker := time.NewTicker(r.eng.cfg.PausePoll)
	defer ticker.Stop()
	for r.ctl.paused.Load() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		if r.ctl.aborted.Load() {
			return false
		}
	}
	return !r.stopped()
}

func (r *run) finish(ctx context.Context) {
	for _, n := range r.def.Nodes {
		if r.bodies[n.ID] && r.nodeState(n.ID).Status == schema.NodePending {
			_ = r.setNode(ctx, n.ID, schema.NodeSkipped, nodeUpdate{
				Message: "forEach body was never driven",
				Payload: map[string]any{"reason": "foreach_body"},
			})
		}
	}

	status, msg := schema.ExecutionCompleted, ""
	switch {
	case r.ctl.aborted.Load():
		status, msg = schema.ExecutionAborted, schema.AbortedMessage
	case errors.Is(r.ctx.Err(), context.DeadlineExceeded):
		status, msg = schema.ExecutionFailed, fmt.Sprintf("Execution timed out after %s", r.deadline())
		r.emit(ctx, schema.EventExecutionTimedOut, "", msg, map[string]any{"timeout_ms": r.deadline().Milliseconds()})
	default:
		if failed := r.snapshotFailed(); len(failed) > 0 {
			status = schema.ExecutionFailed
			msg = fmt.Sprintf("%d node(s) failed: %s", len(failed), strings.Join(failed, ", "))
		}
	}

	out := context.WithoutCancel(ctx)
	if err := r.setStatus(out, status, msg, nil); err != nil {
		r.eng.logger.WarnContext(ctx, "final status rejected", "status", status, "error", err)
	}
	r.eng.cfg.Metrics.executionFinished(string(status))
	r.eng.logger.InfoContext(ctx, "execution finished", "status", status)

	r.checkpoint(out)
	r.persist(out)
	r.eng.release(r)
}

// failGraph records an execution that could not be ordered.
func (r *run) failGraph(err error) {
	defer close(r.done)
	defer r.cancel()
	defer r.span.End()

	ctx := context.WithoutCancel(r.ctx)
	r.eng.logger.WarnContext(ctx, "workflow graph rejected", "workflow_id", r.def.ID, "error", err)
	msg := err.Error()
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		msg = fe.Message
	}
	_ = r.setStatus(ctx, schema.ExecutionFailed, msg, map[string]any{"code": schema.CodeOf(err)})
	r.eng.cfg.Metrics.executionFinished(string(schema.ExecutionFailed))
	r.checkpoint(ctx)
	r.persist(ctx)
}

func (r *run) snapshotFailed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.FailedNodes()
}

// --- state ---

type nodeUpdate struct {
	// Event overrides the event derived from the target status.
	Event   string
	Message string
	Payload map[string]any
	Apply   func(st *schema.NodeExecutionState)
}

// setNode moves a node to status to and records the matching event. A
// same-status update applies the mutation and only emits an explicit Event.
func (r *run) setNode(ctx context.Context, nodeID string, to schema.NodeStatus, u nodeUpdate) error {
	r.mu.Lock()
	if r.exec.Status.IsTerminal() {
		r.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution is %s", r.exec.Status).WithNode(nodeID)
	}
	st, ok := r.exec.NodeStates[nodeID]
	if !ok {
		r.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", nodeID).WithNode(nodeID)
	}
	from := st.Status
	if err := r.eng.nodeFSM.Transition(nodeID, from, to); err != nil {
		r.mu.Unlock()
		return err
	}

	now := time.Now().UTC()
	st.Status = to
	switch {
	case to == schema.NodeRunning && from != schema.NodeRunning:
		if st.StartedAt == nil || from == schema.NodeCompleted {
			st.StartedAt = &now
		}
		st.CompletedAt = nil
	case to.IsTerminal():
		st.CompletedAt = &now
	}
	if u.Apply != nil {
		u.Apply(st)
	}
	var elapsed time.Duration
	if st.StartedAt != nil {
		elapsed = now.Sub(*st.StartedAt)
	}
	r.exec.UpdatedAt = now
	r.mu.Unlock()

	if to.IsTerminal() && from != to {
		r.eng.cfg.Metrics.nodeSettled(r.backendLabel(nodeID), string(to), elapsed)
	}
	event := u.Event
	if event == "" && from != to {
		event = NodeEventType(to)
	}
	if event != "" {
		r.emit(ctx, event, nodeID, u.Message, u.Payload)
	}
	return nil
}

// mutateNode changes a node's fields without a status transition.
func (r *run) mutateNode(nodeID string, fn func(st *schema.NodeExecutionState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.exec.NodeStates[nodeID]; ok {
		fn(st)
		r.exec.UpdatedAt = time.Now().UTC()
	}
}

func (r *run) nodeState(nodeID string) schema.NodeExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.exec.NodeStates[nodeID]; ok {
		return *st
	}
	return schema.NodeExecutionState{NodeID: nodeID}
}

// setStatus moves the execution to status to. With onlyFrom set, the change
// is applied only when the current status is one of them.
func (r *run) setStatus(ctx context.Context, to schema.ExecutionStatus, msg string, payload map[string]any, onlyFrom ...schema.ExecutionStatus) error {
	r.mu.Lock()
	from := r.exec.Status
	if len(onlyFrom) > 0 && !slices.Contains(onlyFrom, from) {
		r.mu.Unlock()
		return nil
	}
	check := from
	if to == schema.ExecutionCompleted && (from == schema.ExecutionPaused || from == schema.ExecutionWaitingGate) {
		check = schema.ExecutionRunning
	}
	if err := r.eng.execFSM.Transition(r.exec.ID, check, to); err != nil {
		r.mu.Unlock()
		return err
	}
	now := time.Now().UTC()
	r.exec.Status = to
	r.exec.UpdatedAt = now
	if to.IsTerminal() {
		r.exec.CompletedAt = &now
		r.exec.Error = msg
	}
	r.mu.Unlock()

	if event := ExecutionEventType(to); event != "" && from != to {
		if msg == "" {
			msg = fmt.Sprintf("Execution %s", to)
		}
		r.emit(ctx, event, "", msg, payload)
	}
	return nil
}

// scope builds the expression environment from the current state.
func (r *run) scope() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return expressions.BuildScope(r.exec.Variables, r.exec.WorkItem, r.exec.NodeStates)
}

func (r *run) statesCopy() map[string]*schema.NodeExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*schema.NodeExecutionState, len(r.exec.NodeStates))
	for id, st := range r.exec.NodeStates {
		cp := *st
		out[id] = &cp
	}
	return out
}

func (r *run) setVariable(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.Variables[name] = value
}

func (r *run) snapshot() *schema.Execution {
	pending := r.pendingTree()
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.exec.Clone()
	cp.Pending = pending
	return cp
}

func (r *run) workflowName() string {
	if r.def.Name != "" {
		return r.def.Name
	}
	return r.def.ID
}

func (r *run) backendLabel(nodeID string) string {
	n := r.def.Node(nodeID)
	switch {
	case n == nil:
		return "unknown"
	case n.IsControl():
		return "control"
	case n.Config.Backend != "":
		return string(n.Config.Backend)
	default:
		return "default"
	}
}

// --- events and persistence ---

// emit appends an event to the execution and forwards it to the sink. Sink
// errors are logged only.
func (r *run) emit(ctx context.Context, eventType, nodeID, message string, payload map[string]any) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	r.seq++
	ev := schema.ExecutionEvent{
		ID:          uuid.NewString(),
		ExecutionID: r.exec.ID,
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		NodeID:      nodeID,
		Payload:     payload,
		Message:     message,
		TraceID:     r.exec.TraceID,
		Sequence:    r.seq,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		ev.SpanID = sc.SpanID().String()
	}
	r.exec.Events = append(r.exec.Events, ev)
	r.mu.Unlock()

	r.eng.logger.DebugContext(ctx, "event", "type", eventType, "node_id", nodeID, "sequence", ev.Sequence)
	if sink := r.eng.cfg.Sink; sink != nil {
		if err := sink.PublishEvent(context.WithoutCancel(ctx), ev); err != nil {
			r.eng.logger.WarnContext(ctx, "event sink publish failed", "type", eventType, "error", err)
		}
	}
}

// checkpoint forwards a full snapshot to the sink and the store.
func (r *run) checkpoint(ctx context.Context) {
	snap := r.snapshot()
	ctx = context.WithoutCancel(ctx)
	if sink := r.eng.cfg.Sink; sink != nil {
		if err := sink.PublishSnapshot(ctx, snap); err != nil {
			r.eng.logger.WarnContext(ctx, "snapshot publish failed", "error", err)
		}
	}
	if store := r.eng.cfg.Store; store != nil {
		if err := store.SaveSnapshot(ctx, snap); err != nil {
			r.eng.logger.WarnContext(ctx, "snapshot save failed", "error", err)
		}
	}
}

// persist writes the history entry and cost summary of a settled run.
func (r *run) persist(ctx context.Context) {
	store := r.eng.cfg.Store
	if store == nil {
		return
	}
	snap := r.snapshot()
	if err := store.AddEntry(ctx, schema.NewHistoryEntry(snap)); err != nil {
		r.eng.logger.WarnContext(ctx, "history entry failed", "error", err)
	}
	if err := store.SaveExecution(ctx, schema.NewExecutionSummary(snap)); err != nil {
		r.eng.logger.WarnContext(ctx, "execution summary failed", "error", err)
	}
}

// --- control ---

func (r *run) pause(ctx context.Context) error {
	r.mu.Lock()
	status := r.exec.Status
	r.mu.Unlock()
	switch status {
	case schema.ExecutionPaused:
		return nil
	case schema.ExecutionRunning, schema.ExecutionWaitingGate:
	default:
		return schema.NewErrorf(schema.ErrCodeConflict, "execution is %s", status)
	}
	r.ctl.paused.Store(true)
	return r.setStatus(ctx, schema.ExecutionPaused, "Execution paused", nil, schema.ExecutionRunning, schema.ExecutionWaitingGate)
}

func (r *run) unpause(ctx context.Context) error {
	r.mu.Lock()
	status := r.exec.Status
	r.mu.Unlock()
	if status != schema.ExecutionPaused {
		if status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution is %s", status)
		}
		return nil
	}
	to := schema.ExecutionRunning
	if len(r.pendingTree()) > 0 {
		to = schema.ExecutionWaitingGate
	}
	if err := r.setStatus(ctx, to, "", nil, schema.ExecutionPaused); err != nil {
		return err
	}
	r.ctl.paused.Store(false)
	r.emit(ctx, schema.EventExecutionResumed, "", "Execution resumed", map[string]any{"status": string(to)})
	return nil
}

func (r *run) abort() {
	r.ctl.aborted.Store(true)
	r.abortGates()
	r.cancel()
}

func (r *run) abortGates() {
	r.gates.AbortAll()
	for _, c := range r.childRuns() {
		c.abortGates()
	}
}

func (r *run) childRuns() []*run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*run(nil), r.children...)
}

func (r *run) addChild(c *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children = append(r.children, c)
}

func (r *run) removeChild(c *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range r.children {
		if v == c {
			r.children = append(r.children[:i], r.children[i+1:]...)
			return
		}
	}
}

// findGate returns the run in the tree holding an open gate for nodeID.
func (r *run) findGate(nodeID string) *run {
	if r.gates.Waiting(nodeID) {
		return r
	}
	for _, c := range r.childRuns() {
		if found := c.findGate(nodeID); found != nil {
			return found
		}
	}
	return nil
}

// findNode returns the run in the tree whose workflow defines nodeID.
func (r *run) findNode(nodeID string) *run {
	if r.def.Node(nodeID) != nil {
		return r
	}
	for _, c := range r.childRuns() {
		if found := c.findNode(nodeID); found != nil {
			return found
		}
	}
	return nil
}

func (r *run) pendingTree() []string {
	ids := r.gates.Pending()
	for _, c := range r.childRuns() {
		ids = append(ids, c.pendingTree()...)
	}
	return ids
}

// --- gate host ---

func (r *run) gateOpened(nodeID string, gate *schema.HITLGateDefinition) {
	ctx := logging.WithNodeID(r.ctx, nodeID)
	r.eng.cfg.Metrics.gateOpened()
	revisions := r.nodeState(nodeID).RevisionCount
	_ = r.setNode(ctx, nodeID, schema.NodeWaitingGate, nodeUpdate{
		Message: gate.Prompt,
		Payload: map[string]any{
			"prompt":         gate.Prompt,
			"options":        gate.Options,
			"required":       gate.Required,
			"revision_count": revisions,
		},
	})
	_ = r.setStatus(ctx, schema.ExecutionWaitingGate, "", nil, schema.ExecutionRunning)
	// A child gate holds every ancestor too.
	for p := r.parent; p != nil; p = p.parent {
		_ = p.setStatus(p.ctx, schema.ExecutionWaitingGate, "", nil, schema.ExecutionRunning)
	}
}

func (r *run) gateClosed(nodeID string, res GateResult, remaining int) {
	ctx := logging.WithNodeID(r.ctx, nodeID)
	if !res.Headless {
		r.eng.cfg.Metrics.gateClosed()
	}
	payload := map[string]any{"decision": res.Decision.String(), "headless": res.Headless}
	if res.Value != "" {
		payload["value"] = res.Value
	}
	r.emit(ctx, schema.EventGateDecided, nodeID, fmt.Sprintf("Gate %s: %s", nodeID, res.Decision), payload)
	if remaining > 0 {
		return
	}
	// Ancestors resume only once nothing in their subtree is waiting.
	for p := r; p != nil; p = p.parent {
		if len(p.pendingTree()) > 0 {
			return
		}
		_ = p.setStatus(p.ctx, schema.ExecutionRunning, "", nil, schema.ExecutionWaitingGate)
	}
}

func (r *run) revisionAllowed(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.exec.NodeStates[nodeID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", nodeID).WithNode(nodeID)
	}
	if st.RevisionCount >= schema.MaxRevisions {
		return schema.NewErrorf(schema.ErrCodeGate, "Maximum revisions (%d) reached for node %s", schema.MaxRevisions, nodeID).
			WithNode(nodeID).
			WithDetails(map[string]any{"revision_count": st.RevisionCount})
	}
	return nil
}

func (r *run) recordRevision(nodeID, feedback string) {
	var count int
	r.mutateNode(nodeID, func(st *schema.NodeExecutionState) {
		st.RevisionCount++
		st.Feedback = feedback
		count = st.RevisionCount
	})
	r.eng.cfg.Metrics.revised()
	r.emit(logging.WithNodeID(r.ctx, nodeID), schema.EventBlockRevision, nodeID,
		fmt.Sprintf("Revision %d/%d requested", count, schema.MaxRevisions),
		map[string]any{"revision": count, "feedback": feedback})
}
