package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowgate/internal/backends"
	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/logging"
	"github.com/rendis/flowgate/internal/sandbox"
	"github.com/rendis/flowgate/pkg/schema"
)

// runSequential drives one node of a sequential lane.
func (r *run) runSequential(ctx context.Context, nodeID string) {
	node := r.def.Node(nodeID)
	if node == nil || !r.prepareNode(ctx, node) {
		return
	}
	if node.IsControl() {
		_ = r.runControl(ctx, node)
		r.checkpoint(ctx)
		return
	}
	r.runAgentLane(ctx, node)
	r.checkpoint(ctx)
}

// runAgentLane runs an agent node as a one-lane plan with in-place retries.
func (r *run) runAgentLane(ctx context.Context, node *schema.AgentNode) error {
	plan := Plan{Lanes: []Lane{singleLane(LaneSequential, node.ID)}, Strict: r.eng.cfg.StrictLanes}
	results := r.eng.lanes.Run(ctx, plan, func(ctx context.Context, _ string, sb *sandbox.Handle) TaskResult {
		return r.runAgent(ctx, node, sb, 0, true)
	})
	r.settle(ctx, results)
	return results[0].Err
}

// prepareNode decides whether a pending node should run now. Nodes that are
// resumed, driven elsewhere, on an untaken branch or ineligible are settled
// here and false is returned.
func (r *run) prepareNode(ctx context.Context, node *schema.AgentNode) bool {
	id := node.ID
	st := r.nodeState(id)

	if prev, ok := r.prior[id]; ok && st.Status == schema.NodePending {
		_ = r.setNode(ctx, id, schema.NodeCompleted, nodeUpdate{
			Event:   schema.EventNodeSkipped,
			Message: fmt.Sprintf("%s already completed in %s", id, r.exec.ReplayOf),
			Payload: map[string]any{"reason": "already_completed"},
			Apply: func(s *schema.NodeExecutionState) {
				s.Output = prev.Output
				s.ExitCode = prev.ExitCode
				s.SessionID = prev.SessionID
				s.Deliverable = prev.Deliverable
				s.Diff = prev.Diff
			},
		})
		if node.Type == schema.ControlCondition {
			r.restoreCondition(node, prev.Output)
		}
		return false
	}
	if st.Status != schema.NodePending || r.bodies[id] {
		return false
	}

	r.mu.Lock()
	cond, untaken := r.skipEligible[id]
	r.mu.Unlock()
	if untaken {
		_ = r.setNode(ctx, id, schema.NodeSkipped, nodeUpdate{
			Message: fmt.Sprintf("Branch not taken by %s", cond),
			Payload: map[string]any{"reason": "branch_not_taken", "condition": cond},
		})
		return false
	}

	ok, checks := r.eng.resolver.Eligible(ctx, r.def, id, r.statesCopy(), r.scope())
	if !ok {
		r.eng.logger.DebugContext(ctx, "node not eligible", "node_id", id, "checks", len(checks))
		_ = r.setNode(ctx, id, schema.NodeSkipped, nodeUpdate{
			Message: "No incoming transition is satisfied",
			Payload: map[string]any{"reason": "conditions_not_met", "checks": checks},
		})
		return false
	}
	return true
}

// settle fails nodes whose task ended without the node reaching a terminal
// status, e.g. strict-lane siblings that never started.
func (r *run) settle(ctx context.Context, results []TaskResult) {
	for _, res := range results {
		if !res.Failed() || r.nodeState(res.NodeID).Status.IsTerminal() {
			continue
		}
		err := res.Err
		_ = r.setNode(ctx, res.NodeID, schema.NodeFailed, nodeUpdate{
			Message: errMessage(err),
			Payload: map[string]any{"code": schema.CodeOf(err)},
			Apply:   func(st *schema.NodeExecutionState) { st.Error = errMessage(err) },
		})
	}
}

// runAgent dispatches node, then holds it at its gate until approved,
// rejected, aborted or revised. Revisions re-dispatch with the feedback.
func (r *run) runAgent(ctx context.Context, node *schema.AgentNode, sb *sandbox.Handle, attempt int, withRetry bool) TaskResult {
	ctx, span := r.eng.tracer.Start(ctx, "node "+node.ID, trace.WithAttributes(
		attribute.String("flowgate.node_id", node.ID),
		attribute.String("flowgate.backend", r.backendLabel(node.ID)),
	))
	defer span.End()
	ctx = logging.WithNodeID(ctx, node.ID)

	gate := gateFor(r.def, node)
	feedback := ""
	reviewed := false
	for {
		last := r.dispatch(ctx, node, sb, feedback, attempt, withRetry)
		if !last.Succeeded() {
			return r.failAgent(ctx, node, last)
		}
		if gate == nil || reviewed {
			r.completeNode(ctx, node.ID, "")
			return TaskResult{}
		}

		res, err := r.gates.Open(ctx, gate, node.ID)
		if err != nil {
			return r.failAgent(ctx, node, AttemptResult{ExitCode: 1, Err: err})
		}
		switch res.Decision {
		case GateApprove:
			r.completeNode(ctx, node.ID, res.Value)
			return TaskResult{}
		case GateReject:
			err := schema.NewErrorf(schema.ErrCodeGate, "rejected at gate").WithNode(node.ID)
			return r.failAgent(ctx, node, AttemptResult{ExitCode: 1, Err: err})
		case GateAbort:
			return r.failAgent(ctx, node, AttemptResult{ExitCode: 1, Err: schema.ErrAborted.WithNode(node.ID)})
		case GateRevise:
			feedback = res.Feedback
			reviewed = node.Config.GateMode == schema.GateModeReviewOnce
			attempt = 0
		}
	}
}

func (r *run) dispatch(ctx context.Context, node *schema.AgentNode, sb *sandbox.Handle, feedback string, attempt int, withRetry bool) AttemptResult {
	if !withRetry {
		return r.attempt(ctx, node, sb, feedback, attempt)
	}
	policy := RetryPolicyFor(node, r.eng.cfg.DefaultBackoffMs)
	res := ExecuteWithRetry(ctx, func(ctx context.Context, n int) AttemptResult {
		return r.attempt(ctx, node, sb, feedback, n)
	}, policy, RetryCallbacks{
		OnRetry: func(retry int, delay time.Duration, last AttemptResult) {
			r.recordRetry(ctx, node, retry, policy.MaxRetries, delay, last)
		},
		OnExhausted: func(attempts int, last AttemptResult) {
			r.recordExhausted(ctx, node, attempts, last)
		},
		Aborted: r.ctl.aborted.Load,
	})
	return res.Last
}

// attempt runs one dispatch of node and records its outcome.
func (r *run) attempt(ctx context.Context, node *schema.AgentNode, sb *sandbox.Handle, feedback string, n int) AttemptResult {
	id := node.ID
	if err := r.setNode(ctx, id, schema.NodeRunning, nodeUpdate{
		Message: fmt.Sprintf("Dispatching %s", node.DisplayName()),
		Payload: map[string]any{"attempt": n, "backend": r.backendLabel(id)},
		Apply: func(st *schema.NodeExecutionState) {
			st.Error = ""
			st.ExitCode = nil
		},
	}); err != nil {
		return AttemptResult{ExitCode: 1, Err: err}
	}

	d, err := r.eng.cfg.Backends.Resolve(node)
	if err != nil {
		return AttemptResult{ExitCode: 1, Err: err}
	}

	rendered := r.render(ctx, node)
	prompt := backends.AssemblePrompt(backends.PromptInput{
		Rules:        r.def.Rules,
		Node:         rendered,
		PriorResults: r.priorResults(id),
		Feedback:     feedback,
	})
	req := backends.Request{
		ExecutionID: r.exec.ID,
		Node:        rendered,
		Prompt:      prompt,
		WorkingDir:  r.workingDir(),
		Sandbox:     sb,
		Timeout:     ComputeProgressiveTimeout(node.Config.TimeoutDuration(r.eng.cfg.DefaultTimeout), n),
		Attempt:     n,
		Emit: func(eventType, message string, payload map[string]any) {
			r.emit(ctx, eventType, id, message, payload)
		},
	}

	dir := req.Dir()
	coding := node.Type == schema.NodeTypeCoding && dir != ""
	var base string
	if coding {
		if base, err = backends.DiffBase(ctx, dir); err != nil {
			r.eng.logger.DebugContext(ctx, "no diff base", "dir", dir, "error", err)
			coding = false
		}
	}

	out, err := d.Dispatch(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, schema.ErrAborted):
			return AttemptResult{ExitCode: TimeoutExitCode, Err: err}
		case schema.IsCode(err, schema.ErrCodeTimeout):
			return AttemptResult{ExitCode: TimeoutExitCode, Err: err}
		default:
			return AttemptResult{ExitCode: 1, Err: err}
		}
	}

	r.recordOutcome(id, out)
	if !out.Succeeded() {
		code := schema.ErrCodeBackend
		if out.TimedOut() {
			code = schema.ErrCodeTimeout
		}
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("exited with code %d", out.ExitCode)
		}
		return AttemptResult{
			ExitCode: out.ExitCode,
			Output:   msg,
			Err:      schema.NewError(code, msg).WithNode(id).WithDetails(map[string]any{"exit_code": out.ExitCode}),
		}
	}

	r.captureArtifacts(ctx, node, dir, coding, base)
	return AttemptResult{ExitCode: 0, Output: expressions.Stringify(out.Output)}
}

func (r *run) recordOutcome(nodeID string, out *backends.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.exec.NodeStates[nodeID]
	if !ok {
		return
	}
	code := out.ExitCode
	st.ExitCode = &code
	st.Output = out.Output
	if out.SessionID != "" {
		st.SessionID = out.SessionID
	}
	st.CostUSD += out.CostUSD
	r.exec.CostUSD += out.CostUSD
}

// captureArtifacts reads the deliverable file and, for coding nodes, the
// working tree diff. Neither can fail the node.
func (r *run) captureArtifacts(ctx context.Context, node *schema.AgentNode, dir string, coding bool, base string) {
	id := node.ID
	if dir != "" && backends.ValidNodeID(id) {
		if deliverable, ok := backends.ReadDeliverable(dir, id); ok {
			keys := slices.Sorted(maps.Keys(deliverable))
			payload := map[string]any{"path": backends.DeliverablePath(dir, id), "keys": keys}
			if doc := node.Config.DeliverableSchema; doc != nil && r.eng.cfg.Validator != nil {
				if err := r.eng.cfg.Validator.CheckDeliverable(doc, deliverable); err != nil {
					payload["schema_error"] = err.Error()
				}
			}
			r.mutateNode(id, func(st *schema.NodeExecutionState) { st.Deliverable = deliverable })
			r.emit(ctx, schema.EventDeliverableCaptured, id, fmt.Sprintf("Captured deliverable of %s", id), payload)
		}
	}

	if !coding {
		return
	}
	diff, err := backends.CaptureDiff(ctx, dir, base)
	if err != nil {
		r.eng.logger.WarnContext(ctx, "diff capture failed", "dir", dir, "error", err)
		return
	}
	if diff == "" {
		return
	}
	r.mutateNode(id, func(st *schema.NodeExecutionState) { st.Diff = diff })
	r.emit(ctx, schema.EventDiffCaptured, id, fmt.Sprintf("Captured diff of %s", id), map[string]any{"bytes": len(diff), "base": base})
}

func (r *run) completeNode(ctx context.Context, nodeID, decision string) {
	payload := map[string]any{}
	if decision != "" {
		payload["decision"] = decision
	}
	st := r.nodeState(nodeID)
	if st.ExitCode != nil {
		payload["exit_code"] = *st.ExitCode
	}
	if st.RetryCount > 0 {
		payload["retry_count"] = st.RetryCount
	}
	_ = r.setNode(ctx, nodeID, schema.NodeCompleted, nodeUpdate{
		Message: fmt.Sprintf("%s completed", nodeID),
		Payload: payload,
	})
}

func (r *run) failAgent(ctx context.Context, node *schema.AgentNode, last AttemptResult) TaskResult {
	err := last.Err
	if err == nil {
		err = schema.NewErrorf(schema.ErrCodeBackend, "exited with code %d", last.ExitCode).WithNode(node.ID)
	}
	aborted := last.Aborted()
	msg := errMessage(err)
	_ = r.setNode(ctx, node.ID, schema.NodeFailed, nodeUpdate{
		Message: msg,
		Payload: map[string]any{"exit_code": last.ExitCode, "code": schema.CodeOf(err)},
		Apply:   func(st *schema.NodeExecutionState) { st.Error = msg },
	})
	return TaskResult{
		Err:       err,
		Aborted:   aborted,
		Retryable: !aborted && !schema.IsCode(err, schema.ErrCodeGate) && IsRetryable(last.ExitCode, node.Config.RetryableCodes),
	}
}

func (r *run) recordRetry(ctx context.Context, node *schema.AgentNode, retry, maxRetries int, delay time.Duration, last AttemptResult) {
	r.mutateNode(node.ID, func(st *schema.NodeExecutionState) {
		now := time.Now().UTC()
		st.RetryCount++
		st.LastRetryAt = &now
	})
	r.eng.cfg.Metrics.retried(r.backendLabel(node.ID))
	payload := map[string]any{"retry": retry, "max_retries": maxRetries, "delay_ms": delay.Milliseconds(), "exit_code": last.ExitCode}
	if last.Err != nil {
		payload["error"] = errMessage(last.Err)
	}
	r.emit(ctx, schema.EventNodeRetry, node.ID, fmt.Sprintf("Retry %d/%d in %s", retry, maxRetries, delay), payload)
}

func (r *run) recordExhausted(ctx context.Context, node *schema.AgentNode, attempts int, last AttemptResult) {
	r.emit(ctx, schema.EventNodeRetryExhausted, node.ID, fmt.Sprintf("%s failed after %d attempts", node.ID, attempts),
		map[string]any{"attempts": attempts, "exit_code": last.ExitCode})
}

// render resolves ${{ }} placeholders in the node's prompt fields.
func (r *run) render(ctx context.Context, node *schema.AgentNode) schema.AgentNode {
	out := *node
	scope := r.scope()
	interp := func(field, text string) string {
		s, err := r.eng.eval.Interpolate(ctx, text, scope)
		if err != nil {
			r.eng.logger.DebugContext(ctx, "interpolation incomplete", "field", field, "error", err)
		}
		return s
	}
	out.Config.Task = interp("task", node.Config.Task)
	out.Config.PromptPrefix = interp("prompt_prefix", node.Config.PromptPrefix)
	out.Config.SystemPrompt = interp("system_prompt", node.Config.SystemPrompt)
	out.Config.Checklist = make([]string, len(node.Config.Checklist))
	for i, item := range node.Config.Checklist {
		out.Config.Checklist[i] = interp("checklist", item)
	}
	return out
}

// priorResults lists the deliverables of completed nodes in definition order.
func (r *run) priorResults(exclude string) []backends.PriorResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []backends.PriorResult
	for _, n := range r.def.Nodes {
		if n.ID == exclude {
			continue
		}
		st := r.exec.NodeStates[n.ID]
		if st == nil || st.Status != schema.NodeCompleted || st.Deliverable == nil {
			continue
		}
		out = append(out, backends.PriorResult{NodeID: n.ID, Label: n.Label, Deliverable: st.Deliverable})
	}
	return out
}

func (r *run) workingDir() string {
	if r.def.WorkingDir != "" {
		return r.def.WorkingDir
	}
	return r.eng.cfg.WorkingDir
}

// --- parallel lanes ---

// runParallelLane fans eligible members out through the lane executor, then
// retries retryable failures one node at a time.
func (r *run) runParallelLane(ctx context.Context, lane Lane) {
	var members []string
	unpooled := make(map[string]bool)
	for _, id := range lane.NodeIDs {
		node := r.def.Node(id)
		if node == nil || !r.prepareNode(ctx, node) {
			continue
		}
		members = append(members, id)
		if node.IsControl() {
			unpooled[id] = true
		}
	}
	if len(members) == 0 {
		return
	}

	strict := r.eng.cfg.StrictLanes
	r.emit(ctx, schema.EventLaneStarted, "", fmt.Sprintf("Lane %s started", lane.ID),
		map[string]any{"lane_id": lane.ID, "node_ids": members, "strict": strict})

	plan := Plan{Lanes: []Lane{{ID: lane.ID, Kind: LaneParallel, NodeIDs: members}}, Strict: strict, Unpooled: unpooled}
	results := r.eng.lanes.Run(ctx, plan, r.laneTask(0))
	r.settle(ctx, results)
	results = r.retryFailed(ctx, results)

	completed, failed := 0, 0
	for _, res := range results {
		if res.Failed() {
			failed++
		} else {
			completed++
		}
	}
	r.emit(ctx, schema.EventLaneCompleted, "", fmt.Sprintf("Lane %s completed", lane.ID),
		map[string]any{"lane_id": lane.ID, "completed": completed, "failed": failed})
	r.checkpoint(ctx)
}

// laneTask runs a lane member with a single dispatch attempt.
func (r *run) laneTask(attempt int) TaskFunc {
	return func(ctx context.Context, id string, sb *sandbox.Handle) TaskResult {
		node := r.def.Node(id)
		if node.IsControl() {
			if err := r.runControl(ctx, node); err != nil {
				return TaskResult{Err: err, Aborted: errors.Is(err, schema.ErrAborted)}
			}
			return TaskResult{}
		}
		return r.runAgent(ctx, node, sb, attempt, false)
	}
}

// retryFailed re-submits each retryable failure as a one-node parallel plan
// until it succeeds or its retries run out.
func (r *run) retryFailed(ctx context.Context, results []TaskResult) []TaskResult {
	for i, res := range results {
		if !res.Failed() || res.Aborted || !res.Retryable {
			continue
		}
		node := r.def.Node(res.NodeID)
		policy := RetryPolicyFor(node, r.eng.cfg.DefaultBackoffMs)
		last := res
		for retry := 1; retry <= policy.MaxRetries; retry++ {
			if r.stopped() {
				break
			}
			delay := ComputeBackoff(retry-1, policy.BackoffBaseMs)
			r.recordRetry(ctx, node, retry, policy.MaxRetries, delay, AttemptResult{ExitCode: exitCodeOf(r.nodeState(node.ID)), Err: last.Err})
			if WaitForBackoff(ctx, delay) != nil || r.stopped() {
				break
			}
			plan := Plan{Lanes: []Lane{singleLane(LaneParallel, node.ID)}, Strict: r.eng.cfg.StrictLanes}
			rr := r.eng.lanes.Run(ctx, plan, r.laneTask(retry))
			r.settle(ctx, rr)
			last = rr[0]
			if !last.Failed() || last.Aborted || !last.Retryable {
				break
			}
			if retry == policy.MaxRetries {
				r.recordExhausted(ctx, node, retry+1, AttemptResult{ExitCode: exitCodeOf(r.nodeState(node.ID)), Err: last.Err})
			}
		}
		results[i] = last
	}
	return results
}

func exitCodeOf(st schema.NodeExecutionState) int {
	if st.ExitCode == nil {
		return TimeoutExitCode
	}
	return *st.ExitCode
}

// errMessage is the human message of err without the code prefix.
func errMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
