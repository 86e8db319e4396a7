package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/logging"
	"github.com/rendis/flowgate/pkg/schema"
)

const (
	defaultItemVar  = "item"
	defaultIndexVar = "index"
)

// runControl executes a condition, forEach or subWorkflow node inline and
// settles its state. The returned error is the node's failure.
func (r *run) runControl(ctx context.Context, node *schema.AgentNode) error {
	ctx, span := r.eng.tracer.Start(ctx, node.Type+" "+node.ID, trace.WithAttributes(
		attribute.String("flowgate.node_id", node.ID),
		attribute.String("flowgate.control", node.Type),
	))
	defer span.End()
	ctx = logging.WithNodeID(ctx, node.ID)

	if err := r.setNode(ctx, node.ID, schema.NodeRunning, nodeUpdate{
		Message: fmt.Sprintf("Running %s %s", node.Type, node.DisplayName()),
		Payload: map[string]any{"type": node.Type},
	}); err != nil {
		return err
	}

	var (
		out any
		err error
	)
	switch node.Type {
	case schema.ControlCondition:
		out, err = r.handleCondition(ctx, node)
	case schema.ControlForEach:
		out, err = r.handleForEach(ctx, node)
	case schema.ControlSubWorkflow:
		out, err = r.handleSubWorkflow(ctx, node)
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation, "unknown control node type %q", node.Type).WithNode(node.ID)
	}

	if err != nil {
		msg := errMessage(err)
		_ = r.setNode(ctx, node.ID, schema.NodeFailed, nodeUpdate{
			Message: msg,
			Payload: map[string]any{"code": schema.CodeOf(err)},
			Apply: func(st *schema.NodeExecutionState) {
				st.Error = msg
				st.Output = out
			},
		})
		return err
	}
	_ = r.setNode(ctx, node.ID, schema.NodeCompleted, nodeUpdate{
		Message: fmt.Sprintf("%s completed", node.ID),
		Apply:   func(st *schema.NodeExecutionState) { st.Output = out },
	})
	return nil
}

// handleCondition stores the expression result under the node id and marks
// the untaken branch for skipping. Evaluation errors count as false.
func (r *run) handleCondition(ctx context.Context, node *schema.AgentNode) (any, error) {
	cfg := node.Config.Condition
	if cfg == nil || cfg.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "condition node has no expression").WithNode(node.ID)
	}

	payload := map[string]any{"expression": cfg.Expression}
	result, err := r.eng.eval.EvaluateBool(ctx, cfg.Expression, r.scope())
	if err != nil {
		payload["error"] = err.Error()
		result = false
	}

	taken, untaken := r.applyCondition(node, result)
	payload["result"] = result
	payload["taken"] = taken
	payload["skipped"] = untaken
	r.emit(ctx, schema.EventConditionEvaluated, node.ID, fmt.Sprintf("Condition %s evaluated to %t", node.ID, result), payload)
	return map[string]any{"result": result, "branch": taken}, nil
}

func (r *run) applyCondition(node *schema.AgentNode, result bool) (taken, untaken string) {
	cfg := node.Config.Condition
	taken, untaken = cfg.TrueBranch, cfg.FalseBranch
	if !result {
		taken, untaken = untaken, taken
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.Variables[node.ID] = result
	if untaken != "" && untaken != taken {
		r.skipEligible[untaken] = node.ID
	}
	return taken, untaken
}

// restoreCondition re-applies the branch choice of a condition node that is
// carried over from a previous execution.
func (r *run) restoreCondition(node *schema.AgentNode, output any) {
	if node.Config.Condition == nil {
		return
	}
	m, ok := output.(map[string]any)
	if !ok {
		return
	}
	if result, ok := m["result"].(bool); ok {
		r.applyCondition(node, result)
	}
}

// handleForEach drives the body nodes once per collection item, up to the
// iteration limit. A body failure stops the loop and fails the node.
func (r *run) handleForEach(ctx context.Context, node *schema.AgentNode) (any, error) {
	cfg := node.Config.ForEach
	if cfg == nil || cfg.Collection == "" || len(cfg.Body) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "forEach node needs a collection and a body").WithNode(node.ID)
	}
	for _, id := range cfg.Body {
		if r.def.Node(id) == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "forEach body node %s does not exist", id).WithNode(node.ID)
		}
	}

	items := r.resolveCollection(ctx, cfg.Collection)
	limit := cfg.MaxIterations
	if limit <= 0 {
		limit = DefaultMaxIterations
	}
	n := min(len(items), limit)
	itemVar, indexVar := cfg.ItemVar, cfg.IndexVar
	if itemVar == "" {
		itemVar = defaultItemVar
	}
	if indexVar == "" {
		indexVar = defaultIndexVar
	}

	results := make([]any, 0, n)
	for i := 0; i < n; i++ {
		if !r.waitWhilePaused(ctx) {
			return map[string]any{"iterations": i, "results": results}, r.stopError(node.ID)
		}
		r.setVariable(itemVar, items[i])
		r.setVariable(indexVar, i)
		r.emit(ctx, schema.EventForEachIteration, node.ID, fmt.Sprintf("Iteration %d/%d", i+1, n),
			map[string]any{"index": i, "total": n, "item": items[i]})

		iteration := make(map[string]any, len(cfg.Body))
		for _, id := range cfg.Body {
			if err := r.driveBody(ctx, r.def.Node(id)); err != nil {
				partial := map[string]any{"iterations": i + 1, "results": results}
				if errors.Is(err, schema.ErrAborted) {
					return partial, schema.ErrAborted.WithNode(node.ID)
				}
				return partial, schema.NewErrorf(schema.CodeOf(err), "iteration %d: %s failed: %s", i, id, errMessage(err)).
					WithNode(node.ID).WithCause(err)
			}
			iteration[id] = r.nodeState(id).Output
		}
		results = append(results, iteration)
	}

	r.emit(ctx, schema.EventForEachCompleted, node.ID, fmt.Sprintf("forEach %s ran %d iterations", node.ID, n),
		map[string]any{"iterations": n, "collection_size": len(items)})
	return map[string]any{"iterations": n, "results": results}, nil
}

func (r *run) driveBody(ctx context.Context, body *schema.AgentNode) error {
	if body.IsControl() {
		return r.runControl(ctx, body)
	}
	return r.runAgentLane(ctx, body)
}

// resolveCollection looks the collection up as a variable name, then as an
// expression. Anything that is not a list yields no items.
func (r *run) resolveCollection(ctx context.Context, collection string) []any {
	r.mu.Lock()
	v, ok := r.exec.Variables[collection]
	r.mu.Unlock()
	if !ok {
		var err error
		v, err = r.eng.eval.Evaluate(ctx, collection, r.scope())
		if err != nil {
			r.eng.logger.DebugContext(ctx, "forEach collection unresolved", "collection", collection, "error", err)
			return nil
		}
	}
	return toSlice(v)
}

func toSlice(v any) []any {
	if items, ok := v.([]any); ok {
		return items
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func (r *run) stopError(nodeID string) error {
	if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "execution deadline exceeded").WithNode(nodeID)
	}
	return schema.ErrAborted.WithNode(nodeID)
}

// handleSubWorkflow runs a copy of the referenced workflow as a child run
// one level deeper and maps variables in and out.
func (r *run) handleSubWorkflow(ctx context.Context, node *schema.AgentNode) (any, error) {
	cfg := node.Config.SubWorkflow
	if cfg == nil || cfg.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "subWorkflow node has no workflow_id").WithNode(node.ID)
	}
	if r.depth >= schema.MaxSubWorkflowDepth {
		return nil, schema.NewErrorf(schema.ErrCodeDepthExceeded, "sub-workflow nesting depth %d reached the limit of %d", r.depth, schema.MaxSubWorkflowDepth).
			WithNode(node.ID).
			WithDetails(map[string]any{"depth": r.depth, "workflow_id": cfg.WorkflowID})
	}
	if r.eng.cfg.Workflows == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no workflow resolver configured").WithNode(node.ID)
	}
	src, err := r.eng.cfg.Workflows.ResolveWorkflow(ctx, cfg.WorkflowID)
	if err != nil || src == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s cannot be resolved", cfg.WorkflowID).WithNode(node.ID).WithCause(err)
	}

	def, err := src.DeepCopy()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "copy workflow %s: %v", cfg.WorkflowID, err).WithNode(node.ID)
	}
	r.mu.Lock()
	for childVar, parentVar := range cfg.InputMapping {
		if v, ok := r.exec.Variables[parentVar]; ok {
			setVariableDefault(def, childVar, v)
		}
	}
	workItem := maps.Clone(r.exec.WorkItem)
	r.mu.Unlock()

	lanes, err := BuildLanes(def)
	if err != nil {
		return nil, err
	}
	res := r.eng.validate(ctx, def)
	if err := res.ToError(); err != nil {
		return nil, err
	}

	child := newRun(ctx, r.eng, def, StartOptions{WorkItem: workItem}, r, r.ctl)
	child.lanes = lanes
	child.warnings = res.Warnings
	r.addChild(child)
	defer r.removeChild(child)

	r.emit(ctx, schema.EventSubWorkflowStarted, node.ID, fmt.Sprintf("Sub-workflow %s started", cfg.WorkflowID),
		map[string]any{"workflow_id": cfg.WorkflowID, "child_execution_id": child.exec.ID, "depth": child.depth})
	child.execute()
	final := child.snapshot()

	childScope := expressions.BuildScope(final.Variables, final.WorkItem, final.NodeStates)
	for parentVar, path := range cfg.OutputMapping {
		if v, ok := final.Variables[path]; ok {
			r.setVariable(parentVar, v)
			continue
		}
		v, err := r.eng.eval.Evaluate(ctx, string(expressions.DialectJQ)+":"+path, childScope)
		if err != nil {
			r.eng.logger.WarnContext(ctx, "sub-workflow output mapping failed", "variable", parentVar, "path", path, "error", err)
			continue
		}
		r.setVariable(parentVar, v)
	}

	r.emit(ctx, schema.EventSubWorkflowCompleted, node.ID, fmt.Sprintf("Sub-workflow %s %s", cfg.WorkflowID, final.Status),
		map[string]any{"workflow_id": cfg.WorkflowID, "child_execution_id": final.ID, "status": string(final.Status)})

	out := map[string]any{"execution_id": final.ID, "status": string(final.Status), "variables": final.Variables}
	switch final.Status {
	case schema.ExecutionCompleted:
		return out, nil
	case schema.ExecutionAborted:
		return out, schema.ErrAborted.WithNode(node.ID)
	default:
		code := schema.ErrCodeBackend
		if schema.IsCode(childCause(final), schema.ErrCodeDepthExceeded) {
			code = schema.ErrCodeDepthExceeded
		}
		return out, schema.NewErrorf(code, "sub-workflow %s %s: %s", cfg.WorkflowID, final.Status, final.Error).WithNode(node.ID)
	}
}

// childCause recovers the error code of the first failed node of a child run.
func childCause(exec *schema.Execution) error {
	for i := len(exec.Events) - 1; i >= 0; i-- {
		ev := exec.Events[i]
		if ev.Type != schema.EventNodeFailed {
			continue
		}
		if code, ok := ev.Payload["code"].(string); ok {
			return schema.NewError(code, ev.Message)
		}
	}
	return nil
}

func setVariableDefault(def *schema.WorkflowDefinition, name string, value any) {
	for i := range def.Variables {
		if def.Variables[i].Name == name {
			def.Variables[i].Default = value
			return
		}
	}
	def.Variables = append(def.Variables, schema.Variable{Name: name, Default: value})
}
