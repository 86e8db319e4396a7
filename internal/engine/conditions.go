package engine

import (
	"context"
	"fmt"

	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/pkg/schema"
)

// TransitionCheck records how one incoming transition was judged.
type TransitionCheck struct {
	Source    string `json:"source"`
	Type      string `json:"type"`
	Satisfied bool   `json:"satisfied"`
	Error     string `json:"error,omitempty"`
}

// ConditionResolver decides whether a node may run given its incoming transitions.
type ConditionResolver struct {
	eval *expressions.Evaluator
}

// NewConditionResolver returns a resolver that evaluates expression
// transitions with eval.
func NewConditionResolver(eval *expressions.Evaluator) *ConditionResolver {
	return &ConditionResolver{eval: eval}
}

// Eligible reports whether any incoming transition of nodeID is satisfied.
// Nodes without incoming transitions are always eligible.
func (r *ConditionResolver) Eligible(ctx context.Context, def *schema.WorkflowDefinition, nodeID string, states map[string]*schema.NodeExecutionState, scope map[string]any) (bool, []TransitionCheck) {
	incoming := def.Incoming(nodeID)
	if len(incoming) == 0 {
		return true, nil
	}

	checks := make([]TransitionCheck, 0, len(incoming))
	eligible := false
	for _, t := range incoming {
		var src schema.NodeStatus
		if st, ok := states[t.Source]; ok {
			src = st.Status
		}
		ok, err := r.Satisfied(ctx, t, src, scope)
		check := TransitionCheck{Source: t.Source, Type: string(conditionType(t)), Satisfied: ok}
		if err != nil {
			check.Error = err.Error()
		}
		checks = append(checks, check)
		eligible = eligible || ok
	}
	return eligible, checks
}

// Satisfied evaluates one transition against its source's status. An
// expression that fails to parse or evaluate is not satisfied; the error is
// returned for reporting only.
func (r *ConditionResolver) Satisfied(ctx context.Context, t schema.Transition, source schema.NodeStatus, scope map[string]any) (bool, error) {
	switch conditionType(t) {
	case schema.ConditionAlways:
		return true, nil
	case schema.ConditionOnSuccess:
		return source == schema.NodeCompleted, nil
	case schema.ConditionOnFailure:
		return source == schema.NodeFailed, nil
	case schema.ConditionExpression:
		if r.eval == nil {
			return false, schema.NewError(schema.ErrCodeExpression, "no expression evaluator configured")
		}
		ok, err := r.eval.EvaluateBool(ctx, t.Condition.Expression, scope)
		if err != nil {
			return false, err
		}
		return ok, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown transition condition %q", t.Condition.Type)
	}
}

func conditionType(t schema.Transition) schema.ConditionType {
	if t.Condition.Type == "" {
		return schema.ConditionAlways
	}
	return t.Condition.Type
}

// ExpressionIssues compiles every transition and condition-node expression,
// plus the ${{ }} placeholders in prompts, and reports failures as EXPRESSION_COMPILE warnings. Such transitions are
// never satisfied at runtime, so the warning is the only place the mistake
// becomes visible.
func ExpressionIssues(def *schema.WorkflowDefinition, eval *expressions.Evaluator) *schema.ValidationResult {
	res := &schema.ValidationResult{}
	if eval == nil {
		return res
	}
	for i, t := range def.Transitions {
		if conditionType(t) != schema.ConditionExpression {
			continue
		}
		path := fmt.Sprintf("transitions[%d].condition.expression", i)
		if t.Condition.Expression == "" {
			res.AddWarning(path, schema.ErrCodeExpression, fmt.Sprintf("transition %s -> %s has an empty expression", t.Source, t.Target))
			continue
		}
		if err := eval.Check(t.Condition.Expression); err != nil {
			res.AddWarning(path, schema.ErrCodeExpression, fmt.Sprintf("transition %s -> %s: %v", t.Source, t.Target, err))
		}
	}
	for i, n := range def.Nodes {
		if n.Config.Condition == nil || n.Config.Condition.Expression == "" {
			continue
		}
		if err := eval.Check(n.Config.Condition.Expression); err != nil {
			res.AddWarning(fmt.Sprintf("nodes[%d].config.condition.expression", i), schema.ErrCodeExpression,
				fmt.Sprintf("condition node %s: %v", n.ID, err))
		}
	}
	for i, n := range def.Nodes {
		checkPlaceholders(res, eval, fmt.Sprintf("nodes[%d].config.system_prompt", i), n.Config.SystemPrompt)
		checkPlaceholders(res, eval, fmt.Sprintf("nodes[%d].config.prompt_prefix", i), n.Config.PromptPrefix)
		checkPlaceholders(res, eval, fmt.Sprintf("nodes[%d].config.task", i), n.Config.Task)
	}
	for i, g := range def.Gates {
		checkPlaceholders(res, eval, fmt.Sprintf("gates[%d].prompt", i), g.Prompt)
	}
	return res
}

// checkPlaceholders compiles each ${{ }} body in text. Interpolation keeps a
// failing placeholder verbatim, so a typo here only shows up in the prompt.
func checkPlaceholders(res *schema.ValidationResult, eval *expressions.Evaluator, path, text string) {
	for _, body := range expressions.Placeholders(text) {
		if err := eval.Check(body); err != nil {
			res.AddWarning(path, schema.ErrCodeExpression, fmt.Sprintf("placeholder %q: %v", body, err))
		}
	}
}
