package validation

import (
	"fmt"
	"regexp"
	"time"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/pkg/schema"
)

// nodeIDPattern keeps ids safe for deliverable paths and log keys.
var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// highRetryCount is the max_retries value above which a warning is raised.
const highRetryCount = 10

// validateSemantic checks references and per-node configuration that the
// structural schema cannot express.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if !nodeIDPattern.MatchString(n.ID) {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("node id %q must match %s", n.ID, nodeIDPattern))
		}
		if nodeIDs[n.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodeIDs[n.ID] = true
	}

	for i := range def.Nodes {
		validateNode(def, &def.Nodes[i], fmt.Sprintf("nodes[%d]", i), nodeIDs, result)
	}

	for i, t := range def.Transitions {
		path := fmt.Sprintf("transitions[%d]", i)
		if !nodeIDs[t.Source] {
			result.AddError(path+".source", schema.ErrCodeValidation, fmt.Sprintf("references non-existent node %q", t.Source))
		}
		if !nodeIDs[t.Target] {
			result.AddError(path+".target", schema.ErrCodeValidation, fmt.Sprintf("references non-existent node %q", t.Target))
		}
		if t.Condition.Type == schema.ConditionExpression && t.Condition.Expression == "" {
			result.AddError(path+".condition.expression", schema.ErrCodeValidation, "expression transition requires an expression")
		}
	}

	gated := make(map[string]bool, len(def.Gates))
	for i, g := range def.Gates {
		path := fmt.Sprintf("gates[%d]", i)
		n := def.Node(g.NodeID)
		switch {
		case n == nil:
			result.AddError(path+".node_id", schema.ErrCodeValidation, fmt.Sprintf("references non-existent node %q", g.NodeID))
		case n.IsControl():
			result.AddError(path+".node_id", schema.ErrCodeValidation, fmt.Sprintf("gate on control node %q is not supported", g.NodeID))
		}
		if gated[g.NodeID] {
			result.AddError(path+".node_id", schema.ErrCodeValidation, fmt.Sprintf("node %q has more than one gate", g.NodeID))
		}
		gated[g.NodeID] = true
		validateGateOptions(g, path, result)
	}

	for i, pg := range def.ParallelGroups {
		for j, id := range pg.NodeIDs {
			if !nodeIDs[id] {
				result.AddError(fmt.Sprintf("parallel_groups[%d].node_ids[%d]", i, j), schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent node %q", id))
			}
		}
	}

	for i, v := range def.Variables {
		if expressions.IsReserved(v.Name) {
			result.AddError(fmt.Sprintf("variables[%d].name", i), schema.ErrCodeValidation,
				fmt.Sprintf("variable name %q is reserved", v.Name))
		}
		if nodeIDs[v.Name] && isCondition(def.Node(v.Name)) {
			result.AddWarning(fmt.Sprintf("variables[%d].name", i), schema.ErrCodeValidation,
				fmt.Sprintf("variable %q is overwritten by the condition node of the same id", v.Name))
		}
	}

	if def.Timeout != "" {
		if d, err := time.ParseDuration(def.Timeout); err != nil || d <= 0 {
			result.AddError("timeout", schema.ErrCodeValidation, fmt.Sprintf("invalid workflow timeout %q", def.Timeout))
		}
	}

	return result
}

func validateNode(def *schema.WorkflowDefinition, n *schema.AgentNode, path string, nodeIDs map[string]bool, result *schema.ValidationResult) {
	cfg := n.Config

	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err != nil || d <= 0 {
			result.AddError(path+".config.timeout", schema.ErrCodeValidation, fmt.Sprintf("invalid timeout %q", cfg.Timeout))
		}
	}
	if cfg.MaxRetries > highRetryCount {
		result.AddWarning(path+".config.max_retries", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", cfg.MaxRetries))
	}

	if !n.IsControl() {
		if cfg.Backend == schema.BackendRemote && cfg.Endpoint == "" {
			result.AddError(path+".config.endpoint", schema.ErrCodeValidation, "remote backend requires an endpoint")
		}
		if cfg.Condition != nil || cfg.ForEach != nil || cfg.SubWorkflow != nil {
			result.AddWarning(path+".config", schema.ErrCodeValidation, "control-flow config on an agent node is ignored")
		}
		return
	}

	switch n.Type {
	case schema.ControlCondition:
		c := cfg.Condition
		if c == nil || c.Expression == "" {
			result.AddError(path+".config.condition", schema.ErrCodeValidation, "condition node requires an expression")
			return
		}
		branches := [][2]string{{"true_branch", c.TrueBranch}, {"false_branch", c.FalseBranch}}
		for _, b := range branches {
			if b[1] != "" && !nodeIDs[b[1]] {
				result.AddError(path+".config.condition."+b[0], schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent node %q", b[1]))
			}
		}
	case schema.ControlForEach:
		fe := cfg.ForEach
		if fe == nil || fe.Collection == "" || len(fe.Body) == 0 {
			result.AddError(path+".config.for_each", schema.ErrCodeValidation, "forEach node requires a collection and a body")
			return
		}
		for j, id := range fe.Body {
			bodyPath := fmt.Sprintf("%s.config.for_each.body[%d]", path, j)
			switch {
			case !nodeIDs[id]:
				result.AddError(bodyPath, schema.ErrCodeValidation, fmt.Sprintf("references non-existent node %q", id))
			case id == n.ID:
				result.AddError(bodyPath, schema.ErrCodeValidation, "forEach node cannot be its own body")
			case len(def.Incoming(id)) > 0:
				result.AddWarning(bodyPath, schema.ErrCodeValidation,
					fmt.Sprintf("transitions into body node %q are ignored; it runs once per iteration", id))
			}
		}
		for _, name := range []string{fe.ItemVar, fe.IndexVar} {
			if expressions.IsReserved(name) {
				result.AddError(path+".config.for_each", schema.ErrCodeValidation, fmt.Sprintf("loop variable %q is reserved", name))
			}
		}
	case schema.ControlSubWorkflow:
		if cfg.SubWorkflow == nil || cfg.SubWorkflow.WorkflowID == "" {
			result.AddError(path+".config.sub_workflow", schema.ErrCodeValidation, "subWorkflow node requires a workflow_id")
		}
	default:
		result.AddError(path+".type", schema.ErrCodeValidation,
			fmt.Sprintf("unknown control node type %q (want %s, %s or %s)", n.Type,
				schema.ControlCondition, schema.ControlForEach, schema.ControlSubWorkflow))
	}
}

func validateGateOptions(g schema.HITLGateDefinition, path string, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(g.Options))
	defaults := 0
	for j, o := range g.Options {
		if seen[o.Value] {
			result.AddError(fmt.Sprintf("%s.options[%d].value", path, j), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate option %q", o.Value))
		}
		seen[o.Value] = true
		if o.Value == engine.RejectSentinel && o.Default {
			result.AddWarning(fmt.Sprintf("%s.options[%d]", path, j), schema.ErrCodeValidation,
				"reject is the default option; an empty decision fails the node")
		}
		if o.Default {
			defaults++
		}
	}
	if defaults > 1 {
		result.AddWarning(path+".options", schema.ErrCodeValidation, "more than one default option; the first one wins")
	}
}

func isCondition(n *schema.AgentNode) bool {
	return n != nil && n.IsControl() && n.Type == schema.ControlCondition
}
