package validation

import (
	"errors"
	"fmt"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/pkg/schema"
)

// validateDAG orders the graph the way the scheduler will. A cycle is
// reported as CYCLE_DETECTED; a parallel group that cannot form one lane is
// a GRAPH_ERROR.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if _, err := engine.TopoSort(def); err != nil {
		msg := "workflow contains a dependency cycle"
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			if stuck, ok := fe.Details["unresolved"].([]string); ok && len(stuck) > 0 {
				msg = fmt.Sprintf("%s involving %v", msg, stuck)
			}
		}
		result.AddError("transitions", schema.ErrCodeCycleDetected, msg)
		return result
	}

	if _, err := engine.BuildLanes(def); err != nil {
		msg := err.Error()
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			msg = fe.Message
		}
		result.AddError("parallel_groups", schema.ErrCodeGraph, msg)
		return result
	}

	// Nodes with no way in and no way out are legal roots but usually a typo.
	if len(def.Nodes) > 1 {
		connected := make(map[string]bool, len(def.Nodes))
		for _, t := range def.Transitions {
			connected[t.Source] = true
			connected[t.Target] = true
		}
		for _, n := range def.Nodes {
			if fe := n.Config.ForEach; fe != nil && len(fe.Body) > 0 {
				connected[n.ID] = true
				for _, id := range fe.Body {
					connected[id] = true
				}
			}
			if c := n.Config.Condition; c != nil && (c.TrueBranch != "" || c.FalseBranch != "") {
				connected[n.ID] = true
				connected[c.TrueBranch] = true
				connected[c.FalseBranch] = true
			}
		}
		for _, pg := range def.ParallelGroups {
			for _, id := range pg.NodeIDs {
				connected[id] = true
			}
		}
		for i, n := range def.Nodes {
			if !connected[n.ID] {
				result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
					fmt.Sprintf("node %q has no transitions and runs as an independent root", n.ID))
			}
		}
	}

	return result
}
