package expressions

import (
	"maps"

	"github.com/rendis/flowgate/pkg/schema"
)

// Reserved scope keys. Execution variables with these names are shadowed.
const (
	ScopeVars     = "vars"
	ScopeNodes    = "nodes"
	ScopeWorkItem = "work_item"
)

// BuildScope assembles the evaluation environment for an execution:
// every variable at the top level, the same map under "vars", node results
// under "nodes" and the work item under "work_item".
func BuildScope(vars, workItem map[string]any, states map[string]*schema.NodeExecutionState) map[string]any {
	scope := make(map[string]any, len(vars)+3)
	maps.Copy(scope, vars)

	nodes := make(map[string]any, len(states))
	for id, st := range states {
		view := map[string]any{
			"status": string(st.Status),
			"output": st.Output,
			"error":  st.Error,
		}
		if st.ExitCode != nil {
			view["exit_code"] = *st.ExitCode
		}
		if st.Deliverable != nil {
			view["deliverable"] = st.Deliverable
		}
		nodes[id] = view
	}

	scope[ScopeVars] = maps.Clone(vars)
	scope[ScopeNodes] = nodes
	if workItem == nil {
		workItem = map[string]any{}
	}
	scope[ScopeWorkItem] = workItem
	return scope
}

// IsReserved reports whether a variable name collides with a scope key.
func IsReserved(name string) bool {
	return name == ScopeVars || name == ScopeNodes || name == ScopeWorkItem
}
