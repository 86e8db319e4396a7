package diagram

import (
	"fmt"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/pkg/schema"
)

const maxEdgeLabel = 24

// Build constructs a DiagramModel from a definition and an optional
// execution whose node states are overlaid. Levels follow the lanes the
// engine would schedule, so a definition that cannot be laned fails here.
func Build(def *schema.WorkflowDefinition, exec *schema.Execution) (*DiagramModel, error) {
	lanes, err := engine.BuildLanes(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: build lanes: %w", err)
	}
	g := engine.NewGraph(def)

	var states map[string]*schema.NodeExecutionState
	if exec != nil {
		states = exec.NodeStates
	}

	model := &DiagramModel{Title: titleFromDef(def)}
	model.Nodes = append(model.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})

	gated := make(map[string]bool, len(def.Gates))
	for _, gate := range def.Gates {
		gated[gate.NodeID] = true
	}
	bodyOf := make(map[string]bool)
	for i := range def.Nodes {
		n := &def.Nodes[i]
		node := &Node{ID: n.ID, Label: nodeLabel(n), Kind: nodeKind(n, gated[n.ID])}
		overlayStatus(node, states)
		model.Nodes = append(model.Nodes, node)
		if fe := n.Config.ForEach; n.IsControl() && fe != nil {
			for _, id := range fe.Body {
				bodyOf[id] = true
			}
		}
	}
	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	model.Edges = buildEdges(def, g, bodyOf)
	model.Clusters = buildClusters(def)
	model.Levels = buildLevels(lanes)
	return model, nil
}

func nodeKind(n *schema.AgentNode, gated bool) NodeKind {
	if n.IsControl() {
		switch n.Type {
		case schema.ControlCondition:
			return NodeKindCondition
		case schema.ControlForEach:
			return NodeKindForEach
		case schema.ControlSubWorkflow:
			return NodeKindSubWorkflow
		}
	}
	if gated {
		return NodeKindGated
	}
	return NodeKindAgent
}

// nodeLabel puts the id first and the agent type or target below it.
func nodeLabel(n *schema.AgentNode) string {
	switch {
	case n.Label != "":
		return fmt.Sprintf("%s\n(%s)", n.ID, n.Label)
	case n.IsControl() && n.Type == schema.ControlSubWorkflow && n.Config.SubWorkflow != nil:
		return fmt.Sprintf("%s\n(%s)", n.ID, n.Config.SubWorkflow.WorkflowID)
	case n.Type != "":
		return fmt.Sprintf("%s\n(%s)", n.ID, n.Type)
	default:
		return n.ID
	}
}

// overlayStatus applies runtime node state to a diagram node.
func overlayStatus(node *Node, states map[string]*schema.NodeExecutionState) {
	st, ok := states[node.ID]
	if !ok || st == nil {
		return
	}
	overlay := &StatusOverlay{
		Status:        string(st.Status),
		RetryCount:    st.RetryCount,
		RevisionCount: st.RevisionCount,
		Error:         st.Error,
	}
	if st.StartedAt != nil && st.CompletedAt != nil {
		overlay.DurationMs = st.CompletedAt.Sub(*st.StartedAt).Milliseconds()
	}
	node.Status = overlay
}

// buildEdges draws transitions, condition branches and forEach body links,
// then frames the graph with start and end edges. Body nodes only run
// inside their loop and branch targets hang off their condition, so
// neither is linked to start.
func buildEdges(def *schema.WorkflowDefinition, g *engine.Graph, bodyOf map[string]bool) []Edge {
	var edges []Edge

	branched := make(map[string]bool)
	branchTarget := make(map[string]bool)
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if c := n.Config.Condition; n.IsControl() && c != nil {
			for _, id := range []string{c.TrueBranch, c.FalseBranch} {
				if id != "" {
					branched[n.ID] = true
					branchTarget[id] = true
				}
			}
		}
	}

	for _, id := range g.Nodes {
		if len(g.Edges[id]) == 0 && !bodyOf[id] && !branchTarget[id] {
			edges = append(edges, Edge{From: StartID, To: id})
		}
	}

	// Branch edges are drawn below with their true/false label, so a
	// transition duplicating one is dropped here.
	seen := make(map[[2]string]bool, len(def.Transitions))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if c := n.Config.Condition; n.IsControl() && c != nil {
			seen[[2]string{n.ID, c.TrueBranch}] = true
			seen[[2]string{n.ID, c.FalseBranch}] = true
		}
	}
	for _, t := range def.Transitions {
		if def.Node(t.Source) == nil || def.Node(t.Target) == nil {
			continue
		}
		key := [2]string{t.Source, t.Target}
		if seen[key] {
			continue
		}
		seen[key] = true
		edges = append(edges, Edge{From: t.Source, To: t.Target, Label: transitionLabel(t.Condition)})
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if !n.IsControl() {
			continue
		}
		if c := n.Config.Condition; c != nil {
			if c.TrueBranch != "" {
				edges = append(edges, Edge{From: n.ID, To: c.TrueBranch, Label: "true", Style: EdgeDashed})
			}
			if c.FalseBranch != "" {
				edges = append(edges, Edge{From: n.ID, To: c.FalseBranch, Label: "false", Style: EdgeDashed})
			}
		}
		if fe := n.Config.ForEach; fe != nil {
			for _, id := range fe.Body {
				edges = append(edges, Edge{From: n.ID, To: id, Label: "each", Style: EdgeDashed})
			}
		}
	}

	for _, id := range g.Nodes {
		if len(g.Reverse[id]) == 0 && !bodyOf[id] && !branched[id] {
			edges = append(edges, Edge{From: id, To: EndID})
		}
	}
	return edges
}

func transitionLabel(c schema.TransitionCondition) string {
	switch c.Type {
	case schema.ConditionOnSuccess:
		return "ok"
	case schema.ConditionOnFailure:
		return "fail"
	case schema.ConditionExpression:
		expr := c.Expression
		if len(expr) > maxEdgeLabel {
			expr = expr[:maxEdgeLabel-3] + "..."
		}
		return expr
	default:
		return ""
	}
}

func buildClusters(def *schema.WorkflowDefinition) []*Cluster {
	var clusters []*Cluster
	for _, pg := range def.ParallelGroups {
		clusters = append(clusters, &Cluster{ID: "group_" + pg.ID, Label: "parallel: " + pg.ID, NodeIDs: pg.NodeIDs})
	}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if fe := n.Config.ForEach; n.IsControl() && fe != nil && len(fe.Body) > 0 {
			clusters = append(clusters, &Cluster{ID: "body_" + n.ID, Label: "each " + fe.Collection, NodeIDs: fe.Body})
		}
	}
	return clusters
}

// buildLevels wraps the scheduling lanes with virtual start/end levels.
func buildLevels(lanes []engine.Lane) [][]string {
	levels := make([][]string, 0, len(lanes)+2)
	levels = append(levels, []string{StartID})
	for _, l := range lanes {
		levels = append(levels, l.NodeIDs)
	}
	levels = append(levels, []string{EndID})
	return levels
}

// titleFromDef prefers the workflow name, then its id.
func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "Workflow"
}
