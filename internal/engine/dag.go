package engine

import (
	"github.com/rendis/flowgate/pkg/schema"
)

// Graph is the scheduling view of a workflow built from its transitions.
// Transitions naming unknown nodes are ignored here; validation reports them.
type Graph struct {
	Nodes   []string            // definition order
	Edges   map[string][]string // node ID → predecessors
	Reverse map[string][]string // node ID → successors
	index   map[string]int
}

// NewGraph builds adjacency lists for a workflow definition.
func NewGraph(def *schema.WorkflowDefinition) *Graph {
	g := &Graph{
		Nodes:   make([]string, 0, len(def.Nodes)),
		Edges:   make(map[string][]string, len(def.Nodes)),
		Reverse: make(map[string][]string, len(def.Nodes)),
		index:   make(map[string]int, len(def.Nodes)),
	}
	for i, n := range def.Nodes {
		if _, dup := g.index[n.ID]; dup {
			continue
		}
		g.index[n.ID] = i
		g.Nodes = append(g.Nodes, n.ID)
	}

	seen := make(map[[2]string]bool, len(def.Transitions))
	for _, t := range def.Transitions {
		if _, ok := g.index[t.Source]; !ok {
			continue
		}
		if _, ok := g.index[t.Target]; !ok {
			continue
		}
		key := [2]string{t.Source, t.Target}
		if seen[key] {
			continue
		}
		seen[key] = true
		g.Edges[t.Target] = append(g.Edges[t.Target], t.Source)
		g.Reverse[t.Source] = append(g.Reverse[t.Source], t.Target)
	}
	return g
}

// TopoSort returns a total order over every node of the definition using
// Kahn's algorithm. Ties are broken by definition order. A cycle yields a
// GRAPH_ERROR listing the nodes that could not be ordered.
func TopoSort(def *schema.WorkflowDefinition) ([]string, error) {
	g := NewGraph(def)
	return kahn(g.Nodes, g.Edges, g.Reverse, g.index)
}

func kahn(nodes []string, edges, reverse map[string][]string, index map[string]int) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	for _, id := range nodes {
		inDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(nodes))
	for _, id := range nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		successors := make([]string, len(reverse[node]))
		copy(successors, reverse[node])
		sortByIndex(successors, index)

		for _, next := range successors {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) != len(nodes) {
		var stuck []string
		for _, id := range nodes {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, schema.NewError(schema.ErrCodeGraph, "workflow contains a cycle").
			WithDetails(map[string]any{"unresolved": stuck})
	}
	return sorted, nil
}

// LaneKind distinguishes single-node lanes from concurrent groups.
type LaneKind string

const (
	LaneSequential LaneKind = "sequential"
	LaneParallel   LaneKind = "parallel"
)

// Lane is one unit of scheduling.
type Lane struct {
	ID      string   `json:"id"`
	Kind    LaneKind `json:"kind"`
	NodeIDs []string `json:"node_ids"`
}

// BuildLanes orders the workflow into lanes. Every parallel group is
// contracted into a single vertex before sorting, so a group runs only
// after all predecessors of all its members. Members of one group must not
// depend on each other, directly or through nodes outside the group.
func BuildLanes(def *schema.WorkflowDefinition) ([]Lane, error) {
	g := NewGraph(def)

	owner := make(map[string]string)
	groups := make(map[string][]string)
	for _, pg := range def.ParallelGroups {
		vertex := "group:" + pg.ID
		for _, id := range pg.NodeIDs {
			if _, ok := g.index[id]; !ok {
				continue
			}
			if _, taken := owner[id]; taken {
				return nil, schema.NewErrorf(schema.ErrCodeGraph, "node %s belongs to more than one parallel group", id).WithNode(id)
			}
			owner[id] = vertex
			groups[vertex] = append(groups[vertex], id)
		}
	}

	contract := func(id string) string {
		if v, ok := owner[id]; ok {
			return v
		}
		return id
	}

	var vertices []string
	index := make(map[string]int)
	for _, id := range g.Nodes {
		v := contract(id)
		if _, ok := index[v]; ok {
			continue
		}
		index[v] = g.index[id]
		vertices = append(vertices, v)
	}

	edges := make(map[string][]string)
	reverse := make(map[string][]string)
	seen := make(map[[2]string]bool)
	for _, target := range g.Nodes {
		for _, source := range g.Edges[target] {
			cs, ct := contract(source), contract(target)
			if cs == ct {
				return nil, schema.NewErrorf(schema.ErrCodeGraph,
					"parallel group %s: %s depends on %s", cs[len("group:"):], target, source).WithNode(target)
			}
			key := [2]string{cs, ct}
			if seen[key] {
				continue
			}
			seen[key] = true
			edges[ct] = append(edges[ct], cs)
			reverse[cs] = append(reverse[cs], ct)
		}
	}

	order, err := kahn(vertices, edges, reverse, index)
	if err != nil {
		return nil, err
	}

	lanes := make([]Lane, 0, len(order))
	for _, v := range order {
		if members, ok := groups[v]; ok {
			lanes = append(lanes, Lane{ID: v[len("group:"):], Kind: LaneParallel, NodeIDs: members})
			continue
		}
		lanes = append(lanes, Lane{ID: v, Kind: LaneSequential, NodeIDs: []string{v}})
	}
	return lanes, nil
}

// sortByIndex sorts IDs in-place by definition index using insertion sort.
// Successor lists are short.
func sortByIndex(s []string, index map[string]int) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && index[s[j]] > index[key] {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
