// Package diagram draws workflow definitions, optionally overlaid with the
// node states of an execution, as Mermaid, ASCII or Graphviz images.
package diagram

// NodeKind classifies a diagram node by how the engine treats it.
type NodeKind string

const (
	NodeKindAgent       NodeKind = "agent"
	NodeKindGated       NodeKind = "gated"
	NodeKindCondition   NodeKind = "condition"
	NodeKindForEach     NodeKind = "forEach"
	NodeKindSubWorkflow NodeKind = "subWorkflow"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Virtual node ids framing every diagram.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title    string
	Nodes    []*Node
	Edges    []Edge
	Clusters []*Cluster
	// Levels are the scheduling lanes in run order, framed by start and end.
	Levels [][]string
}

// Node is one workflow node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// Cluster groups nodes that run together: a parallel group or a forEach body.
type Cluster struct {
	ID      string
	Label   string
	NodeIDs []string
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status        string // from schema.NodeStatus
	DurationMs    int64
	RetryCount    int
	RevisionCount int
	Error         string
}

// EdgeStyle distinguishes scheduling edges from control-flow references.
type EdgeStyle int

const (
	EdgeSolid EdgeStyle = iota
	EdgeDashed
)

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
	Style EdgeStyle
}

// Node looks up a node by id.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
