package diagram

import (
	"fmt"
	"strings"
)

var mermaidClassDefs = []string{
	"classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff",
	"classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff",
	"classDef running fill:#1a5276,stroke:#0e3a52,color:#fff",
	"classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff",
	"classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff",
	"classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5",
}

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	clustered := make(map[string]bool)
	for _, c := range model.Clusters {
		for _, id := range c.NodeIDs {
			clustered[id] = true
		}
	}

	for _, node := range model.Nodes {
		if !clustered[node.ID] {
			fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
		}
	}

	// A node listed in two clusters is drawn in the first only.
	drawn := make(map[string]bool)
	for _, c := range model.Clusters {
		fmt.Fprintf(&b, "    subgraph %s[%q]\n", mermaidSafeID(c.ID), c.Label)
		for _, id := range c.NodeIDs {
			node := model.Node(id)
			if node == nil || drawn[id] {
				continue
			}
			drawn[id] = true
			fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(node))
		}
		b.WriteString("    end\n")
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Style == EdgeDashed {
			arrow = "-.->"
		}
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	for _, def := range mermaidClassDefs {
		fmt.Fprintf(&b, "    %s\n", def)
	}
	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label))

	switch node.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindGated:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindForEach, NodeKindSubWorkflow:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel drops characters that break Mermaid label syntax.
func mermaidEscapeLabel(s string) string {
	r := strings.NewReplacer(`"`, "'", "|", "/")
	return r.Replace(s)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "running", "pending", "skipped":
		return status
	case "waiting_gate":
		return "waiting"
	default:
		return ""
	}
}
