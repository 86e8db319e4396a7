package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "waiting_gate":
		return "[GATE]"
	case "skipped":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a text diagram, one row of boxes
// per scheduling lane, followed by the edges that carry labels.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for levelIdx, level := range model.Levels {
		var boxes []asciiBox
		for _, nodeID := range level {
			if node := model.Node(nodeID); node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)
		if levelIdx < len(model.Levels)-1 {
			renderConnector(&b, len(boxes))
		}
	}

	for _, c := range model.Clusters {
		fmt.Fprintf(&b, "\n--- %s ---\n", c.Label)
		for _, id := range c.NodeIDs {
			node := model.Node(id)
			if node == nil {
				continue
			}
			tag := ""
			if node.Status != nil {
				tag = " " + statusTag(node.Status.Status)
			}
			fmt.Fprintf(&b, "  %s%s\n", firstLine(node.Label), tag)
		}
	}

	var labeled []Edge
	for _, e := range model.Edges {
		if e.Label != "" {
			labeled = append(labeled, e)
		}
	}
	if len(labeled) > 0 {
		b.WriteString("\n--- branches ---\n")
		for _, e := range labeled {
			fmt.Fprintf(&b, "  %s ─[%s]→ %s\n", e.From, e.Label, e.To)
		}
	}

	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	contentLines := []string{firstLine(node.Label)}

	if node.Kind == NodeKindGated {
		contentLines = append(contentLines, "<review>")
	}
	if st := node.Status; st != nil {
		if tag := statusTag(st.Status); tag != "" {
			contentLines = append(contentLines, tag)
		}
		if st.DurationMs > 0 {
			contentLines = append(contentLines, fmt.Sprintf("%dms", st.DurationMs))
		}
		if st.RetryCount > 0 {
			contentLines = append(contentLines, fmt.Sprintf("retries %d", st.RetryCount))
		}
		if st.RevisionCount > 0 {
			contentLines = append(contentLines, fmt.Sprintf("revisions %d", st.RevisionCount))
		}
	}

	maxLen := 0
	for _, line := range contentLines {
		if n := len([]rune(line)); n > maxLen {
			maxLen = n
		}
	}
	width := maxLen + 4 // 2 border + 2 padding

	lines := make([]string, 0, len(contentLines)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-len([]rune(content)))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")

	return asciiBox{lines: lines, width: width}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}

	maxHeight := 0
	for _, box := range boxes {
		if len(box.lines) > maxHeight {
			maxHeight = len(box.lines)
		}
	}

	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

func renderConnector(b *strings.Builder, boxCount int) {
	if boxCount == 0 {
		return
	}
	b.WriteString("       │\n")
	b.WriteString("       ▼\n")
}
