package diagram

import (
	"fmt"
	"strings"
)

func statusTag(status string) string {
	switch status {
	case StatusCompleted:
		return "[OK]"
	case StatusFailed:
		return "[FAIL]"
	case StatusWaiting:
		return "[WAIT]"
	case StatusCancelled:
		return "[CANCEL]"
	}
	return ""
}

// RenderASCII renders a DiagramModel as boxed steps, one column per
// workflow, with nested steps indented beneath their parent.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n", model.Title)
	}

	for _, lane := range model.Lanes {
		fmt.Fprintf(&b, "\n[workflow %s]\n", lane.Workflow)
		for i, n := range lane.Nodes {
			writeBox(&b, n, "")
			writeChildren(&b, n, "    ")
			if i < len(lane.Nodes)-1 {
				b.WriteString("       │\n")
				b.WriteString("       ▼\n")
			}
		}
	}

	var jumps []string
	for _, e := range model.Edges {
		if e.Label != "" {
			jumps = append(jumps, fmt.Sprintf("  %s ─%s→ %s", e.From, e.Label, e.To))
		}
	}
	if len(jumps) > 0 {
		b.WriteString("\n[jumps]\n")
		b.WriteString(strings.Join(jumps, "\n"))
		b.WriteByte('\n')
	}
	return b.String()
}

func writeChildren(b *strings.Builder, n *Node, indent string) {
	for _, sg := range n.Children {
		fmt.Fprintf(b, "%s(%s)\n", indent, sg.Label)
		for _, c := range sg.Nodes {
			writeBox(b, c, indent)
			writeChildren(b, c, indent+"    ")
		}
	}
}

func writeBox(b *strings.Builder, n *Node, indent string) {
	lines := []string{n.Label}
	if n.Status != nil {
		tag := statusTag(n.Status.Status)
		if n.Status.Visits > 1 {
			tag = fmt.Sprintf("%s x%d", tag, n.Status.Visits)
		}
		lines = append(lines, tag)
		if n.Status.Error != "" {
			lines = append(lines, truncate(n.Status.Error))
		}
	}

	width := 0
	for _, l := range lines {
		width = max(width, len([]rune(l)))
	}
	fmt.Fprintf(b, "%s┌%s┐\n", indent, strings.Repeat("─", width+2))
	for _, l := range lines {
		pad := strings.Repeat(" ", width-len([]rune(l)))
		fmt.Fprintf(b, "%s│ %s%s │\n", indent, l, pad)
	}
	fmt.Fprintf(b, "%s└%s┘\n", indent, strings.Repeat("─", width+2))
}
