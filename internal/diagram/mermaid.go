package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart. Each
// workflow becomes a subgraph; nested steps become nested subgraphs.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(model.Start))
	for _, lane := range model.Lanes {
		fmt.Fprintf(&b, "    subgraph %s[%q]\n", mermaidSafeID("wf_"+lane.Workflow), "workflow "+lane.Workflow)
		for _, n := range lane.Nodes {
			writeMermaidNode(&b, n, 2)
		}
		b.WriteString("    end\n")
	}
	fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(model.End))

	for _, e := range model.Edges {
		label := ""
		if e.Label != "" {
			label = "|" + e.Label + "|"
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(e.From), label, mermaidSafeID(e.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef cancelled fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	walk(model, func(n *Node) {
		if n.Status != nil {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(n.ID), n.Status.Status)
		}
	})
	return b.String()
}

func writeMermaidNode(b *strings.Builder, n *Node, depth int) {
	indent := strings.Repeat("    ", depth)
	fmt.Fprintf(b, "%s%s\n", indent, mermaidNodeDef(n))
	for _, sg := range n.Children {
		fmt.Fprintf(b, "%ssubgraph %s[%q]\n", indent, mermaidSafeID(n.ID+"_"+sg.Label), sg.Label)
		for _, c := range sg.Nodes {
			writeMermaidNode(b, c, depth+1)
			fmt.Fprintf(b, "%s    %s -.-> %s\n", indent, mermaidSafeID(n.ID), mermaidSafeID(c.ID))
		}
		fmt.Fprintf(b, "%send\n", indent)
	}
}

func mermaidNodeDef(n *Node) string {
	id := mermaidSafeID(n.ID)
	label := strings.ReplaceAll(n.Label, `"`, "'")
	switch n.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindPrompt:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindWait:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindParallel, NodeKindLoop:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindYield:
		return fmt.Sprintf("%s>%q]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	}
	return fmt.Sprintf("%s[%q]", id, label)
}

func mermaidSafeID(id string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(id)
}

// walk visits every step node depth first in lane order.
func walk(model *DiagramModel, fn func(*Node)) {
	var visit func(*Node)
	visit = func(n *Node) {
		fn(n)
		for _, sg := range n.Children {
			for _, c := range sg.Nodes {
				visit(c)
			}
		}
	}
	for _, lane := range model.Lanes {
		for _, n := range lane.Nodes {
			visit(n)
		}
	}
}
