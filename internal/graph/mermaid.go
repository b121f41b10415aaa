package graph

import (
	"fmt"
	"strings"
)

// Mermaid renders the graph as a Mermaid flowchart. Edges are numbered in
// priority order.
func (g *Graph) Mermaid() string {
	var sb strings.Builder
	sb.WriteString("flowchart TD\n")
	sb.WriteString("    START((start))\n")

	endUsed := false
	for _, n := range g.Nodes() {
		shape := fmt.Sprintf("[%s]", n.ID)
		if n.Iterates {
			shape = fmt.Sprintf("[[%s]]", n.ID)
		}
		fmt.Fprintf(&sb, "    %s%s\n", n.ID, shape)
		for _, e := range n.Edges {
			if e.To == End {
				endUsed = true
			}
		}
	}
	if endUsed {
		fmt.Fprintf(&sb, "    %s((end))\n", End)
	}

	fmt.Fprintf(&sb, "    START --> %s\n", g.start)
	for _, n := range g.Nodes() {
		for i, e := range n.Edges {
			fmt.Fprintf(&sb, "    %s -->|%d: %s| %s\n", n.ID, i+1, e.Condition.Label(), e.To)
		}
	}
	return sb.String()
}
