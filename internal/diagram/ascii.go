package diagram

import (
	"fmt"
	"strings"
)

// RenderASCII renders a Model as a vertical text flow. Decision branches are
// listed under the decision node with their routing labels.
func RenderASCII(m *Model) string {
	var b strings.Builder

	if m.Title != "" {
		b.WriteString(m.Title + "\n")
		b.WriteString(strings.Repeat("=", len(m.Title)) + "\n\n")
	}

	branches := map[string][]Edge{}
	linear := map[string]string{}
	for _, e := range m.Edges {
		if e.Label != "" {
			branches[e.From] = append(branches[e.From], e)
		} else {
			linear[e.From] = e.To
		}
	}

	byID := map[string]*Node{}
	for _, n := range m.Nodes {
		byID[n.ID] = n
	}

	id := m.Nodes[0].ID
	for id != "" {
		node := byID[id]
		b.WriteString(asciiBox(node))

		if outs := branches[id]; len(outs) > 0 {
			for _, e := range outs {
				target := byID[e.To]
				b.WriteString(fmt.Sprintf("  %-14s -> %s\n", e.Label, target.Label))
			}
			break
		}
		next := linear[id]
		if next != "" {
			b.WriteString("  |\n  v\n")
		}
		id = next
	}

	return b.String()
}

func asciiBox(n *Node) string {
	label := n.Label
	if n.Status != nil {
		label = fmt.Sprintf("%s [%s %dms]", label, n.Status.Status, n.Status.DurationMs)
	}
	top := "+" + strings.Repeat("-", len(label)+2) + "+"
	return fmt.Sprintf("%s\n| %s |\n%s\n", top, label, top)
}
