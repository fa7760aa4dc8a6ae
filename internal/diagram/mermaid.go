package diagram

import (
	"fmt"
	"strings"

	"github.com/verdikt/verdikt/pkg/schema"
)

// RenderMermaid renders a Model as a Mermaid flowchart string.
func RenderMermaid(m *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if m.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", m.Title))
	}

	for _, node := range m.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	for _, edge := range m.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	b.WriteString("    classDef defaulted fill:#b7791a,stroke:#8a5c14,color:#fff\n")

	for _, node := range m.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := node.Label

	switch node.Kind {
	case NodeKindStart, NodeKindTerminal:
		return fmt.Sprintf("%s((%q))", id, label)
	case NodeKindRisk:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindDecision:
		return fmt.Sprintf("%s{%q}", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func mermaidStatusClass(status schema.StepRunStatus) string {
	switch status {
	case schema.StepRunCompleted:
		return "completed"
	case schema.StepRunFailed:
		return "failed"
	case schema.StepRunSkipped:
		return "skipped"
	case schema.StepRunDefaulted:
		return "defaulted"
	default:
		return ""
	}
}
