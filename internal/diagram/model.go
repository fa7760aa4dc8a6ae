package diagram

import (
	"fmt"

	"github.com/verdikt/verdikt/pkg/schema"
)

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStart    NodeKind = "start"
	NodeKindStep     NodeKind = "step"
	NodeKindRisk     NodeKind = "risk"     // rule checkpoint
	NodeKindDecision NodeKind = "decision" // threshold routing
	NodeKindTerminal NodeKind = "terminal"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a single element in the rendered flow.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a step node.
type StatusOverlay struct {
	Status     schema.StepRunStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge connects two nodes, optionally labeled with a routing condition.
type Edge struct {
	From  string
	To    string
	Label string
}

// Build constructs the flow model for a deliverable schema: steps in
// declaration order with rule checkpoints where rules apply, ending in the
// threshold routing fan-out. A non-nil execution overlays per-step status.
func Build(ds *schema.DeliverableSchema, exec *schema.WorkflowExecution) *Model {
	m := &Model{
		Title: fmt.Sprintf("%s v%d", ds.DeliverableType, ds.Version),
	}

	outputs := map[string]*schema.StepOutput{}
	if exec != nil {
		for i := range exec.StepOutputs {
			outputs[exec.StepOutputs[i].StepName] = &exec.StepOutputs[i]
		}
	}

	var global, exceptions, escalations int
	stepRules := map[string]int{}
	for _, r := range ds.RiskRules.Rules {
		switch r.Scope {
		case schema.ScopeGlobal:
			global++
		case schema.ScopeStep:
			stepRules[r.AppliesToStep]++
		case schema.ScopeException:
			exceptions++
		case schema.ScopeEscalation:
			escalations++
		}
	}

	prev := m.add(&Node{ID: "start", Label: ds.DeliverableType, Kind: NodeKindStart})

	if global > 0 {
		n := m.add(&Node{
			ID:    "pre_route",
			Label: fmt.Sprintf("pre-route: %d rules", global),
			Kind:  NodeKindRisk,
		})
		m.link(prev, n, "")
		prev = n
	}

	for _, step := range ds.Steps {
		n := m.add(&Node{
			ID:     fmt.Sprintf("step%d", step.StepNumber),
			Label:  fmt.Sprintf("%s (%s)", step.StepName, step.FunctionRef),
			Kind:   NodeKindStep,
			Status: overlayFor(outputs[step.StepName]),
		})
		m.link(prev, n, "")
		prev = n

		if count := stepRules[step.StepName]; count > 0 {
			c := m.add(&Node{
				ID:    fmt.Sprintf("check%d", step.StepNumber),
				Label: fmt.Sprintf("post-step: %d rules", count),
				Kind:  NodeKindRisk,
			})
			m.link(prev, c, "")
			prev = c
		}
	}

	if exceptions+escalations > 0 {
		n := m.add(&Node{
			ID:    "post_workflow",
			Label: fmt.Sprintf("post-workflow: %d exceptions, %d escalations", exceptions, escalations),
			Kind:  NodeKindRisk,
		})
		m.link(prev, n, "")
		prev = n
	}

	decision := m.add(&Node{ID: "route", Label: "route by risk", Kind: NodeKindDecision})
	m.link(prev, decision, "")

	t := ds.Thresholds
	m.link(decision,
		m.add(&Node{ID: "auto_approve", Label: "auto-approve", Kind: NodeKindTerminal}),
		fmt.Sprintf("risk < %.2f", t.AutoApprove))
	m.link(decision,
		m.add(&Node{ID: "review", Label: "require review", Kind: NodeKindTerminal}),
		fmt.Sprintf("< %.2f", t.RequireHITL))
	m.link(decision,
		m.add(&Node{ID: "hitl", Label: "human approval", Kind: NodeKindTerminal}),
		fmt.Sprintf(">= %.2f", t.RequireHITL))

	return m
}

func (m *Model) add(n *Node) *Node {
	m.Nodes = append(m.Nodes, n)
	return n
}

func (m *Model) link(from, to *Node, label string) *Node {
	m.Edges = append(m.Edges, Edge{From: from.ID, To: to.ID, Label: label})
	return to
}

func overlayFor(out *schema.StepOutput) *StatusOverlay {
	if out == nil {
		return nil
	}
	return &StatusOverlay{
		Status:     out.Status,
		DurationMs: out.DurationMs,
		Attempts:   out.Attempts,
		Error:      out.Error,
	}
}
