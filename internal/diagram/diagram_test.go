package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdikt/verdikt/pkg/schema"
)

func riskFactor(v float64) *float64 { return &v }

func sizingSchema() *schema.DeliverableSchema {
	return &schema.DeliverableSchema{
		DeliverableType: "foundation_design",
		Version:         2,
		Steps: []schema.StepDefinition{
			{StepNumber: 1, StepName: "compute_loads", FunctionRef: "loads.compute"},
			{StepNumber: 2, StepName: "size_footings", FunctionRef: "footings.size"},
		},
		Thresholds: schema.DefaultThresholds(),
		RiskRules: schema.RiskRuleSet{
			Rules: []schema.RiskRule{
				{RuleID: "g1", Scope: schema.ScopeGlobal, Condition: "true", Action: schema.ActionWarn},
				{RuleID: "s1", Scope: schema.ScopeStep, AppliesToStep: "size_footings",
					Condition: "true", Action: schema.ActionRequireReview, RiskFactor: riskFactor(0.4)},
				{RuleID: "x1", Scope: schema.ScopeException, Condition: "true", Action: schema.ActionRequireHITL},
			},
		},
	}
}

func TestBuild_FlowShape(t *testing.T) {
	m := Build(sizingSchema(), nil)

	assert.Equal(t, "foundation_design v2", m.Title)

	var ids []string
	for _, n := range m.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{
		"start", "pre_route", "step1", "step2", "check2", "post_workflow",
		"route", "auto_approve", "review", "hitl",
	}, ids)

	// Checkpoint follows only the step that carries rules.
	assert.Contains(t, ids, "check2")
	assert.NotContains(t, ids, "check1")
}

func TestBuild_NoRulesSkipsCheckpoints(t *testing.T) {
	ds := sizingSchema()
	ds.RiskRules.Rules = nil

	m := Build(ds, nil)
	for _, n := range m.Nodes {
		assert.NotEqual(t, NodeKindRisk, n.Kind)
	}
}

func TestBuild_StatusOverlay(t *testing.T) {
	exec := &schema.WorkflowExecution{
		StepOutputs: []schema.StepOutput{
			{StepName: "compute_loads", Status: schema.StepRunCompleted, DurationMs: 120, Attempts: 1},
			{StepName: "size_footings", Status: schema.StepRunFailed, Error: "no bearing capacity", Attempts: 3},
		},
	}

	m := Build(sizingSchema(), exec)
	var step1, step2 *Node
	for _, n := range m.Nodes {
		switch n.ID {
		case "step1":
			step1 = n
		case "step2":
			step2 = n
		}
	}
	require.NotNil(t, step1.Status)
	assert.Equal(t, schema.StepRunCompleted, step1.Status.Status)
	assert.Equal(t, int64(120), step1.Status.DurationMs)
	require.NotNil(t, step2.Status)
	assert.Equal(t, 3, step2.Status.Attempts)
}

func TestRenderMermaid(t *testing.T) {
	exec := &schema.WorkflowExecution{
		StepOutputs: []schema.StepOutput{
			{StepName: "compute_loads", Status: schema.StepRunCompleted},
		},
	}
	out := RenderMermaid(Build(sizingSchema(), exec))

	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, `step1["compute_loads (loads.compute)"]`)
	assert.Contains(t, out, `route{"route by risk"}`)
	assert.Contains(t, out, "route -->|risk < 0.30| auto_approve")
	assert.Contains(t, out, "route -->|>= 0.70| hitl")
	assert.Contains(t, out, "class step1 completed")
}

func TestRenderASCII(t *testing.T) {
	out := RenderASCII(Build(sizingSchema(), nil))

	assert.Contains(t, out, "foundation_design v2")
	assert.Contains(t, out, "| compute_loads (loads.compute) |")
	assert.Contains(t, out, "-> human approval")
}
