package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending          ExecutionStatus = "pending"
	ExecutionRunning          ExecutionStatus = "running"
	ExecutionAwaitingApproval ExecutionStatus = "awaiting_approval"
	ExecutionCompleted        ExecutionStatus = "completed"
	ExecutionFailed           ExecutionStatus = "failed"
	ExecutionApproved         ExecutionStatus = "approved"
	ExecutionRejected         ExecutionStatus = "rejected"
	ExecutionCancelled        ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
// Terminal executions are immutable; they are only referenced by the audit
// log and the metrics aggregator.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionApproved, ExecutionRejected, ExecutionCancelled:
		return true
	}
	return false
}

// StepRunStatus is the outcome of a single step run.
type StepRunStatus string

const (
	StepRunCompleted StepRunStatus = "completed"
	StepRunFailed    StepRunStatus = "failed"
	StepRunSkipped   StepRunStatus = "skipped"
	StepRunDefaulted StepRunStatus = "defaulted"
)

// StepOutput records one step's result within an execution, in step order.
type StepOutput struct {
	StepNumber int             `json:"step_number"`
	StepName   string          `json:"step_name"`
	Status     StepRunStatus   `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	DurationMs int64           `json:"duration_ms"`
}

// WorkflowExecution is one run of a deliverable schema against an input
// payload. Mutated only by the workflow executor and the approval machine;
// immutable once terminal.
type WorkflowExecution struct {
	ExecutionID     string          `json:"execution_id"`
	DeliverableType string          `json:"deliverable_type"`
	SchemaID        string          `json:"schema_id"`
	SchemaVersion   int             `json:"schema_version"`
	VariantID       string          `json:"variant_id,omitempty"`
	Input           map[string]any  `json:"input"`
	Context         map[string]any  `json:"context,omitempty"`
	Status          ExecutionStatus `json:"status"`
	StepOutputs     []StepOutput    `json:"step_outputs,omitempty"`
	CumulativeRisk  float64         `json:"cumulative_risk_score"`
	FailedStep      string          `json:"failed_step,omitempty"`
	Error           json.RawMessage `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Output returns the recorded output of a completed step by name, or nil.
func (e *WorkflowExecution) Output(stepName string) json.RawMessage {
	for i := range e.StepOutputs {
		if e.StepOutputs[i].StepName == stepName {
			return e.StepOutputs[i].Output
		}
	}
	return nil
}

// RoutingPhase identifies when the risk router is invoked.
type RoutingPhase string

const (
	PhasePre          RoutingPhase = "pre"
	PhasePostStep     RoutingPhase = "post_step"
	PhasePostWorkflow RoutingPhase = "post_workflow"
)

// FiredRule records one rule that evaluated true during routing.
type FiredRule struct {
	RuleID     string     `json:"rule_id"`
	Condition  string     `json:"condition"`
	RiskFactor float64    `json:"risk_factor"`
	Action     RuleAction `json:"action"`
}

// RoutingDecision is the risk router's verdict for one phase.
type RoutingDecision struct {
	Phase             RoutingPhase `json:"phase"`
	StepName          string       `json:"step_name,omitempty"`
	RiskDelta         float64      `json:"risk_delta"`
	CumulativeRisk    float64      `json:"cumulative_risk"`
	Action            RuleAction   `json:"action"`
	FiredRules        []FiredRule  `json:"fired_rules,omitempty"`
	OverrideThreshold *float64     `json:"override_threshold,omitempty"` // set by auto_approve_override
	RequiresApproval  bool         `json:"requires_approval"`
}
