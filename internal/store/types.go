package store

import (
	"encoding/json"
	"time"

	"github.com/verdikt/verdikt/pkg/schema"
)

// AuditEvent is one immutable entry in the append-only audit stream. Every
// rule evaluation (fired or not) and every routing/approval transition is
// recorded; consumers only ever append-read this stream.
type AuditEvent struct {
	ID               int64               `json:"id"`
	ExecutionID      string              `json:"execution_id"`
	Sequence         int64               `json:"sequence"` // monotonic per execution
	Type             string              `json:"event_type"`
	Phase            schema.RoutingPhase `json:"phase,omitempty"`
	StepName         string              `json:"step_name,omitempty"`
	RuleID           string              `json:"rule_id,omitempty"`
	Condition        string              `json:"condition,omitempty"`
	Result           string              `json:"result,omitempty"` // fired | not_fired | eval_error
	RiskContribution float64             `json:"risk_contribution,omitempty"`
	Action           schema.RuleAction   `json:"action,omitempty"`
	Inputs           json.RawMessage     `json:"inputs,omitempty"` // evaluation inputs snapshot
	Details          json.RawMessage     `json:"details,omitempty"`
	DurationUs       int64               `json:"duration_us,omitempty"`
	Timestamp        time.Time           `json:"timestamp"`
}

// Audit result constants.
const (
	AuditFired     = "fired"
	AuditNotFired  = "not_fired"
	AuditEvalError = "eval_error"
)

// MetricSnapshot is one time-bucketed rollup per schema version and variant.
// Snapshots are recompute-and-replace: re-aggregating a bucket yields an
// identical row.
type MetricSnapshot struct {
	DeliverableType string    `json:"deliverable_type"`
	SchemaVersion   int       `json:"schema_version"`
	VariantID       string    `json:"variant_id"` // "" = base schema
	BucketStart     time.Time `json:"bucket_start"`
	BucketSeconds   int       `json:"bucket_seconds"`
	SampleCount     int64     `json:"sample_count"`
	CompletedCount  int64     `json:"completed_count"`
	FailedCount     int64     `json:"failed_count"`
	ApprovedCount   int64     `json:"approved_count"`
	RejectedCount   int64     `json:"rejected_count"`
	CancelledCount  int64     `json:"cancelled_count"`
	HITLCount       int64     `json:"hitl_count"`
	MeanRisk        float64   `json:"mean_risk"`
	P50Ms           int64     `json:"p50_ms"`
	P95Ms           int64     `json:"p95_ms"`
	P99Ms           int64     `json:"p99_ms"`
	ComputedAt      time.Time `json:"computed_at"`
}

// SuccessRate is completed+approved over the sample count.
func (m *MetricSnapshot) SuccessRate() float64 {
	if m.SampleCount == 0 {
		return 0
	}
	return float64(m.CompletedCount+m.ApprovedCount) / float64(m.SampleCount)
}

// HITLRate is the share of samples that required human approval.
func (m *MetricSnapshot) HITLRate() float64 {
	if m.SampleCount == 0 {
		return 0
	}
	return float64(m.HITLCount) / float64(m.SampleCount)
}

// --- Update types ---

// ExecutionUpdate specifies mutable fields of an execution. Terminal
// executions reject further updates at the store layer.
type ExecutionUpdate struct {
	Status         *schema.ExecutionStatus `json:"status,omitempty"`
	StepOutputs    []schema.StepOutput     `json:"step_outputs,omitempty"`
	CumulativeRisk *float64                `json:"cumulative_risk_score,omitempty"`
	FailedStep     *string                 `json:"failed_step,omitempty"`
	Error          json.RawMessage         `json:"error,omitempty"`
	StartedAt      *time.Time              `json:"started_at,omitempty"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
}

// ApprovalUpdate specifies mutable fields of an approval request.
type ApprovalUpdate struct {
	Status          *schema.ApprovalStatus `json:"status,omitempty"`
	AssignedTo      *string                `json:"assigned_to,omitempty"`
	EscalationLevel *int                   `json:"escalation_level,omitempty"`
	ExpiresAt       *time.Time             `json:"expires_at,omitempty"`
	DecidedBy       *string                `json:"decided_by,omitempty"`
	DecisionNotes   *string                `json:"decision_notes,omitempty"`
	DecidedAt       *time.Time             `json:"decided_at,omitempty"`
}

// ExperimentUpdate specifies mutable fields of an experiment.
type ExperimentUpdate struct {
	Status         *schema.ExperimentStatus `json:"status,omitempty"`
	VariantIDs     []string                 `json:"variant_ids,omitempty"`
	WinningVariant *string                  `json:"winning_variant,omitempty"`
	Significant    *bool                    `json:"significant,omitempty"`
	Recommendation *schema.Recommendation   `json:"recommendation,omitempty"`
	StartedAt      *time.Time               `json:"started_at,omitempty"`
	ConcludedAt    *time.Time               `json:"concluded_at,omitempty"`
}

// --- Filter types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	DeliverableType string                  `json:"deliverable_type,omitempty"`
	Status          *schema.ExecutionStatus `json:"status,omitempty"`
	VariantID       *string                 `json:"variant_id,omitempty"`
	Since           *time.Time              `json:"since,omitempty"`
	Limit           int                     `json:"limit,omitempty"`
	Offset          int                     `json:"offset,omitempty"`
}

// ApprovalFilter specifies criteria for listing approval requests.
type ApprovalFilter struct {
	ExecutionID   string                 `json:"execution_id,omitempty"`
	Status        *schema.ApprovalStatus `json:"status,omitempty"`
	AssignedTo    string                 `json:"assigned_to,omitempty"`
	ExpiresBefore *time.Time             `json:"expires_before,omitempty"`
	Limit         int                    `json:"limit,omitempty"`
}

// ApproverFilter selects directory entries by capability.
type ApproverFilter struct {
	Discipline     string   `json:"discipline,omitempty"`
	MinSeniority   int      `json:"min_seniority,omitempty"`
	MinRiskCeiling *float64 `json:"min_risk_ceiling,omitempty"` // max_risk_score >= X
	AvailableOnly  bool     `json:"available_only,omitempty"`
}

// VariantFilter specifies criteria for listing schema variants.
type VariantFilter struct {
	DeliverableType string                `json:"deliverable_type,omitempty"`
	BaseVersion     int                   `json:"base_version,omitempty"`
	Status          *schema.VariantStatus `json:"status,omitempty"`
	VariantIDs      []string              `json:"variant_ids,omitempty"`
}

// AuditFilter specifies criteria for querying the audit stream.
type AuditFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	Type        string     `json:"event_type,omitempty"`
	RuleID      string     `json:"rule_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// MetricFilter specifies criteria for reading metric snapshots.
type MetricFilter struct {
	DeliverableType string     `json:"deliverable_type,omitempty"`
	SchemaVersion   int        `json:"schema_version,omitempty"`
	VariantID       *string    `json:"variant_id,omitempty"`
	From            *time.Time `json:"from,omitempty"`
	To              *time.Time `json:"to,omitempty"`
}
