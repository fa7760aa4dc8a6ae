package schema

import "time"

// VariantStatus is the lifecycle state of a schema variant.
type VariantStatus string

const (
	VariantDraft    VariantStatus = "draft"
	VariantActive   VariantStatus = "active"
	VariantPaused   VariantStatus = "paused"
	VariantArchived VariantStatus = "archived"
)

// StepPatch overrides selected fields of a base step. Nil fields keep the
// base value.
type StepPatch struct {
	Timeout    *string        `json:"timeout,omitempty"`
	RetryCount *int           `json:"retry_count,omitempty"`
	OnError    *OnErrorPolicy `json:"on_error,omitempty"`
}

// SchemaOverrides is a partial patch applied to a copy of the base schema
// version when a variant governs a run. The base version itself is never
// mutated.
type SchemaOverrides struct {
	Thresholds    *RiskThresholds      `json:"thresholds,omitempty"`
	Dialect       *ExprDialect         `json:"dialect,omitempty"`
	ExtraRules    []RiskRule           `json:"extra_rules,omitempty"`
	DisabledRules []string             `json:"disabled_rules,omitempty"` // rule IDs
	Steps         map[string]StepPatch `json:"steps,omitempty"`          // keyed by step name
}

// SchemaVariant is an alternate configuration of a schema version used for
// controlled experimentation.
type SchemaVariant struct {
	VariantID         string          `json:"variant_id"`
	SchemaID          string          `json:"schema_id"`
	DeliverableType   string          `json:"deliverable_type"`
	BaseVersion       int             `json:"base_version"`
	VariantKey        string          `json:"variant_key"`
	Overrides         SchemaOverrides `json:"overrides"`
	Status            VariantStatus   `json:"status"`
	TrafficAllocation float64         `json:"traffic_allocation"` // percent of traffic, [0,100]
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentCancelled ExperimentStatus = "cancelled"
)

// PrimaryMetric selects what an experiment compares between variants.
type PrimaryMetric string

const (
	MetricSuccessRate PrimaryMetric = "success_rate"
	MetricMeanRisk    PrimaryMetric = "mean_risk"
	MetricHITLRate    PrimaryMetric = "hitl_rate"
)

// Recommendation is the outcome of a concluded experiment.
type Recommendation string

const (
	RecommendAdoptVariant Recommendation = "adopt_variant"
	RecommendKeepBaseline Recommendation = "keep_baseline"
	RecommendInconclusive Recommendation = "inconclusive"
)

// Experiment groups two or more variants of one schema version under a
// primary metric. Completion computes a winner and significance and is never
// mutated thereafter.
type Experiment struct {
	ExperimentID    string           `json:"experiment_id"`
	Name            string           `json:"name"`
	DeliverableType string           `json:"deliverable_type"`
	SchemaVersion   int              `json:"schema_version"`
	VariantIDs      []string         `json:"variant_ids"`
	PrimaryMetric   PrimaryMetric    `json:"primary_metric"`
	MinSampleSize   int64            `json:"min_sample_size"`
	ConfidenceLevel float64          `json:"confidence_level"` // 0.90 | 0.95 | 0.99
	Status          ExperimentStatus `json:"status"`
	WinningVariant  string           `json:"winning_variant,omitempty"` // "" = baseline
	Significant     bool             `json:"significant"`
	Recommendation  Recommendation   `json:"recommendation,omitempty"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	ConcludedAt     *time.Time       `json:"concluded_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}
