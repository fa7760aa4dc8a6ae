package experiment

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/pkg/schema"
)

// Manager owns experiment lifecycle and conclusion analysis.
type Manager struct {
	store    store.Store
	variants *VariantManager
	logger   *slog.Logger
}

// NewManager creates an experiment Manager.
func NewManager(s store.Store, variants *VariantManager, logger *slog.Logger) *Manager {
	return &Manager{store: s, variants: variants, logger: logger}
}

var zCritical = map[float64]float64{
	0.90: 1.645,
	0.95: 1.960,
	0.99: 2.576,
}

// Create validates and stores a draft experiment.
func (m *Manager) Create(ctx context.Context, e *schema.Experiment) (*schema.Experiment, error) {
	if e.Name == "" {
		return nil, schema.NewError(schema.ErrCodeSchemaValidation, "experiment name is required")
	}
	if len(e.VariantIDs) == 0 {
		return nil, schema.NewError(schema.ErrCodeSchemaValidation, "experiment needs at least one variant")
	}
	switch e.PrimaryMetric {
	case schema.MetricSuccessRate, schema.MetricMeanRisk, schema.MetricHITLRate:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeSchemaValidation, "unknown primary metric %q", e.PrimaryMetric)
	}
	if _, ok := zCritical[e.ConfidenceLevel]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeSchemaValidation,
			"confidence level %.2f not supported (0.90, 0.95, 0.99)", e.ConfidenceLevel)
	}
	if e.MinSampleSize <= 0 {
		return nil, schema.NewError(schema.ErrCodeSchemaValidation, "min_sample_size must be positive")
	}
	for _, id := range e.VariantIDs {
		v, err := m.store.GetVariant(ctx, id)
		if err != nil {
			return nil, err
		}
		if v.DeliverableType != e.DeliverableType || v.BaseVersion != e.SchemaVersion {
			return nil, schema.NewErrorf(schema.ErrCodeSchemaValidation,
				"variant %q does not belong to %s v%d", id, e.DeliverableType, e.SchemaVersion)
		}
	}

	e.ExperimentID = uuid.New().String()
	e.Status = schema.ExperimentDraft
	e.CreatedAt = time.Now().UTC()
	if err := m.store.CreateExperiment(ctx, e); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create experiment").WithCause(err)
	}
	return e, nil
}

// Start activates the experiment's variants and begins collection. Only one
// experiment may run per schema version at a time.
func (m *Manager) Start(ctx context.Context, experimentID string) error {
	e, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if e.Status != schema.ExperimentDraft {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"experiment %q is %s, not draft", experimentID, e.Status)
	}
	if running, err := m.store.GetRunningExperiment(ctx, e.DeliverableType, e.SchemaVersion); err == nil && running != nil {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"experiment %q already running for %s v%d", running.ExperimentID, e.DeliverableType, e.SchemaVersion)
	}

	for _, id := range e.VariantIDs {
		v, err := m.store.GetVariant(ctx, id)
		if err != nil {
			return err
		}
		if v.Status == schema.VariantActive {
			continue
		}
		if err := m.variants.Activate(ctx, id); err != nil {
			return err
		}
	}

	status := schema.ExperimentRunning
	startedAt := time.Now().UTC()
	return m.store.UpdateExperiment(ctx, experimentID, store.ExperimentUpdate{
		Status:    &status,
		StartedAt: &startedAt,
	})
}

// Cancel stops a draft or running experiment without a verdict and pauses
// its variants.
func (m *Manager) Cancel(ctx context.Context, experimentID string) error {
	e, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if e.Status != schema.ExperimentDraft && e.Status != schema.ExperimentRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"experiment %q is %s, cannot cancel", experimentID, e.Status)
	}
	for _, id := range e.VariantIDs {
		v, err := m.store.GetVariant(ctx, id)
		if err != nil {
			return err
		}
		if v.Status == schema.VariantActive {
			if err := m.variants.Pause(ctx, id); err != nil {
				return err
			}
		}
	}
	status := schema.ExperimentCancelled
	concludedAt := time.Now().UTC()
	return m.store.UpdateExperiment(ctx, experimentID, store.ExperimentUpdate{
		Status:      &status,
		ConcludedAt: &concludedAt,
	})
}

// Arm is one side of the comparison: the baseline or a variant.
type Arm struct {
	VariantID string  `json:"variant_id"` // "" = baseline
	Samples   int64   `json:"samples"`
	Value     float64 `json:"value"` // the primary metric's value
}

// Verdict is the outcome of concluding an experiment.
type Verdict struct {
	Baseline       Arm                   `json:"baseline"`
	Best           Arm                   `json:"best"`
	ZScore         float64               `json:"z_score"`
	Significant    bool                  `json:"significant"`
	Recommendation schema.Recommendation `json:"recommendation"`
}

// Conclude compares each variant arm against the baseline on the primary
// metric and records the verdict. Every arm must have reached the minimum
// sample size first.
func (m *Manager) Conclude(ctx context.Context, experimentID string) (*Verdict, error) {
	e, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if e.Status != schema.ExperimentRunning {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"experiment %q is %s, not running", experimentID, e.Status)
	}

	baseline, err := m.loadArm(ctx, e, "")
	if err != nil {
		return nil, err
	}
	arms := make([]Arm, 0, len(e.VariantIDs))
	for _, id := range e.VariantIDs {
		arm, err := m.loadArm(ctx, e, id)
		if err != nil {
			return nil, err
		}
		arms = append(arms, arm)
	}

	under := func(a Arm) bool { return a.Samples < e.MinSampleSize }
	if under(baseline) {
		return nil, insufficientSamples(e, "", baseline.Samples)
	}
	for _, a := range arms {
		if under(a) {
			return nil, insufficientSamples(e, a.VariantID, a.Samples)
		}
	}

	best := arms[0]
	for _, a := range arms[1:] {
		if metricBetter(e.PrimaryMetric, a.Value, best.Value) {
			best = a
		}
	}

	z := m.zScore(e.PrimaryMetric, baseline, best)
	significant := math.Abs(z) >= zCritical[e.ConfidenceLevel]

	verdict := &Verdict{
		Baseline:    baseline,
		Best:        best,
		ZScore:      z,
		Significant: significant,
	}
	switch {
	case !significant:
		verdict.Recommendation = schema.RecommendInconclusive
	case metricBetter(e.PrimaryMetric, best.Value, baseline.Value):
		verdict.Recommendation = schema.RecommendAdoptVariant
	default:
		verdict.Recommendation = schema.RecommendKeepBaseline
	}

	status := schema.ExperimentCompleted
	concludedAt := time.Now().UTC()
	winner := ""
	if verdict.Recommendation == schema.RecommendAdoptVariant {
		winner = best.VariantID
	}
	if err := m.store.UpdateExperiment(ctx, experimentID, store.ExperimentUpdate{
		Status:         &status,
		WinningVariant: &winner,
		Significant:    &significant,
		Recommendation: &verdict.Recommendation,
		ConcludedAt:    &concludedAt,
	}); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "conclude experiment").WithCause(err)
	}
	return verdict, nil
}

func insufficientSamples(e *schema.Experiment, variantID string, got int64) error {
	arm := "baseline"
	if variantID != "" {
		arm = "variant " + variantID
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"experiment %q: %s has %d of %d required samples", e.ExperimentID, arm, got, e.MinSampleSize)
}

// loadArm aggregates the metric snapshots of one arm.
func (m *Manager) loadArm(ctx context.Context, e *schema.Experiment, variantID string) (Arm, error) {
	snaps, err := m.store.GetMetricSnapshots(ctx, store.MetricFilter{
		DeliverableType: e.DeliverableType,
		SchemaVersion:   e.SchemaVersion,
		VariantID:       &variantID,
	})
	if err != nil {
		return Arm{}, schema.NewError(schema.ErrCodeStore, "load metric snapshots").WithCause(err)
	}

	arm := Arm{VariantID: variantID}
	var succeeded, hitl int64
	var riskWeighted float64
	for _, s := range snaps {
		arm.Samples += s.SampleCount
		succeeded += s.CompletedCount + s.ApprovedCount
		hitl += s.HITLCount
		riskWeighted += s.MeanRisk * float64(s.SampleCount)
	}
	if arm.Samples == 0 {
		return arm, nil
	}
	switch e.PrimaryMetric {
	case schema.MetricSuccessRate:
		arm.Value = float64(succeeded) / float64(arm.Samples)
	case schema.MetricHITLRate:
		arm.Value = float64(hitl) / float64(arm.Samples)
	case schema.MetricMeanRisk:
		arm.Value = riskWeighted / float64(arm.Samples)
	}
	return arm, nil
}

// metricBetter reports whether value a beats b for the given metric. Higher
// success rate wins; lower risk and lower HITL rate win.
func metricBetter(metric schema.PrimaryMetric, a, b float64) bool {
	if metric == schema.MetricSuccessRate {
		return a > b
	}
	return a < b
}

// zScore is a two-sample z statistic for the arm difference. Rates use the
// pooled two-proportion test. Mean risk lacks a per-sample variance in the
// snapshots, so the [0,1] range's worst-case variance of 0.25 stands in; the
// test is conservative as a result.
func (m *Manager) zScore(metric schema.PrimaryMetric, a, b Arm) float64 {
	n1, n2 := float64(a.Samples), float64(b.Samples)
	if n1 == 0 || n2 == 0 {
		return 0
	}
	diff := b.Value - a.Value

	var se float64
	if metric == schema.MetricMeanRisk {
		const variance = 0.25
		se = math.Sqrt(variance/n1 + variance/n2)
	} else {
		pooled := (a.Value*n1 + b.Value*n2) / (n1 + n2)
		se = math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	}
	if se == 0 {
		return 0
	}
	return diff / se
}
