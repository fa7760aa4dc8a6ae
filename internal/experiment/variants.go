package experiment

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/pkg/schema"
)

// VariantManager owns schema variants: creation, lifecycle, traffic-weighted
// selection, and override application. The base schema version is never
// mutated; overrides apply to a per-run copy.
type VariantManager struct {
	store  store.Store
	logger *slog.Logger

	// draw returns a uniform value in [0, 100). Injected for tests.
	draw func() float64
}

// NewVariantManager creates a VariantManager.
func NewVariantManager(s store.Store, logger *slog.Logger) *VariantManager {
	return &VariantManager{
		store:  s,
		logger: logger,
		draw:   func() float64 { return rand.Float64() * 100 },
	}
}

// Create validates and stores a new variant in draft status. The combined
// traffic allocation of active variants plus this one must not exceed 100;
// the remainder is the baseline's share.
func (m *VariantManager) Create(ctx context.Context, v *schema.SchemaVariant) (*schema.SchemaVariant, error) {
	if v.VariantKey == "" {
		return nil, schema.NewError(schema.ErrCodeSchemaValidation, "variant_key is required")
	}
	if v.TrafficAllocation < 0 || v.TrafficAllocation > 100 {
		return nil, schema.NewErrorf(schema.ErrCodeSchemaValidation,
			"traffic_allocation %.2f outside [0, 100]", v.TrafficAllocation)
	}
	base, err := m.store.GetSchemaVersion(ctx, v.DeliverableType, v.BaseVersion)
	if err != nil {
		return nil, err
	}
	if err := validateOverrides(base, v.Overrides); err != nil {
		return nil, err
	}
	if err := m.checkAllocation(ctx, v, v.TrafficAllocation); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	v.VariantID = uuid.New().String()
	v.SchemaID = base.SchemaID
	v.Status = schema.VariantDraft
	v.CreatedAt = now
	v.UpdatedAt = now
	if err := m.store.CreateVariant(ctx, v); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create variant").WithCause(err)
	}
	return v, nil
}

// validateOverrides rejects patches that reference nothing in the base.
func validateOverrides(base *schema.DeliverableSchema, o schema.SchemaOverrides) error {
	if o.Thresholds != nil {
		t := *o.Thresholds
		if t.AutoApprove < 0 || t.RequireHITL > 1 {
			return schema.NewError(schema.ErrCodeSchemaValidation,
				"override thresholds must lie in [0, 1]")
		}
		if !(t.AutoApprove <= t.RequireReview && t.RequireReview <= t.RequireHITL) {
			return schema.NewError(schema.ErrCodeSchemaValidation,
				"override thresholds must satisfy auto_approve <= require_review <= require_hitl")
		}
	}
	known := make(map[string]bool, len(base.RiskRules.Rules))
	for _, r := range base.RiskRules.Rules {
		known[r.RuleID] = true
	}
	for _, id := range o.DisabledRules {
		if !known[id] {
			return schema.NewErrorf(schema.ErrCodeSchemaValidation,
				"disabled rule %q does not exist in base version", id)
		}
	}
	for name := range o.Steps {
		if base.Step(name) == nil {
			return schema.NewErrorf(schema.ErrCodeSchemaValidation,
				"step patch targets unknown step %q", name)
		}
	}
	for _, r := range o.ExtraRules {
		if r.RuleID == "" || r.Condition == "" {
			return schema.NewError(schema.ErrCodeSchemaValidation,
				"extra rules need rule_id and condition")
		}
		if known[r.RuleID] {
			return schema.NewErrorf(schema.ErrCodeSchemaValidation,
				"extra rule %q collides with a base rule", r.RuleID)
		}
	}
	return nil
}

// checkAllocation enforces the sum constraint across active variants of the
// same (type, base version), excluding the variant being updated.
func (m *VariantManager) checkAllocation(ctx context.Context, v *schema.SchemaVariant, adding float64) error {
	active := schema.VariantActive
	existing, err := m.store.ListVariants(ctx, store.VariantFilter{
		DeliverableType: v.DeliverableType,
		BaseVersion:     v.BaseVersion,
		Status:          &active,
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "list active variants").WithCause(err)
	}
	total := adding
	for _, e := range existing {
		if e.VariantID == v.VariantID {
			continue
		}
		total += e.TrafficAllocation
	}
	if total > 100 {
		return schema.NewErrorf(schema.ErrCodeSchemaValidation,
			"total traffic allocation %.2f exceeds 100", total)
	}
	return nil
}

// Activate moves a draft or paused variant into rotation.
func (m *VariantManager) Activate(ctx context.Context, variantID string) error {
	return m.setStatus(ctx, variantID, schema.VariantActive,
		schema.VariantDraft, schema.VariantPaused)
}

// Pause removes a variant from rotation without losing it.
func (m *VariantManager) Pause(ctx context.Context, variantID string) error {
	return m.setStatus(ctx, variantID, schema.VariantPaused, schema.VariantActive)
}

// Archive retires a variant permanently.
func (m *VariantManager) Archive(ctx context.Context, variantID string) error {
	return m.setStatus(ctx, variantID, schema.VariantArchived,
		schema.VariantDraft, schema.VariantActive, schema.VariantPaused)
}

func (m *VariantManager) setStatus(ctx context.Context, variantID string, to schema.VariantStatus, from ...schema.VariantStatus) error {
	v, err := m.store.GetVariant(ctx, variantID)
	if err != nil {
		return err
	}
	ok := false
	for _, f := range from {
		if v.Status == f {
			ok = true
			break
		}
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"variant %q is %s, cannot move to %s", variantID, v.Status, to)
	}
	if to == schema.VariantActive {
		if err := m.checkAllocation(ctx, v, v.TrafficAllocation); err != nil {
			return err
		}
	}
	return m.store.UpdateVariantStatus(ctx, variantID, to)
}

// Select picks the governing variant for a new execution with one uniform
// draw over [0, 100) walked across active variants in variant_key order. A
// nil result means the baseline schema governs.
func (m *VariantManager) Select(ctx context.Context, deliverableType string, version int) (*schema.SchemaVariant, error) {
	active := schema.VariantActive
	variants, err := m.store.ListVariants(ctx, store.VariantFilter{
		DeliverableType: deliverableType,
		BaseVersion:     version,
		Status:          &active,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list active variants").WithCause(err)
	}
	if len(variants) == 0 {
		return nil, nil
	}

	roll := m.draw()
	var cum float64
	for _, v := range variants {
		cum += v.TrafficAllocation
		if roll < cum {
			return v, nil
		}
	}
	return nil, nil
}

// ApplyOverrides returns a copy of the base schema with the variant's
// overrides applied.
func ApplyOverrides(base *schema.DeliverableSchema, v *schema.SchemaVariant) *schema.DeliverableSchema {
	out := *base
	if v == nil {
		return &out
	}
	o := v.Overrides

	if o.Thresholds != nil {
		out.Thresholds = *o.Thresholds
	}

	out.RiskRules.Rules = nil
	disabled := make(map[string]bool, len(o.DisabledRules))
	for _, id := range o.DisabledRules {
		disabled[id] = true
	}
	for _, r := range base.RiskRules.Rules {
		if !disabled[r.RuleID] {
			out.RiskRules.Rules = append(out.RiskRules.Rules, r)
		}
	}
	out.RiskRules.Rules = append(out.RiskRules.Rules, o.ExtraRules...)
	if o.Dialect != nil {
		out.RiskRules.Dialect = *o.Dialect
	}

	if len(o.Steps) > 0 {
		out.Steps = make([]schema.StepDefinition, len(base.Steps))
		copy(out.Steps, base.Steps)
		for i := range out.Steps {
			patch, ok := o.Steps[out.Steps[i].StepName]
			if !ok {
				continue
			}
			if patch.Timeout != nil {
				out.Steps[i].Timeout = *patch.Timeout
			}
			if patch.RetryCount != nil {
				out.Steps[i].RetryCount = *patch.RetryCount
			}
			if patch.OnError != nil {
				out.Steps[i].OnError = *patch.OnError
			}
		}
	}
	return &out
}
