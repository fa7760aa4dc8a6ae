package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verdikt/verdikt/internal/expressions"
	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/internal/validation"
	"github.com/verdikt/verdikt/pkg/schema"
)

// Registry manages deliverable schema versions: publish-time validation,
// version assignment, and resolution of the active version per deliverable
// type. Published versions are immutable; publishing swaps a single active
// pointer, so in-flight executions keep the version they started with.
type Registry struct {
	store     store.Store
	evaluator *expressions.Evaluator
	inputs    *validation.InputValidator
	logger    *slog.Logger

	mu     sync.RWMutex
	active map[string]*schema.DeliverableSchema
}

// New creates a Registry backed by the given store.
func New(s store.Store, ev *expressions.Evaluator, iv *validation.InputValidator, logger *slog.Logger) *Registry {
	return &Registry{
		store:     s,
		evaluator: ev,
		inputs:    iv,
		logger:    logger,
		active:    make(map[string]*schema.DeliverableSchema),
	}
}

// Publish validates a schema definition, assigns the next version number, and
// atomically makes it the active version for its deliverable type. Every
// validation violation is collected before rejecting; a rejected publish
// leaves the previously active version untouched.
func (r *Registry) Publish(ctx context.Context, ds *schema.DeliverableSchema) (string, int, error) {
	if ds == nil || ds.DeliverableType == "" {
		return "", 0, schema.NewError(schema.ErrCodeSchemaValidation, "deliverable_type is required")
	}

	if result := validateDefinition(ds, r.evaluator, r.inputs); !result.Valid() {
		return "", 0, result.ToError(schema.ErrCodeSchemaValidation)
	}

	versions, err := r.store.ListSchemaVersions(ctx, ds.DeliverableType)
	if err != nil {
		return "", 0, schema.NewError(schema.ErrCodeStore, "list schema versions").WithCause(err)
	}
	next := 1
	for _, v := range versions {
		if v.Version >= next {
			next = v.Version + 1
		}
	}

	now := time.Now().UTC()
	ds.SchemaID = uuid.New().String()
	ds.Version = next
	ds.Status = schema.SchemaStatusActive
	ds.CreatedAt = now
	ds.PublishedAt = &now

	if err := r.store.PublishSchema(ctx, ds); err != nil {
		return "", 0, schema.NewError(schema.ErrCodeStore, "publish schema").WithCause(err)
	}

	r.mu.Lock()
	r.active[ds.DeliverableType] = ds
	r.mu.Unlock()

	details, _ := json.Marshal(map[string]any{
		"deliverable_type": ds.DeliverableType,
		"version":          ds.Version,
		"step_count":       len(ds.Steps),
		"rule_count":       len(ds.RiskRules.Rules),
	})
	// The publish stream is keyed by schema ID; execution streams by execution ID.
	if err := r.store.AppendAudit(ctx, &store.AuditEvent{
		ExecutionID: ds.SchemaID,
		Type:        schema.EventSchemaPublished,
		Details:     details,
	}); err != nil {
		r.logger.WarnContext(ctx, "failed to audit schema publish",
			"schema_id", ds.SchemaID, "error", err)
	}

	r.logger.InfoContext(ctx, "schema published",
		"deliverable_type", ds.DeliverableType,
		"schema_id", ds.SchemaID,
		"version", ds.Version)
	return ds.SchemaID, ds.Version, nil
}

// Resolve returns the active schema version for a deliverable type, serving
// from the in-process cache when possible.
func (r *Registry) Resolve(ctx context.Context, deliverableType string) (*schema.DeliverableSchema, error) {
	r.mu.RLock()
	if ds, ok := r.active[deliverableType]; ok {
		r.mu.RUnlock()
		return ds, nil
	}
	r.mu.RUnlock()

	ds, err := r.store.GetActiveSchema(ctx, deliverableType)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.active[deliverableType] = ds
	r.mu.Unlock()
	return ds, nil
}

// ResolveVersion returns a specific historical schema version. Versions are
// immutable, so this always reads through to the store.
func (r *Registry) ResolveVersion(ctx context.Context, deliverableType string, version int) (*schema.DeliverableSchema, error) {
	return r.store.GetSchemaVersion(ctx, deliverableType, version)
}

// ListVersions returns all versions for a deliverable type, oldest first.
func (r *Registry) ListVersions(ctx context.Context, deliverableType string) ([]*schema.DeliverableSchema, error) {
	return r.store.ListSchemaVersions(ctx, deliverableType)
}
