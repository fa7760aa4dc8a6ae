package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/verdikt/verdikt/pkg/schema"
)

// AuditExporter projects audit trails through jq programs for compliance
// reporting. Compiled *Code objects are cached; safe for concurrent use.
type AuditExporter struct {
	store Store

	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewAuditExporter wraps a store for jq-projected audit exports.
func NewAuditExporter(s Store) *AuditExporter {
	return &AuditExporter{
		store: s,
		cache: make(map[string]*gojq.Code),
	}
}

// Export loads the full audit trail for an execution and runs each event
// through the jq projection, collecting every produced value. An empty
// projection returns the events unprojected.
func (x *AuditExporter) Export(ctx context.Context, executionID, projection string) ([]any, error) {
	events, err := x.store.GetAuditTrail(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}

	docs := make([]any, 0, len(events))
	for _, e := range events {
		doc, err := toDocument(e)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	if projection == "" {
		return docs, nil
	}

	code, err := x.getOrCompile(projection)
	if err != nil {
		return nil, err
	}

	var results []any
	for _, doc := range docs {
		iter := code.RunWithContext(ctx, doc)
		for {
			val, ok := iter.Next()
			if !ok {
				break
			}
			if jqErr, isErr := val.(error); isErr {
				return nil, schema.NewErrorf(schema.ErrCodeExpression,
					"jq projection failed for %q: %s", projection, jqErr.Error()).
					WithCause(jqErr).
					WithDetails(map[string]any{"projection": projection})
			}
			results = append(results, val)
		}
	}
	return results, nil
}

// CheckProjection verifies a jq projection compiles. Used before accepting
// export requests.
func (x *AuditExporter) CheckProjection(projection string) error {
	if projection == "" {
		return nil
	}
	_, err := x.getOrCompile(projection)
	return err
}

func (x *AuditExporter) getOrCompile(projection string) (*gojq.Code, error) {
	x.mu.RLock()
	if code, ok := x.cache[projection]; ok {
		x.mu.RUnlock()
		return code, nil
	}
	x.mu.RUnlock()

	x.mu.Lock()
	defer x.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := x.cache[projection]; ok {
		return code, nil
	}

	query, err := gojq.Parse(projection)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq parse error in %q: %s", projection, err.Error()).WithCause(err)
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq compile error in %q: %s", projection, err.Error()).WithCause(err)
	}

	x.cache[projection] = code
	return code, nil
}

// toDocument round-trips an event through JSON so jq sees plain maps and
// float64 numbers.
func toDocument(e *AuditEvent) (any, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
