package expressions

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Scope holds the read-only data a rule condition can reference: the
// execution input, caller-supplied context, and prior step outputs. It
// enforces:
//   - Step outputs are immutable after completion (frozen on insert).
//   - Append-only: new outputs are added as each step completes.
//   - Each output is addressable by step name and by its step<N> alias,
//     so `$step2.x` and a name-based lookup resolve identically.
type Scope struct {
	mu      sync.RWMutex
	input   map[string]any // execution input (frozen at init)
	context map[string]any // caller context (frozen at init)
	steps   map[string]any // completed step outputs (frozen on insert)
}

// NewScope creates a Scope initialized with execution-level data.
// input and context are deep-copied to prevent external mutation.
func NewScope(input, context map[string]any) *Scope {
	return &Scope{
		input:   deepCopyMap(input),
		context: deepCopyMap(context),
		steps:   make(map[string]any),
	}
}

// AddStepOutput registers a completed step's output under both its name and
// its step<N> alias. The output is frozen at insertion; re-registering a
// step is rejected.
func (s *Scope) AddStepOutput(stepNumber int, stepName string, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.steps[stepName]; exists {
		return fmt.Errorf("step %q output already registered; step outputs are immutable", stepName)
	}

	var parsed any
	if len(output) > 0 {
		if err := json.Unmarshal(output, &parsed); err != nil {
			return fmt.Errorf("cannot parse step %q output: %w", stepName, err)
		}
	}

	frozen := deepCopyAny(parsed)
	s.steps[stepName] = frozen
	s.steps[fmt.Sprintf("step%d", stepNumber)] = frozen
	return nil
}

// Lookup resolves a path (first segment is a step name/alias or omitted for
// whole output) within the registered step outputs. Returns (nil, false)
// for any missing segment.
func (s *Scope) Lookup(root string, path []string) (any, bool) {
	s.mu.RLock()
	v, ok := s.steps[root]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return walkPath(v, path)
}

// LookupInput resolves a path within the execution input.
func (s *Scope) LookupInput(path []string) (any, bool) {
	return walkPath(s.input, path)
}

// Data builds the evaluation data map. Step outputs are snapshot-copied so
// the result is safe for concurrent use; input and context are already
// frozen. extraContext entries (derived routing variables) are merged over
// a copy of the caller context without mutating the scope.
func (s *Scope) Data(extraContext map[string]any) map[string]any {
	s.mu.RLock()
	steps := deepCopyMap(s.steps)
	s.mu.RUnlock()

	ctx := s.context
	if len(extraContext) > 0 {
		ctx = deepCopyMap(s.context)
		if ctx == nil {
			ctx = make(map[string]any, len(extraContext))
		}
		for k, v := range extraContext {
			ctx[k] = v
		}
	}

	return map[string]any{
		"input":   s.input,
		"steps":   steps,
		"context": ctx,
	}
}

// walkPath descends a parsed JSON value by map keys.
func walkPath(v any, path []string) (any, bool) {
	cur := v
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// --- Deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively copies maps and slices; primitives are value types.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
