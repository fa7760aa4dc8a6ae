package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/verdikt/verdikt/pkg/schema"
)

// StepFunc is an external step function invoked by the executor. The engine
// treats implementations as opaque callables; the output must be a JSON
// document addressable by later steps and risk conditions.
type StepFunc interface {
	Name() string
	Execute(ctx context.Context, input map[string]any) (json.RawMessage, error)
}

// FuncInfo is a summary of a registered step function for listing.
type FuncInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// describer is optionally implemented by step functions to surface a
// human-readable description in listings.
type describer interface {
	Description() string
}

// FuncRegistry is a thread-safe registry of step functions keyed by
// function_ref.
type FuncRegistry struct {
	mu    sync.RWMutex
	funcs map[string]StepFunc
}

// NewFuncRegistry creates an empty FuncRegistry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{
		funcs: make(map[string]StepFunc),
	}
}

// Register adds a step function. Returns an error on duplicate name.
func (r *FuncRegistry) Register(fn StepFunc) error {
	if fn == nil {
		return schema.NewError(schema.ErrCodeSchemaValidation, "step function is nil")
	}
	name := fn.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeSchemaValidation, "step function name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step function %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Get retrieves a step function by its function_ref.
func (r *FuncRegistry) Get(name string) (StepFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step function %q not registered", name)
	}
	return fn, nil
}

// Has checks whether a step function is registered.
func (r *FuncRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[name]
	return ok
}

// Count returns the number of registered step functions.
func (r *FuncRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.funcs)
}

// List returns info for all registered step functions, sorted by name.
func (r *FuncRegistry) List() []FuncInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]FuncInfo, 0, len(r.funcs))
	for _, fn := range r.funcs {
		info := FuncInfo{Name: fn.Name()}
		if d, ok := fn.(describer); ok {
			info.Description = d.Description()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// FuncOf adapts a plain function into a StepFunc.
func FuncOf(name string, fn func(ctx context.Context, input map[string]any) (json.RawMessage, error)) StepFunc {
	return &funcAdapter{name: name, fn: fn}
}

type funcAdapter struct {
	name string
	fn   func(ctx context.Context, input map[string]any) (json.RawMessage, error)
}

func (a *funcAdapter) Name() string { return a.name }

func (a *funcAdapter) Execute(ctx context.Context, input map[string]any) (json.RawMessage, error) {
	return a.fn(ctx, input)
}
