package expressions

import "context"

// Engine evaluates a normalized condition against a read-only data map.
// Two implementations: CEL (default rule dialect) and Expr (alternate).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Check compiles the expression without evaluating it. Used at publish
	// time so malformed conditions are schema-validation defects.
	Check(expression string) error
}
