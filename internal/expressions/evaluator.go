package expressions

import (
	"context"
	"log/slog"

	"github.com/verdikt/verdikt/pkg/schema"
)

// Evaluator fronts the dialect engines with the rule-condition semantics the
// risk router relies on: conditions are normalized once, compiled programs
// are cached, and a runtime evaluation failure (typically a missing path)
// makes the condition false instead of aborting the execution. Malformed
// conditions should be impossible here because Check runs at publish time;
// if one slips through it is logged as a system warning.
type Evaluator struct {
	engines map[schema.ExprDialect]Engine
	logger  *slog.Logger
}

// NewEvaluator builds an Evaluator with both dialect engines wired.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		engines: map[schema.ExprDialect]Engine{
			schema.DialectCEL:  celEngine,
			schema.DialectExpr: NewExprEngine(),
		},
		logger: logger,
	}, nil
}

// EvalCondition evaluates a rule condition against the scope, returning
// whether it fired. The returned error is non-nil only for bookkeeping
// (audit records note evaluation failures); the boolean is always usable.
func (ev *Evaluator) EvalCondition(ctx context.Context, dialect schema.ExprDialect, condition string, data map[string]any) (bool, error) {
	engine := ev.engines[DialectOrDefault(dialect)]

	out, err := engine.Evaluate(ctx, Normalize(condition), data)
	if err != nil {
		// Missing paths and type mismatches make the condition false, never
		// abort the execution.
		ev.logger.WarnContext(ctx, "condition evaluation failed, treating as false",
			slog.String("condition", condition),
			slog.String("dialect", engine.Name()),
			slog.String("error", err.Error()),
		)
		return false, err
	}

	return Truthy(out), nil
}

// Check compiles a condition in the given dialect without evaluating it.
// Used by the schema registry at publish time.
func (ev *Evaluator) Check(dialect schema.ExprDialect, condition string) error {
	engine := ev.engines[DialectOrDefault(dialect)]
	return engine.Check(Normalize(condition))
}
