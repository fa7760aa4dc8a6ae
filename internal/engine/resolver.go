package engine

import (
	"fmt"
	"strings"

	"github.com/verdikt/verdikt/internal/expressions"
	"github.com/verdikt/verdikt/pkg/schema"
)

// resolveStepInputs materializes a step's input_mapping against the execution
// scope. References to earlier steps are publish-time validated, so a missing
// path here means the producing step emitted a different shape (or was
// skipped); that is a step execution error handled by the on_error policy.
func resolveStepInputs(step schema.StepDefinition, scope *expressions.Scope) (map[string]any, error) {
	input := make(map[string]any, len(step.InputMapping))
	for key, ref := range step.InputMapping {
		v, err := resolveReference(ref, scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"resolve input %q: %s", key, err.Error()).WithStep(step.StepName)
		}
		input[key] = v
	}
	return input, nil
}

func resolveReference(ref schema.Reference, scope *expressions.Scope) (any, error) {
	switch ref.Kind {
	case schema.RefLiteral:
		return ref.Literal, nil
	case schema.RefInput:
		v, ok := scope.LookupInput(ref.Path)
		if !ok {
			return nil, fmt.Errorf("input path %q not present", strings.Join(ref.Path, "."))
		}
		return v, nil
	case schema.RefStep:
		root := fmt.Sprintf("step%d", ref.StepNum)
		v, ok := scope.Lookup(root, ref.Path)
		if !ok {
			return nil, fmt.Errorf("step %d output path %q not present", ref.StepNum, strings.Join(ref.Path, "."))
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown reference kind %q", ref.Kind)
	}
}
