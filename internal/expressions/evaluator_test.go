package expressions

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdikt/verdikt/pkg/schema"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return ev
}

func loadScope(t *testing.T) map[string]any {
	t.Helper()
	scope := NewScope(map[string]any{
		"axial_load_dead":       600.0,
		"axial_load_live":       400.0,
		"safe_bearing_capacity": 200.0,
	}, map[string]any{
		"project_class": "standard",
	})
	require.NoError(t, scope.AddStepOutput(1, "compute_loads", json.RawMessage(`{"total_load": 1000, "utilization": 0.62}`)))
	return scope.Data(nil)
}

func TestEvalCondition_BothDialects(t *testing.T) {
	ev := newTestEvaluator(t)
	data := loadScope(t)

	tests := []struct {
		name      string
		condition string
		want      bool
	}{
		{"arithmetic comparison false", "$input.axial_load_dead + $input.axial_load_live > 2000.0", false},
		{"arithmetic comparison true", "$input.axial_load_dead + $input.axial_load_live > 900.0", true},
		{"step output by alias", "$step1.utilization > 0.5", true},
		{"step output by name via context scope", "$step1.total_load >= 1000.0", true},
		{"boolean keywords", "$input.axial_load_dead > 500.0 AND $input.axial_load_live > 500.0", false},
		{"or keyword", "$input.axial_load_dead > 500.0 OR $input.axial_load_live > 500.0", true},
		{"context string compare", "$context.project_class == 'standard'", true},
		{"ternary", "$step1.utilization > 0.5 ? 1 : 0", true},
	}

	for _, dialect := range []schema.ExprDialect{schema.DialectCEL, schema.DialectExpr} {
		for _, tt := range tests {
			t.Run(string(dialect)+"/"+tt.name, func(t *testing.T) {
				got, err := ev.EvalCondition(context.Background(), dialect, tt.condition, data)
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			})
		}
	}
}

func TestEvalCondition_MissingPathIsFalse(t *testing.T) {
	ev := newTestEvaluator(t)
	data := loadScope(t)

	for _, dialect := range []schema.ExprDialect{schema.DialectCEL, schema.DialectExpr} {
		fired, err := ev.EvalCondition(context.Background(), dialect, "$input.nonexistent_field > 10.0", data)
		assert.False(t, fired, string(dialect))
		// The failure is reported for audit bookkeeping but never aborts.
		assert.Error(t, err, string(dialect))
	}
}

func TestCheck_CompileErrors(t *testing.T) {
	ev := newTestEvaluator(t)

	require.NoError(t, ev.Check(schema.DialectCEL, "$input.a + $input.b > 2000.0"))
	require.NoError(t, ev.Check(schema.DialectExpr, "$input.a + $input.b > 2000"))

	err := ev.Check(schema.DialectCEL, "$input.a >>> 2")
	require.Error(t, err)
	verr, ok := err.(*schema.VerdiktError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExpression, verr.Code)

	assert.Error(t, ev.Check(schema.DialectExpr, "$input.a ?? ?? 2"))
}

func TestScope_ImmutableOutputs(t *testing.T) {
	scope := NewScope(map[string]any{"x": 1.0}, nil)

	require.NoError(t, scope.AddStepOutput(1, "first", json.RawMessage(`{"v": 1}`)))
	err := scope.AddStepOutput(1, "first", json.RawMessage(`{"v": 2}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestScope_Lookup(t *testing.T) {
	scope := NewScope(map[string]any{"loads": map[string]any{"axial": 600.0}}, nil)
	require.NoError(t, scope.AddStepOutput(2, "capacity", json.RawMessage(`{"ratio": {"value": 0.8}}`)))

	v, ok := scope.Lookup("step2", []string{"ratio", "value"})
	require.True(t, ok)
	assert.Equal(t, 0.8, v)

	v, ok = scope.Lookup("capacity", []string{"ratio", "value"})
	require.True(t, ok)
	assert.Equal(t, 0.8, v)

	_, ok = scope.Lookup("capacity", []string{"missing"})
	assert.False(t, ok)

	v, ok = scope.LookupInput([]string{"loads", "axial"})
	require.True(t, ok)
	assert.Equal(t, 600.0, v)
}

func TestScope_DataDerivedContext(t *testing.T) {
	scope := NewScope(nil, map[string]any{"caller": "api"})

	data := scope.Data(map[string]any{"cumulative_risk": 0.75, "high_factor_count": int64(2)})
	ctx := data["context"].(map[string]any)
	assert.Equal(t, "api", ctx["caller"])
	assert.Equal(t, 0.75, ctx["cumulative_risk"])

	// Derived vars must not leak back into the scope.
	plain := scope.Data(nil)
	_, has := plain["context"].(map[string]any)["cumulative_risk"]
	assert.False(t, has)
}
