package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		name    string
		raw     any
		want    Reference
		wantErr bool
	}{
		{
			name: "input path",
			raw:  "$input.loads.axial",
			want: Reference{Kind: RefInput, Path: []string{"loads", "axial"}},
		},
		{
			name: "step path",
			raw:  "$step2.result.moment",
			want: Reference{Kind: RefStep, StepNum: 2, Path: []string{"result", "moment"}},
		},
		{
			name: "whole step output",
			raw:  "$step1",
			want: Reference{Kind: RefStep, StepNum: 1},
		},
		{
			name: "plain string literal",
			raw:  "concrete",
			want: Reference{Kind: RefLiteral, Literal: "concrete"},
		},
		{
			name: "escaped dollar literal",
			raw:  `\$input.x`,
			want: Reference{Kind: RefLiteral, Literal: "$input.x"},
		},
		{
			name: "numeric literal",
			raw:  42.5,
			want: Reference{Kind: RefLiteral, Literal: 42.5},
		},
		{
			name:    "unknown prefix",
			raw:     "$output.x",
			wantErr: true,
		},
		{
			name:    "bad step number",
			raw:     "$stepX.y",
			wantErr: true,
		},
		{
			name:    "zero step number",
			raw:     "$step0.y",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReference(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReference_JSONRoundTrip(t *testing.T) {
	var def StepDefinition
	raw := `{
		"step_number": 2,
		"step_name": "check_capacity",
		"function_ref": "bearing.capacity_check",
		"input_mapping": {
			"load": "$step1.total_load",
			"capacity": "$input.safe_bearing_capacity",
			"factor": 1.5
		}
	}`
	require.NoError(t, json.Unmarshal([]byte(raw), &def))

	assert.Equal(t, RefStep, def.InputMapping["load"].Kind)
	assert.Equal(t, 1, def.InputMapping["load"].StepNum)
	assert.Equal(t, RefInput, def.InputMapping["capacity"].Kind)
	assert.Equal(t, RefLiteral, def.InputMapping["factor"].Kind)

	out, err := json.Marshal(def.InputMapping["load"])
	require.NoError(t, err)
	assert.Equal(t, `"$step1.total_load"`, string(out))
}

func TestMoreSevere(t *testing.T) {
	ordered := []RuleAction{ActionNone, ActionWarn, ActionRequireReview, ActionEscalate, ActionRequireHITL, ActionBlock}
	for i := 1; i < len(ordered); i++ {
		assert.True(t, MoreSevere(ordered[i], ordered[i-1]),
			"%s should outrank %s", ordered[i], ordered[i-1])
		assert.False(t, MoreSevere(ordered[i-1], ordered[i]))
	}
	// The override action carries no severity of its own.
	assert.False(t, MoreSevere(ActionAutoApproveOverride, ActionNone))
}

func TestExecutionStatus_Terminal(t *testing.T) {
	for _, s := range []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionApproved, ExecutionRejected, ExecutionCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionAwaitingApproval} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	require.NoError(t, r.ToError(ErrCodeSchemaValidation))

	r.AddError("steps[2].input_mapping.load", "forward reference to step 5")
	r.AddErrorf("risk_rules[0].condition", "compile error: %s", "unexpected token")
	r.AddWarning("steps[3]", "timeout not set, default applies")

	err := r.ToError(ErrCodeSchemaValidation)
	require.Error(t, err)

	verr, ok := err.(*VerdiktError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeSchemaValidation, verr.Code)
	assert.Contains(t, verr.Message, "2 errors")
	assert.Equal(t, 2, verr.Details["error_count"])
	assert.Equal(t, 1, verr.Details["warning_count"])
}
