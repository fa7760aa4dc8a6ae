package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdikt/verdikt/pkg/schema"
)

var foundationContract = json.RawMessage(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["axial_load_dead", "axial_load_live", "safe_bearing_capacity"],
	"properties": {
		"axial_load_dead":       {"type": "number", "minimum": 0},
		"axial_load_live":       {"type": "number", "minimum": 0},
		"safe_bearing_capacity": {"type": "number", "exclusiveMinimum": 0}
	},
	"additionalProperties": false
}`)

func TestValidateInput_Accepts(t *testing.T) {
	v := NewInputValidator()
	result := v.ValidateInput(map[string]any{
		"axial_load_dead":       600.0,
		"axial_load_live":       400.0,
		"safe_bearing_capacity": 200.0,
	}, foundationContract)
	assert.True(t, result.Valid())
}

func TestValidateInput_CollectsEveryViolation(t *testing.T) {
	v := NewInputValidator()
	result := v.ValidateInput(map[string]any{
		"axial_load_dead": -5.0,
		"unknown_field":   true,
	}, foundationContract)

	require.False(t, result.Valid())
	// Missing required fields, negative load, and the extra property must
	// all be reported, not just the first.
	assert.GreaterOrEqual(t, len(result.Errors), 3)

	err := result.ToError(schema.ErrCodeInputValidation)
	verr, ok := err.(*schema.VerdiktError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInputValidation, verr.Code)
}

func TestValidateInput_NoContract(t *testing.T) {
	v := NewInputValidator()
	assert.True(t, v.ValidateInput(map[string]any{"anything": 1}, nil).Valid())
}

func TestCheckContract(t *testing.T) {
	v := NewInputValidator()
	require.NoError(t, v.CheckContract(foundationContract))
	require.NoError(t, v.CheckContract(nil))

	err := v.CheckContract(json.RawMessage(`{"type": ["not-a-type"]}`))
	require.Error(t, err)
}

func TestValidateInput_CacheReuse(t *testing.T) {
	v := NewInputValidator()
	for i := 0; i < 3; i++ {
		result := v.ValidateInput(map[string]any{
			"axial_load_dead":       1.0,
			"axial_load_live":       1.0,
			"safe_bearing_capacity": 1.0,
		}, foundationContract)
		assert.True(t, result.Valid())
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
