package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/verdikt/verdikt/pkg/schema"
)

// InputValidator validates execution inputs against a deliverable schema's
// input contract (JSON Schema Draft 2020-12). Compiled contracts are cached;
// safe for concurrent use.
type InputValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewInputValidator creates an empty InputValidator.
func NewInputValidator() *InputValidator {
	return &InputValidator{
		cache: make(map[string]*jsonschema.Schema),
	}
}

// CheckContract verifies that an input contract is itself a valid JSON
// Schema. Used by the registry at publish time.
func (v *InputValidator) CheckContract(contract json.RawMessage) error {
	if len(contract) == 0 {
		return nil
	}
	_, err := v.getOrCompile(contract)
	return err
}

// ValidateInput validates an input payload against a contract, collecting
// every violated field into the result. A nil contract accepts any input.
func (v *InputValidator) ValidateInput(input map[string]any, contract json.RawMessage) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(contract) == 0 {
		return result
	}

	compiled, err := v.getOrCompile(contract)
	if err != nil {
		result.AddError("input_contract", err.Error())
		return result
	}

	doc, err := toJSONValue(input)
	if err != nil {
		result.AddError("input", "failed to serialize input: "+err.Error())
		return result
	}

	if err := compiled.Validate(doc); err != nil {
		for _, violation := range collectViolations(err) {
			result.AddError(violation.path, violation.message)
		}
	}
	return result
}

// getOrCompile returns a cached compiled contract or compiles and caches a new one.
func (v *InputValidator) getOrCompile(contract json.RawMessage) (*jsonschema.Schema, error) {
	key := string(contract)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal input contract: %w", err)
	}

	// Each contract gets a unique URL to avoid compiler resource collisions.
	url := fmt.Sprintf("verdikt://input-contract/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add contract resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input contract: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations, so callers see every violated field.
func collectViolations(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{path: "input", message: err.Error()}}
	}
	return collectLeaves(verr)
}

func collectLeaves(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var all []violation
	for _, cause := range verr.Causes {
		all = append(all, collectLeaves(cause)...)
	}
	return all
}
