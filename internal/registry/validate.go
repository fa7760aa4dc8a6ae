package registry

import (
	"fmt"
	"time"

	"github.com/verdikt/verdikt/internal/expressions"
	"github.com/verdikt/verdikt/internal/validation"
	"github.com/verdikt/verdikt/pkg/schema"
)

// validateDefinition runs the full publish-time validation pipeline and
// collects every violation. Broken schemas must be publish-time defects,
// never runtime surprises.
func validateDefinition(ds *schema.DeliverableSchema, ev *expressions.Evaluator, iv *validation.InputValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateSteps(ds, result)
	validateThresholds(ds.Thresholds, result)
	validateRules(ds, ev, result)

	if err := iv.CheckContract(ds.InputContract); err != nil {
		result.AddErrorf("/input_contract", "invalid input contract: %s", err.Error())
	}

	return result
}

func validateSteps(ds *schema.DeliverableSchema, result *schema.ValidationResult) {
	if len(ds.Steps) == 0 {
		result.AddError("/steps", "schema must define at least one step")
		return
	}

	names := make(map[string]int, len(ds.Steps))
	outputs := make(map[string]int, len(ds.Steps))

	for i, step := range ds.Steps {
		path := fmt.Sprintf("/steps/%d", i)

		// Step numbers are contiguous 1..N in declaration order.
		if step.StepNumber != i+1 {
			result.AddErrorf(path+"/step_number", "expected step_number %d, got %d", i+1, step.StepNumber)
		}
		if step.StepName == "" {
			result.AddError(path+"/step_name", "step_name is required")
		} else if prev, dup := names[step.StepName]; dup {
			result.AddErrorf(path+"/step_name", "duplicate step_name %q (also step %d)", step.StepName, prev+1)
		} else {
			names[step.StepName] = i
		}
		if step.FunctionRef == "" {
			result.AddError(path+"/function_ref", "function_ref is required")
		}

		if step.OutputVariable != "" {
			if prev, dup := outputs[step.OutputVariable]; dup {
				result.AddErrorf(path+"/output_variable", "duplicate output_variable %q (also step %d)", step.OutputVariable, prev+1)
			} else {
				outputs[step.OutputVariable] = i
			}
		}

		for key, ref := range step.InputMapping {
			if ref.Kind == schema.RefStep && ref.StepNum >= step.StepNumber {
				result.AddErrorf(path+"/input_mapping/"+key,
					"step %d cannot reference output of step %d (only earlier steps)", step.StepNumber, ref.StepNum)
			}
		}

		if step.Timeout != "" {
			if _, err := time.ParseDuration(step.Timeout); err != nil {
				result.AddErrorf(path+"/timeout", "invalid timeout %q: %s", step.Timeout, err.Error())
			}
		}
		if step.RetryCount < 0 {
			result.AddErrorf(path+"/retry_count", "retry_count must be >= 0, got %d", step.RetryCount)
		}

		switch step.OnError {
		case "", schema.OnErrorFail, schema.OnErrorSkip:
		case schema.OnErrorContinueWithDefault:
			if len(step.DefaultOutput) == 0 {
				result.AddError(path+"/default_output", "continue_with_default requires default_output")
			}
		default:
			result.AddErrorf(path+"/on_error", "unknown on_error policy %q", step.OnError)
		}
	}
}

func validateThresholds(t schema.RiskThresholds, result *schema.ValidationResult) {
	if t.AutoApprove < 0 || t.RequireHITL > 1 {
		result.AddErrorf("/thresholds", "thresholds must lie in [0,1], got %v..%v", t.AutoApprove, t.RequireHITL)
	}
	if !(t.AutoApprove <= t.RequireReview && t.RequireReview <= t.RequireHITL) {
		result.AddErrorf("/thresholds",
			"thresholds must be ordered auto_approve <= require_review <= require_hitl, got %v, %v, %v",
			t.AutoApprove, t.RequireReview, t.RequireHITL)
	}
}

var validActions = map[schema.RuleAction]bool{
	schema.ActionNone: true, schema.ActionWarn: true, schema.ActionRequireReview: true,
	schema.ActionEscalate: true, schema.ActionRequireHITL: true, schema.ActionBlock: true,
	schema.ActionAutoApproveOverride: true,
}

func validateRules(ds *schema.DeliverableSchema, ev *expressions.Evaluator, result *schema.ValidationResult) {
	dialect := expressions.DialectOrDefault(ds.RiskRules.Dialect)
	if ds.RiskRules.Dialect != "" && ds.RiskRules.Dialect != schema.DialectCEL && ds.RiskRules.Dialect != schema.DialectExpr {
		result.AddErrorf("/risk_rules/dialect", "unknown dialect %q", ds.RiskRules.Dialect)
		return
	}

	stepNames := make(map[string]bool, len(ds.Steps))
	for _, step := range ds.Steps {
		stepNames[step.StepName] = true
	}

	seen := make(map[string]bool, len(ds.RiskRules.Rules))
	for i, rule := range ds.RiskRules.Rules {
		path := fmt.Sprintf("/risk_rules/rules/%d", i)

		if rule.RuleID == "" {
			result.AddError(path+"/rule_id", "rule_id is required")
		} else if seen[rule.RuleID] {
			result.AddErrorf(path+"/rule_id", "duplicate rule_id %q", rule.RuleID)
		} else {
			seen[rule.RuleID] = true
		}

		switch rule.Scope {
		case schema.ScopeGlobal, schema.ScopeException, schema.ScopeEscalation:
			if rule.AppliesToStep != "" {
				result.AddErrorf(path+"/applies_to_step", "%s rules must not name a step", rule.Scope)
			}
		case schema.ScopeStep:
			if rule.AppliesToStep == "" {
				result.AddError(path+"/applies_to_step", "step-scoped rules require applies_to_step")
			} else if !stepNames[rule.AppliesToStep] {
				result.AddErrorf(path+"/applies_to_step", "unknown step %q", rule.AppliesToStep)
			}
		default:
			result.AddErrorf(path+"/scope", "unknown rule scope %q", rule.Scope)
		}

		if rule.RiskFactor != nil && (*rule.RiskFactor < 0 || *rule.RiskFactor > 1) {
			result.AddErrorf(path+"/risk_factor", "risk_factor must lie in [0,1], got %v", *rule.RiskFactor)
		}
		if !validActions[rule.Action] {
			result.AddErrorf(path+"/action", "unknown action %q", rule.Action)
		}

		if rule.Condition == "" {
			result.AddError(path+"/condition", "condition is required")
		} else if err := ev.Check(dialect, rule.Condition); err != nil {
			result.AddErrorf(path+"/condition", "condition does not compile: %s", err.Error())
		}
	}

	esc := ds.RiskRules.Escalation
	if esc.HighFactorScore < 0 || esc.HighFactorScore > 1 {
		result.AddErrorf("/risk_rules/escalation/high_factor_score", "must lie in [0,1], got %v", esc.HighFactorScore)
	}
	if esc.MaxHighFactors < 0 {
		result.AddErrorf("/risk_rules/escalation/max_high_factors", "must be >= 0, got %d", esc.MaxHighFactors)
	}
}
