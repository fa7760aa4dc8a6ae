package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SchemaStatus is the publication state of a deliverable schema version.
type SchemaStatus string

const (
	SchemaStatusDraft      SchemaStatus = "draft"
	SchemaStatusActive     SchemaStatus = "active"
	SchemaStatusDeprecated SchemaStatus = "deprecated"
)

// DeliverableSchema is one immutable published version of a deliverable's
// workflow configuration. Versions are never edited in place; publishing
// inserts a new version and demotes the previous active one.
type DeliverableSchema struct {
	SchemaID        string           `json:"schema_id"`
	DeliverableType string           `json:"deliverable_type"`
	Version         int              `json:"version"`
	Steps           []StepDefinition `json:"steps"`
	InputContract   json.RawMessage  `json:"input_contract,omitempty"` // JSON Schema
	RiskRules       RiskRuleSet      `json:"risk_rules"`
	Thresholds      RiskThresholds   `json:"default_thresholds"`
	Status          SchemaStatus     `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	PublishedAt     *time.Time       `json:"published_at,omitempty"`
}

// Step returns the step definition with the given name, or nil.
func (s *DeliverableSchema) Step(name string) *StepDefinition {
	for i := range s.Steps {
		if s.Steps[i].StepName == name {
			return &s.Steps[i]
		}
	}
	return nil
}

// RiskThresholds are the cumulative-score cut points for routing decisions.
// Invariant: 0 <= AutoApprove <= RequireReview <= RequireHITL <= 1.
type RiskThresholds struct {
	AutoApprove   float64 `json:"auto_approve"`
	RequireReview float64 `json:"require_review"`
	RequireHITL   float64 `json:"require_hitl"`
}

// DefaultThresholds returns the engine-wide default risk thresholds.
func DefaultThresholds() RiskThresholds {
	return RiskThresholds{AutoApprove: 0.3, RequireReview: 0.4, RequireHITL: 0.7}
}

// ExprDialect selects the expression engine used for a rule set's conditions.
type ExprDialect string

const (
	DialectCEL  ExprDialect = "cel"
	DialectExpr ExprDialect = "expr"
)

// RiskRuleSet groups a schema version's risk rules with its evaluation
// dialect and escalation tuning.
type RiskRuleSet struct {
	Dialect    ExprDialect      `json:"dialect,omitempty"` // default: cel
	Rules      []RiskRule       `json:"rules,omitempty"`
	Escalation EscalationTuning `json:"escalation,omitempty"`
}

// EscalationTuning is per-rule-set configuration for "multiple high-risk
// factors" escalation conditions. A fired rule whose risk_factor is at or
// above HighFactorScore counts as a high factor; escalation conditions can
// reference the derived counts via $context.
type EscalationTuning struct {
	HighFactorScore float64 `json:"high_factor_score,omitempty"` // default 0.3
	MaxHighFactors  int     `json:"max_high_factors,omitempty"`  // default 3
}

// RuleScope determines when a rule is evaluated.
type RuleScope string

const (
	ScopeGlobal     RuleScope = "global"     // once, before step 1
	ScopeStep       RuleScope = "step"       // immediately after its step completes
	ScopeException  RuleScope = "exception"  // after all steps, may override
	ScopeEscalation RuleScope = "escalation" // only when score already >= HITL threshold
)

// RuleAction is what a fired rule demands, ordered by severity.
type RuleAction string

const (
	ActionNone                RuleAction = "none"
	ActionWarn                RuleAction = "warn"
	ActionRequireReview       RuleAction = "require_review"
	ActionEscalate            RuleAction = "escalate"
	ActionRequireHITL         RuleAction = "require_hitl"
	ActionBlock               RuleAction = "block"
	ActionAutoApproveOverride RuleAction = "auto_approve_override"
)

// actionSeverity encodes the total order block > require_hitl > escalate >
// require_review > warn > none. auto_approve_override is not a severity; it
// adjusts the effective threshold instead.
var actionSeverity = map[RuleAction]int{
	ActionNone:          0,
	ActionWarn:          1,
	ActionRequireReview: 2,
	ActionEscalate:      3,
	ActionRequireHITL:   4,
	ActionBlock:         5,
}

// MoreSevere reports whether a outranks b in the routing severity order.
func MoreSevere(a, b RuleAction) bool {
	return actionSeverity[a] > actionSeverity[b]
}

// RiskRule is one dynamic condition contributing to an execution's risk score.
type RiskRule struct {
	RuleID        string     `json:"rule_id"`
	Scope         RuleScope  `json:"scope"`
	AppliesToStep string     `json:"applies_to_step,omitempty"`
	Condition     string     `json:"condition"`
	RiskFactor    *float64   `json:"risk_factor,omitempty"` // nil for exception/escalation rules
	Action        RuleAction `json:"action"`
}

// OnErrorPolicy is a step's behavior after retries are exhausted.
type OnErrorPolicy string

const (
	OnErrorFail                OnErrorPolicy = "fail"
	OnErrorSkip                OnErrorPolicy = "skip"
	OnErrorContinueWithDefault OnErrorPolicy = "continue_with_default"
)

// StepDefinition describes a single ordered step in a deliverable schema.
type StepDefinition struct {
	StepNumber     int                  `json:"step_number"`
	StepName       string               `json:"step_name"`
	FunctionRef    string               `json:"function_ref"`
	InputMapping   map[string]Reference `json:"input_mapping,omitempty"`
	OutputVariable string               `json:"output_variable,omitempty"`
	Timeout        string               `json:"timeout,omitempty"` // e.g. "30s"; default applied by executor
	RetryCount     int                  `json:"retry_count,omitempty"`
	OnError        OnErrorPolicy        `json:"on_error,omitempty"` // default: fail
	DefaultOutput  json.RawMessage      `json:"default_output,omitempty"`
}

// RefKind is the kind of a step input reference.
type RefKind string

const (
	RefLiteral RefKind = "literal"
	RefInput   RefKind = "input"
	RefStep    RefKind = "step"
)

// Reference is a validated step input binding: a literal value, a path into
// the execution input ($input.<path>), or a path into an earlier step's
// output ($step<N>.<path>). Parsed at publish time so broken references are
// publish-time defects, not runtime surprises.
type Reference struct {
	Kind    RefKind
	Literal any      // RefLiteral
	Path    []string // RefInput / RefStep: path segments after the prefix
	StepNum int      // RefStep: referenced step number
}

// ParseReference interprets a raw JSON value as a Reference. Strings starting
// with "$input." or "$step<N>" are path references; everything else is a
// literal, including strings escaped with a leading "\$".
func ParseReference(raw any) (Reference, error) {
	s, ok := raw.(string)
	if !ok {
		return Reference{Kind: RefLiteral, Literal: raw}, nil
	}
	switch {
	case strings.HasPrefix(s, `\$`):
		return Reference{Kind: RefLiteral, Literal: s[1:]}, nil
	case strings.HasPrefix(s, "$input."):
		path := strings.Split(s[len("$input."):], ".")
		if len(path) == 0 || path[0] == "" {
			return Reference{}, fmt.Errorf("empty input path in reference %q", s)
		}
		return Reference{Kind: RefInput, Path: path}, nil
	case strings.HasPrefix(s, "$step"):
		rest := s[len("$step"):]
		dot := strings.IndexByte(rest, '.')
		numStr, path := rest, []string(nil)
		if dot >= 0 {
			numStr = rest[:dot]
			path = strings.Split(rest[dot+1:], ".")
		}
		n, err := strconv.Atoi(numStr)
		if err != nil || n < 1 {
			return Reference{}, fmt.Errorf("invalid step number in reference %q", s)
		}
		return Reference{Kind: RefStep, StepNum: n, Path: path}, nil
	case strings.HasPrefix(s, "$"):
		return Reference{}, fmt.Errorf("unknown reference prefix in %q (allowed: $input, $step<N>)", s)
	default:
		return Reference{Kind: RefLiteral, Literal: s}, nil
	}
}

// UnmarshalJSON parses the stored form of a reference.
func (r *Reference) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseReference(raw)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MarshalJSON emits the stored form of a reference.
func (r Reference) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case RefInput:
		return json.Marshal("$input." + strings.Join(r.Path, "."))
	case RefStep:
		s := fmt.Sprintf("$step%d", r.StepNum)
		if len(r.Path) > 0 {
			s += "." + strings.Join(r.Path, ".")
		}
		return json.Marshal(s)
	default:
		return json.Marshal(r.Literal)
	}
}

// String renders the reference in its configuration syntax.
func (r Reference) String() string {
	b, _ := r.MarshalJSON()
	return strings.Trim(string(b), `"`)
}
