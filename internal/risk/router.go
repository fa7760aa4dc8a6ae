package risk

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/verdikt/verdikt/internal/expressions"
	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/pkg/schema"
)

// AuditAppender is the audit-stream sink for rule evaluations.
type AuditAppender interface {
	AppendAudit(ctx context.Context, event *store.AuditEvent) error
}

// Router evaluates risk rules and produces routing decisions. Routing always
// uses the live, synchronously computed score of the current session, never
// cached aggregates.
type Router struct {
	evaluator *expressions.Evaluator
	audit     AuditAppender
	logger    *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(ev *expressions.Evaluator, audit AuditAppender, logger *slog.Logger) *Router {
	return &Router{evaluator: ev, audit: audit, logger: logger}
}

// NewSession starts a risk session for one execution.
func (r *Router) NewSession(executionID string, ds *schema.DeliverableSchema) *Session {
	esc := ds.RiskRules.Escalation
	if esc.HighFactorScore <= 0 {
		esc.HighFactorScore = 0.3
	}
	return &Session{
		router:      r,
		executionID: executionID,
		ds:          ds,
		dialect:     expressions.DialectOrDefault(ds.RiskRules.Dialect),
		escalation:  esc,
	}
}

// Session carries an execution's accumulated risk state across routing
// phases. Sessions are confined to the executor's goroutine.
type Session struct {
	router      *Router
	executionID string
	ds          *schema.DeliverableSchema
	dialect     schema.ExprDialect
	escalation  schema.EscalationTuning

	score           float64
	fired           []schema.FiredRule
	highFactorCount int
	maxAction       schema.RuleAction
	override        *float64 // effective auto-approve threshold set by an exception rule
}

// Score returns the recorded cumulative risk score. Overrides never rewrite
// this value.
func (s *Session) Score() float64 { return s.score }

// RunPhase evaluates the rules in scope for one routing phase and returns the
// decision. Every evaluation, fired or not, is written to the audit log with
// its condition string, inputs snapshot, and timing.
func (s *Session) RunPhase(ctx context.Context, phase schema.RoutingPhase, stepName string, scope *expressions.Scope) (*schema.RoutingDecision, error) {
	rules := s.rulesFor(phase, stepName)

	var delta float64
	for _, rule := range rules {
		// Escalation rules only apply once the score already demands HITL.
		if rule.Scope == schema.ScopeEscalation && s.score < s.ds.Thresholds.RequireHITL {
			continue
		}

		data := scope.Data(s.derivedContext())
		inputs, _ := json.Marshal(data)

		start := time.Now()
		fired, evalErr := s.router.evaluator.EvalCondition(ctx, s.dialect, rule.Condition, data)
		elapsed := time.Since(start)

		result := store.AuditNotFired
		if evalErr != nil {
			result = store.AuditEvalError
		} else if fired {
			result = store.AuditFired
		}

		var contribution float64
		if fired && rule.RiskFactor != nil && rule.Action != schema.ActionAutoApproveOverride {
			contribution = *rule.RiskFactor
		}

		if err := s.router.audit.AppendAudit(ctx, &store.AuditEvent{
			ExecutionID:      s.executionID,
			Type:             schema.EventRuleEvaluated,
			Phase:            phase,
			StepName:         stepName,
			RuleID:           rule.RuleID,
			Condition:        rule.Condition,
			Result:           result,
			RiskContribution: contribution,
			Action:           rule.Action,
			Inputs:           inputs,
			DurationUs:       elapsed.Microseconds(),
		}); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "audit rule evaluation").WithCause(err)
		}

		if !fired {
			continue
		}

		s.fired = append(s.fired, schema.FiredRule{
			RuleID:     rule.RuleID,
			Condition:  rule.Condition,
			RiskFactor: contribution,
			Action:     rule.Action,
		})

		if rule.Action == schema.ActionAutoApproveOverride {
			// The override caps the effective decision threshold; the
			// recorded score is history and stays intact.
			v := 1.0
			if rule.RiskFactor != nil {
				v = *rule.RiskFactor
			}
			if s.override == nil || v > *s.override {
				s.override = &v
			}
			continue
		}

		delta += contribution
		s.score += contribution
		if s.score > 1.0 {
			s.score = 1.0
		}
		if contribution >= s.escalation.HighFactorScore {
			s.highFactorCount++
		}
		if schema.MoreSevere(rule.Action, s.maxAction) {
			s.maxAction = rule.Action
		}
	}

	return s.decide(phase, stepName, delta), nil
}

// rulesFor selects the rules evaluated in a phase. Exception rules run before
// escalation rules so an override is visible to the escalation gate's
// derived context.
func (s *Session) rulesFor(phase schema.RoutingPhase, stepName string) []schema.RiskRule {
	var out []schema.RiskRule
	switch phase {
	case schema.PhasePre:
		for _, rule := range s.ds.RiskRules.Rules {
			if rule.Scope == schema.ScopeGlobal {
				out = append(out, rule)
			}
		}
	case schema.PhasePostStep:
		for _, rule := range s.ds.RiskRules.Rules {
			if rule.Scope == schema.ScopeStep && rule.AppliesToStep == stepName {
				out = append(out, rule)
			}
		}
	case schema.PhasePostWorkflow:
		for _, rule := range s.ds.RiskRules.Rules {
			if rule.Scope == schema.ScopeException {
				out = append(out, rule)
			}
		}
		for _, rule := range s.ds.RiskRules.Rules {
			if rule.Scope == schema.ScopeEscalation {
				out = append(out, rule)
			}
		}
	}
	return out
}

// derivedContext exposes routing state to conditions via $context.
func (s *Session) derivedContext() map[string]any {
	return map[string]any{
		"cumulative_risk":   s.score,
		"fired_count":       len(s.fired),
		"high_factor_count": s.highFactorCount,
	}
}

// decide maps the session state onto a routing decision. An explicit block or
// require_hitl demand is never downgraded, and both route to a human: a block
// parks the execution for approval like require_hitl, it never auto-rejects.
// The auto-approve override only caps the threshold comparison.
func (s *Session) decide(phase schema.RoutingPhase, stepName string, delta float64) *schema.RoutingDecision {
	d := &schema.RoutingDecision{
		Phase:             phase,
		StepName:          stepName,
		RiskDelta:         delta,
		CumulativeRisk:    s.score,
		FiredRules:        append([]schema.FiredRule(nil), s.fired...),
		OverrideThreshold: s.override,
	}

	t := s.ds.Thresholds
	effectiveAuto := t.AutoApprove
	if s.override != nil && *s.override > effectiveAuto {
		effectiveAuto = *s.override
	}

	explicitHITL := s.maxAction == schema.ActionRequireHITL || s.maxAction == schema.ActionEscalate
	thresholdHITL := s.score >= t.RequireHITL && s.score >= effectiveAuto

	switch {
	case s.maxAction == schema.ActionBlock:
		d.Action = schema.ActionBlock
		d.RequiresApproval = true
	case explicitHITL || thresholdHITL:
		d.Action = s.maxAction
		if !explicitHITL {
			d.Action = schema.ActionRequireHITL
		}
		d.RequiresApproval = true
	case s.score >= t.RequireReview && s.score >= effectiveAuto:
		d.Action = schema.ActionRequireReview
	case s.maxAction == schema.ActionWarn || s.maxAction == schema.ActionRequireReview:
		d.Action = s.maxAction
	default:
		d.Action = schema.ActionNone
	}
	return d
}
