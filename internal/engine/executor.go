package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/verdikt/verdikt/internal/expressions"
	"github.com/verdikt/verdikt/internal/logging"
	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/internal/validation"
	"github.com/verdikt/verdikt/pkg/schema"
)

// RiskSession accumulates an execution's risk score across routing phases.
// One session exists per execution; phases run on the executor's goroutine.
type RiskSession interface {
	RunPhase(ctx context.Context, phase schema.RoutingPhase, stepName string, scope *expressions.Scope) (*schema.RoutingDecision, error)
	Score() float64
}

// RiskRouter creates per-execution risk sessions.
type RiskRouter interface {
	NewSession(executionID string, ds *schema.DeliverableSchema) RiskSession
}

// Config tunes executor behavior.
type Config struct {
	DefaultStepTimeout time.Duration // applied when a step declares none
	RetryDelay         time.Duration // fixed delay between retry attempts
}

func (c Config) withDefaults() Config {
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// Executor runs workflow executions: strictly sequential steps with bounded
// timeouts and retries, risk routing after each step and once at completion,
// and terminal transitions through the execution FSM. Steps already run are
// kept for audit, never rolled back; this is a forward-only pipeline.
type Executor struct {
	store     store.Store
	functions *FuncRegistry
	inputs    *validation.InputValidator
	fsm       *ExecutionFSM
	router    RiskRouter
	logger    *slog.Logger
	cfg       Config
}

// NewExecutor creates an Executor.
func NewExecutor(s store.Store, funcs *FuncRegistry, iv *validation.InputValidator, router RiskRouter, logger *slog.Logger, cfg Config) *Executor {
	return &Executor{
		store:     s,
		functions: funcs,
		inputs:    iv,
		fsm:       NewExecutionFSM(s),
		router:    router,
		logger:    logger,
		cfg:       cfg.withDefaults(),
	}
}

// Execute runs one execution of a deliverable schema to a parked or terminal
// state. Domain outcomes (failed, awaiting_approval) are reported on the
// returned execution, not as an error; a non-nil error means the execution
// could not be run at all (invalid input, store failure).
func (e *Executor) Execute(ctx context.Context, ds *schema.DeliverableSchema, variantID string, input, execContext map[string]any) (*schema.WorkflowExecution, error) {
	// Input validation is local and immediate: no execution row is created.
	if result := e.inputs.ValidateInput(input, ds.InputContract); !result.Valid() {
		return nil, result.ToError(schema.ErrCodeInputValidation)
	}

	now := time.Now().UTC()
	exec := &schema.WorkflowExecution{
		ExecutionID:     uuid.New().String(),
		DeliverableType: ds.DeliverableType,
		SchemaID:        ds.SchemaID,
		SchemaVersion:   ds.Version,
		VariantID:       variantID,
		Input:           input,
		Context:         execContext,
		Status:          schema.ExecutionPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}
	ctx = logging.WithExecutionID(ctx, exec.ExecutionID)

	if err := e.appendAudit(ctx, &store.AuditEvent{
		ExecutionID: exec.ExecutionID,
		Type:        schema.EventExecutionCreated,
		Details:     mustJSON(map[string]any{"schema_version": ds.Version, "variant_id": variantID}),
	}); err != nil {
		return nil, err
	}

	if err := e.transition(ctx, exec, schema.ExecutionRunning); err != nil {
		return nil, err
	}
	startedAt := time.Now().UTC()
	exec.StartedAt = &startedAt
	if err := e.persist(ctx, exec); err != nil {
		return nil, err
	}

	scope := expressions.NewScope(input, execContext)
	session := e.router.NewSession(exec.ExecutionID, ds)

	// Global rules run once before step 1. A fired block rule pauses the
	// execution immediately; no step runs without a human decision.
	decision, err := session.RunPhase(ctx, schema.PhasePre, "", scope)
	if err != nil {
		return nil, err
	}
	exec.CumulativeRisk = session.Score()
	if decision.Action == schema.ActionBlock {
		return exec, e.park(ctx, exec, decision)
	}

	for _, step := range ds.Steps {
		ctx := logging.WithStepName(ctx, step.StepName)

		out, stepErr := e.runStep(ctx, exec.ExecutionID, step, scope)
		exec.StepOutputs = append(exec.StepOutputs, out)

		if stepErr != nil {
			policy := step.OnError
			if policy == "" {
				policy = schema.OnErrorFail
			}
			switch policy {
			case schema.OnErrorFail:
				exec.FailedStep = step.StepName
				exec.Error = errorJSON(stepErr)
				return exec, e.finalize(ctx, exec, schema.ExecutionFailed, nil)

			case schema.OnErrorSkip:
				// Output stays null; conditions referencing it see a
				// missing path and evaluate false.
				continue

			case schema.OnErrorContinueWithDefault:
				if err := scope.AddStepOutput(step.StepNumber, scopeName(step), step.DefaultOutput); err != nil {
					return nil, schema.NewError(schema.ErrCodeStepExecution, "register default output").
						WithStep(step.StepName).WithCause(err)
				}
			}
		} else {
			if err := scope.AddStepOutput(step.StepNumber, scopeName(step), out.Output); err != nil {
				return nil, schema.NewError(schema.ErrCodeStepExecution, "register step output").
					WithStep(step.StepName).WithCause(err)
			}
		}

		// Step-scoped rules run immediately after their step completes. A
		// block parks right here; a require_hitl demand lets the remaining
		// steps run and parks after the post-workflow phase, so the reviewer
		// sees the complete deliverable.
		decision, err = session.RunPhase(ctx, schema.PhasePostStep, step.StepName, scope)
		if err != nil {
			return nil, err
		}
		exec.CumulativeRisk = session.Score()
		if decision.Action == schema.ActionBlock {
			return exec, e.park(ctx, exec, decision)
		}
	}

	// Exception and escalation rules run once after the final step.
	decision, err = session.RunPhase(ctx, schema.PhasePostWorkflow, "", scope)
	if err != nil {
		return nil, err
	}
	exec.CumulativeRisk = session.Score()

	if decision.RequiresApproval {
		return exec, e.park(ctx, exec, decision)
	}
	return exec, e.finalize(ctx, exec, schema.ExecutionCompleted, decision)
}

// ResumeDecided applies a human approval decision to a parked execution.
// A revision request returns control to the caller without mutating the
// execution; the caller resubmits a corrected run.
func (e *Executor) ResumeDecided(ctx context.Context, executionID string, decision schema.ApprovalDecision, decidedBy string) (*schema.WorkflowExecution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionAwaitingApproval {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %q is %s, not awaiting approval", executionID, exec.Status)
	}
	ctx = logging.WithExecutionID(ctx, executionID)

	var to schema.ExecutionStatus
	switch decision {
	case schema.DecisionApprove:
		to = schema.ExecutionApproved
	case schema.DecisionReject:
		to = schema.ExecutionRejected
	case schema.DecisionRequestRevision:
		if err := e.appendAudit(ctx, &store.AuditEvent{
			ExecutionID: executionID,
			Type:        schema.EventApprovalDecided,
			Details:     mustJSON(map[string]any{"decision": string(decision), "decided_by": decidedBy}),
		}); err != nil {
			return nil, err
		}
		return exec, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "unknown decision %q", decision)
	}

	if err := e.finalize(ctx, exec, to, nil); err != nil {
		return nil, err
	}
	return exec, nil
}

// Expire fails a parked execution whose approval request exhausted every
// eligible approver. The cause is recorded on the execution so the outcome is
// distinguishable from a step failure or a human rejection.
func (e *Executor) Expire(ctx context.Context, executionID string, cause error) (*schema.WorkflowExecution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionAwaitingApproval {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %q is %s, not awaiting approval", executionID, exec.Status)
	}
	ctx = logging.WithExecutionID(ctx, executionID)

	exec.Error = errorJSON(cause)
	if err := e.finalize(ctx, exec, schema.ExecutionFailed, nil); err != nil {
		return nil, err
	}
	return exec, nil
}

// Cancel cancels a pending or running execution. A parked execution may be
// cancelled only once its approval request is resolved or expired, to avoid
// orphaning a decision with nothing to apply it to.
func (e *Executor) Cancel(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status == schema.ExecutionAwaitingApproval {
		requests, err := e.store.ListApprovals(ctx, store.ApprovalFilter{ExecutionID: executionID})
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "list approval requests").WithCause(err)
		}
		for _, req := range requests {
			if !req.Status.Terminal() {
				return nil, schema.NewErrorf(schema.ErrCodeConflict,
					"execution %q is awaiting approval; resolve request %q first", executionID, req.RequestID)
			}
		}
	}
	if err := e.finalize(ctx, exec, schema.ExecutionCancelled, nil); err != nil {
		return nil, err
	}
	return exec, nil
}

// runStep executes one step with its timeout and retry budget. The returned
// error is the final attempt's failure after retries are exhausted.
func (e *Executor) runStep(ctx context.Context, executionID string, step schema.StepDefinition, scope *expressions.Scope) (schema.StepOutput, error) {
	out := schema.StepOutput{
		StepNumber: step.StepNumber,
		StepName:   step.StepName,
	}
	start := time.Now()

	if err := e.appendAudit(ctx, &store.AuditEvent{
		ExecutionID: executionID,
		Type:        schema.EventStepStarted,
		StepName:    step.StepName,
	}); err != nil {
		return out, err
	}

	finish := func(status schema.StepRunStatus, eventType string, runErr error) (schema.StepOutput, error) {
		out.Status = status
		out.DurationMs = time.Since(start).Milliseconds()
		if runErr != nil {
			out.Error = runErr.Error()
		}
		auditErr := e.appendAudit(ctx, &store.AuditEvent{
			ExecutionID: executionID,
			Type:        eventType,
			StepName:    step.StepName,
			Details:     mustJSON(map[string]any{"attempts": out.Attempts, "duration_ms": out.DurationMs, "error": out.Error}),
		})
		if runErr == nil {
			runErr = auditErr
		}
		return out, runErr
	}

	fn, err := e.functions.Get(step.FunctionRef)
	if err != nil {
		out.Attempts = 1
		return finish(failureStatus(step), failureEvent(step), err)
	}

	input, err := resolveStepInputs(step, scope)
	if err != nil {
		out.Attempts = 1
		return finish(failureStatus(step), failureEvent(step), err)
	}

	timeout := e.cfg.DefaultStepTimeout
	if step.Timeout != "" {
		if d, parseErr := time.ParseDuration(step.Timeout); parseErr == nil {
			timeout = d
		}
	}

	maxAttempts := 1 + step.RetryCount
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		output, runErr := fn.Execute(attemptCtx, input)
		cancel()

		if runErr == nil {
			out.Output = output
			return finish(schema.StepRunCompleted, schema.EventStepCompleted, nil)
		}
		lastErr = runErr

		if attempt < maxAttempts && isRetryable(runErr) {
			e.logger.WarnContext(ctx, "step attempt failed, retrying",
				"attempt", attempt, "max_attempts", maxAttempts, "error", runErr)
			if err := e.appendAudit(ctx, &store.AuditEvent{
				ExecutionID: executionID,
				Type:        schema.EventStepRetrying,
				StepName:    step.StepName,
				Details:     mustJSON(map[string]any{"attempt": attempt, "error": runErr.Error()}),
			}); err != nil {
				return out, err
			}
			if err := waitRetryDelay(ctx, e.cfg.RetryDelay); err != nil {
				lastErr = err
				break
			}
			continue
		}
		break
	}

	stepErr := schema.NewErrorf(schema.ErrCodeStepExecution,
		"step %q failed after %d attempt(s): %s", step.StepName, out.Attempts, lastErr.Error()).
		WithStep(step.StepName).WithCause(lastErr)
	return finish(failureStatus(step), failureEvent(step), stepErr)
}

// failureStatus maps a step's on_error policy to the recorded run status.
func failureStatus(step schema.StepDefinition) schema.StepRunStatus {
	switch step.OnError {
	case schema.OnErrorSkip:
		return schema.StepRunSkipped
	case schema.OnErrorContinueWithDefault:
		return schema.StepRunDefaulted
	default:
		return schema.StepRunFailed
	}
}

func failureEvent(step schema.StepDefinition) string {
	switch step.OnError {
	case schema.OnErrorSkip:
		return schema.EventStepSkipped
	case schema.OnErrorContinueWithDefault:
		return schema.EventStepDefaulted
	default:
		return schema.EventStepFailed
	}
}

// scopeName is the variable name a step's output is registered under.
func scopeName(step schema.StepDefinition) string {
	if step.OutputVariable != "" {
		return step.OutputVariable
	}
	return step.StepName
}

// park transitions the execution to awaiting_approval. The execution holds
// no worker while parked; it resumes via ResumeDecided.
func (e *Executor) park(ctx context.Context, exec *schema.WorkflowExecution, decision *schema.RoutingDecision) error {
	if err := e.transition(ctx, exec, schema.ExecutionAwaitingApproval); err != nil {
		return err
	}
	if decision != nil {
		if err := e.auditDecision(ctx, exec.ExecutionID, decision); err != nil {
			return err
		}
	}
	return e.persist(ctx, exec)
}

// finalize transitions the execution to a terminal status and persists it.
func (e *Executor) finalize(ctx context.Context, exec *schema.WorkflowExecution, to schema.ExecutionStatus, decision *schema.RoutingDecision) error {
	if err := e.transition(ctx, exec, to); err != nil {
		return err
	}
	completedAt := time.Now().UTC()
	exec.CompletedAt = &completedAt
	if decision != nil {
		if err := e.auditDecision(ctx, exec.ExecutionID, decision); err != nil {
			return err
		}
	}
	return e.persist(ctx, exec)
}

func (e *Executor) transition(ctx context.Context, exec *schema.WorkflowExecution, to schema.ExecutionStatus) error {
	if err := e.fsm.Transition(ctx, exec.ExecutionID, exec.Status, to); err != nil {
		return err
	}
	exec.Status = to
	return nil
}

func (e *Executor) persist(ctx context.Context, exec *schema.WorkflowExecution) error {
	update := store.ExecutionUpdate{
		Status:         &exec.Status,
		StepOutputs:    exec.StepOutputs,
		CumulativeRisk: &exec.CumulativeRisk,
		StartedAt:      exec.StartedAt,
		CompletedAt:    exec.CompletedAt,
	}
	if exec.FailedStep != "" {
		update.FailedStep = &exec.FailedStep
	}
	if len(exec.Error) > 0 {
		update.Error = exec.Error
	}
	if err := e.store.UpdateExecution(ctx, exec.ExecutionID, update); err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist execution").WithCause(err)
	}
	return nil
}

func (e *Executor) auditDecision(ctx context.Context, executionID string, decision *schema.RoutingDecision) error {
	return e.appendAudit(ctx, &store.AuditEvent{
		ExecutionID: executionID,
		Type:        schema.EventRoutingDecision,
		Phase:       decision.Phase,
		StepName:    decision.StepName,
		Action:      decision.Action,
		Details:     mustJSON(decision),
	})
}

func (e *Executor) appendAudit(ctx context.Context, event *store.AuditEvent) error {
	if err := e.store.AppendAudit(ctx, event); err != nil {
		return schema.NewError(schema.ErrCodeStore, "append audit event").WithCause(err)
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func errorJSON(err error) json.RawMessage {
	if verr, ok := err.(*schema.VerdiktError); ok {
		if b, marshalErr := json.Marshal(verr); marshalErr == nil {
			return b
		}
	}
	return mustJSON(map[string]any{"message": err.Error()})
}
