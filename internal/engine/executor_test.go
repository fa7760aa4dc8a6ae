package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdikt/verdikt/internal/expressions"
	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/internal/validation"
	"github.com/verdikt/verdikt/pkg/schema"
)

func newEngineStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "engine_test.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeSession returns a scripted decision per phase and otherwise routes
// everything through with no risk.
type fakeSession struct {
	score     float64
	decisions map[schema.RoutingPhase]*schema.RoutingDecision
	phases    []schema.RoutingPhase
}

func (f *fakeSession) RunPhase(_ context.Context, phase schema.RoutingPhase, stepName string, _ *expressions.Scope) (*schema.RoutingDecision, error) {
	f.phases = append(f.phases, phase)
	if d, ok := f.decisions[phase]; ok {
		return d, nil
	}
	return &schema.RoutingDecision{Phase: phase, StepName: stepName, Action: schema.ActionNone, CumulativeRisk: f.score}, nil
}

func (f *fakeSession) Score() float64 { return f.score }

type fakeRouter struct {
	session *fakeSession
}

func (f *fakeRouter) NewSession(string, *schema.DeliverableSchema) RiskSession {
	if f.session == nil {
		f.session = &fakeSession{}
	}
	return f.session
}

func passiveRouter() *fakeRouter { return &fakeRouter{session: &fakeSession{}} }

func sizingSchema(steps ...schema.StepDefinition) *schema.DeliverableSchema {
	return &schema.DeliverableSchema{
		SchemaID:        "schema-1",
		DeliverableType: "foundation_design",
		Version:         1,
		Steps:           steps,
		Thresholds:      schema.DefaultThresholds(),
		Status:          schema.SchemaStatusActive,
	}
}

func newTestExecutor(t *testing.T, s *store.LibSQLStore, funcs *FuncRegistry, router RiskRouter) *Executor {
	t.Helper()
	return NewExecutor(s, funcs, validation.NewInputValidator(), router, slog.Default(), Config{
		DefaultStepTimeout: 5 * time.Second,
		RetryDelay:         time.Millisecond,
	})
}

func doubler() StepFunc {
	return FuncOf("doubler", func(_ context.Context, input map[string]any) (json.RawMessage, error) {
		v, _ := input["value"].(float64)
		return json.Marshal(map[string]any{"result": v * 2})
	})
}

func failing(name string, err error) StepFunc {
	return FuncOf(name, func(context.Context, map[string]any) (json.RawMessage, error) {
		return nil, err
	})
}

func TestExecute_SequentialStepsToCompleted(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(doubler()))

	ds := sizingSchema(
		schema.StepDefinition{
			StepNumber: 1, StepName: "double_once", FunctionRef: "doubler",
			InputMapping: map[string]schema.Reference{
				"value": {Kind: schema.RefInput, Path: []string{"seed"}},
			},
			OutputVariable: "first",
		},
		schema.StepDefinition{
			StepNumber: 2, StepName: "double_again", FunctionRef: "doubler",
			InputMapping: map[string]schema.Reference{
				"value": {Kind: schema.RefStep, StepNum: 1, Path: []string{"result"}},
			},
		},
	)

	ex := newTestExecutor(t, s, funcs, passiveRouter())
	exec, err := ex.Execute(context.Background(), ds, "", map[string]any{"seed": 3.0}, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	require.Len(t, exec.StepOutputs, 2)
	assert.Equal(t, schema.StepRunCompleted, exec.StepOutputs[0].Status)
	assert.JSONEq(t, `{"result": 6}`, string(exec.StepOutputs[0].Output))
	assert.JSONEq(t, `{"result": 12}`, string(exec.StepOutputs[1].Output))
	assert.NotNil(t, exec.CompletedAt)

	persisted, err := s.GetExecution(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, persisted.Status)
	require.Len(t, persisted.StepOutputs, 2)

	trail, err := s.GetAuditTrail(context.Background(), exec.ExecutionID, 0)
	require.NoError(t, err)
	var types []string
	for _, e := range trail {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, schema.EventExecutionCreated)
	assert.Contains(t, types, schema.EventExecutionStarted)
	assert.Contains(t, types, schema.EventStepStarted)
	assert.Contains(t, types, schema.EventStepCompleted)
	assert.Contains(t, types, schema.EventExecutionCompleted)
}

func TestExecute_InputValidationFailureCreatesNoRow(t *testing.T) {
	s := newEngineStore(t)
	ds := sizingSchema()
	ds.InputContract = json.RawMessage(`{"type":"object","required":["loads"]}`)

	ex := newTestExecutor(t, s, NewFuncRegistry(), passiveRouter())
	_, err := ex.Execute(context.Background(), ds, "", map[string]any{}, nil)
	require.Error(t, err)
	var verr *schema.VerdiktError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, schema.ErrCodeInputValidation, verr.Code)

	execs, err := s.ListExecutions(context.Background(), store.ExecutionFilter{DeliverableType: "foundation_design"})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestExecute_OnErrorFailStopsImmediately(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	boom := errors.New("bearing capacity service unavailable")
	require.NoError(t, funcs.Register(failing("check_soil", boom)))
	require.NoError(t, funcs.Register(doubler()))

	ds := sizingSchema(
		schema.StepDefinition{StepNumber: 1, StepName: "soil_check", FunctionRef: "check_soil"},
		schema.StepDefinition{StepNumber: 2, StepName: "never_runs", FunctionRef: "doubler"},
	)

	ex := newTestExecutor(t, s, funcs, passiveRouter())
	exec, err := ex.Execute(context.Background(), ds, "", map[string]any{}, nil)
	require.NoError(t, err, "a step failure is a domain outcome, not an executor error")

	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Equal(t, "soil_check", exec.FailedStep)
	require.Len(t, exec.StepOutputs, 1, "the second step must not run")
	assert.Equal(t, schema.StepRunFailed, exec.StepOutputs[0].Status)
	assert.Equal(t, 1, exec.StepOutputs[0].Attempts)
	assert.Contains(t, exec.StepOutputs[0].Error, "bearing capacity service unavailable")
	assert.NotEmpty(t, exec.Error)
}

func TestExecute_RetryBudgetExhausted(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	calls := 0
	require.NoError(t, funcs.Register(FuncOf("flaky", func(context.Context, map[string]any) (json.RawMessage, error) {
		calls++
		return nil, fmt.Errorf("transient %d", calls)
	})))

	ds := sizingSchema(
		schema.StepDefinition{StepNumber: 1, StepName: "flaky_step", FunctionRef: "flaky", RetryCount: 2},
	)

	ex := newTestExecutor(t, s, funcs, passiveRouter())
	exec, err := ex.Execute(context.Background(), ds, "", map[string]any{}, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, exec.StepOutputs[0].Attempts)

	trail, err := s.GetAuditTrail(context.Background(), exec.ExecutionID, 0)
	require.NoError(t, err)
	retries := 0
	for _, e := range trail {
		if e.Type == schema.EventStepRetrying {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestExecute_RetrySucceedsMidBudget(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	calls := 0
	require.NoError(t, funcs.Register(FuncOf("recovers", func(context.Context, map[string]any) (json.RawMessage, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`{"ok": true}`), nil
	})))

	ds := sizingSchema(
		schema.StepDefinition{StepNumber: 1, StepName: "recovering", FunctionRef: "recovers", RetryCount: 3},
	)

	ex := newTestExecutor(t, s, funcs, passiveRouter())
	exec, err := ex.Execute(context.Background(), ds, "", map[string]any{}, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, 2, exec.StepOutputs[0].Attempts)
	assert.Equal(t, schema.StepRunCompleted, exec.StepOutputs[0].Status)
}

func TestExecute_OnErrorSkipLeavesNullOutput(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(failing("optional_check", errors.New("unavailable"))))
	require.NoError(t, funcs.Register(doubler()))

	ds := sizingSchema(
		schema.StepDefinition{StepNumber: 1, StepName: "optional", FunctionRef: "optional_check", OnError: schema.OnErrorSkip},
		schema.StepDefinition{
			StepNumber: 2, StepName: "main", FunctionRef: "doubler",
			InputMapping: map[string]schema.Reference{
				"value": {Kind: schema.RefLiteral, Literal: 5.0},
			},
		},
	)

	ex := newTestExecutor(t, s, funcs, passiveRouter())
	exec, err := ex.Execute(context.Background(), ds, "", map[string]any{}, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	require.Len(t, exec.StepOutputs, 2)
	assert.Equal(t, schema.StepRunSkipped, exec.StepOutputs[0].Status)
	assert.Nil(t, exec.StepOutputs[0].Output)
	assert.JSONEq(t, `{"result": 10}`, string(exec.StepOutputs[1].Output))
}

func TestExecute_OnErrorContinueWithDefault(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(failing("estimate", errors.New("model offline"))))
	require.NoError(t, funcs.Register(doubler()))

	ds := sizingSchema(
		schema.StepDefinition{
			StepNumber: 1, StepName: "estimate_load", FunctionRef: "estimate",
			OnError:       schema.OnErrorContinueWithDefault,
			DefaultOutput: json.RawMessage(`{"load": 100}`),
		},
		schema.StepDefinition{
			StepNumber: 2, StepName: "size", FunctionRef: "doubler",
			InputMapping: map[string]schema.Reference{
				"value": {Kind: schema.RefStep, StepNum: 1, Path: []string{"load"}},
			},
		},
	)

	ex := newTestExecutor(t, s, funcs, passiveRouter())
	exec, err := ex.Execute(context.Background(), ds, "", map[string]any{}, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, schema.StepRunDefaulted, exec.StepOutputs[0].Status)
	assert.JSONEq(t, `{"result": 200}`, string(exec.StepOutputs[1].Output), "downstream step consumed the default")
}

func TestExecute_PreRouteBlockParksBeforeSteps(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(doubler()))

	router := &fakeRouter{session: &fakeSession{
		score: 0.2,
		decisions: map[schema.RoutingPhase]*schema.RoutingDecision{
			schema.PhasePre: {Phase: schema.PhasePre, Action: schema.ActionBlock, RequiresApproval: true},
		},
	}}

	ds := sizingSchema(
		schema.StepDefinition{StepNumber: 1, StepName: "never", FunctionRef: "doubler"},
	)

	ex := newTestExecutor(t, s, funcs, router)
	exec, err := ex.Execute(context.Background(), ds, "", map[string]any{}, nil)
	require.NoError(t, err)

	// A block pauses for a human decision; it never rejects on its own.
	assert.Equal(t, schema.ExecutionAwaitingApproval, exec.Status)
	assert.Empty(t, exec.StepOutputs, "no step runs past a block")
}

func TestExecute_MidRunBlockParksImmediately(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(doubler()))

	router := &fakeRouter{session: &fakeSession{
		score: 0.5,
		decisions: map[schema.RoutingPhase]*schema.RoutingDecision{
			schema.PhasePostStep: {Phase: schema.PhasePostStep, Action: schema.ActionBlock, RequiresApproval: true},
		},
	}}

	ds := sizingSchema(
		schema.StepDefinition{StepNumber: 1, StepName: "first", FunctionRef: "doubler"},
		schema.StepDefinition{StepNumber: 2, StepName: "second", FunctionRef: "doubler"},
	)

	ex := newTestExecutor(t, s, funcs, router)
	exec, err := ex.Execute(context.Background(), ds, "", map[string]any{}, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionAwaitingApproval, exec.Status)
	assert.Len(t, exec.StepOutputs, 1, "the second step never ran")
}

func TestExecute_RequiresApprovalParks(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(doubler()))

	router := &fakeRouter{session: &fakeSession{
		score: 0.85,
		decisions: map[schema.RoutingPhase]*schema.RoutingDecision{
			schema.PhasePostWorkflow: {
				Phase:            schema.PhasePostWorkflow,
				Action:           schema.ActionRequireHITL,
				CumulativeRisk:   0.85,
				RequiresApproval: true,
			},
		},
	}}

	ds := sizingSchema(
		schema.StepDefinition{StepNumber: 1, StepName: "compute", FunctionRef: "doubler"},
	)

	ex := newTestExecutor(t, s, funcs, router)
	exec, err := ex.Execute(context.Background(), ds, "", map[string]any{}, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionAwaitingApproval, exec.Status)
	assert.InDelta(t, 0.85, exec.CumulativeRisk, 1e-9)
	assert.Nil(t, exec.CompletedAt, "parked is not terminal")

	persisted, err := s.GetExecution(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionAwaitingApproval, persisted.Status)
}

func parkExecution(t *testing.T, ex *Executor, s *store.LibSQLStore, funcs *FuncRegistry) *schema.WorkflowExecution {
	t.Helper()
	ds := sizingSchema(
		schema.StepDefinition{StepNumber: 1, StepName: "compute", FunctionRef: "doubler"},
	)
	exec, err := ex.Execute(context.Background(), ds, "", map[string]any{}, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionAwaitingApproval, exec.Status)
	return exec
}

func hitlRouter() *fakeRouter {
	return &fakeRouter{session: &fakeSession{
		score: 0.8,
		decisions: map[schema.RoutingPhase]*schema.RoutingDecision{
			schema.PhasePostWorkflow: {Phase: schema.PhasePostWorkflow, Action: schema.ActionRequireHITL, RequiresApproval: true},
		},
	}}
}

func TestResumeDecided_Approve(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(doubler()))
	ex := newTestExecutor(t, s, funcs, hitlRouter())
	parked := parkExecution(t, ex, s, funcs)

	exec, err := ex.ResumeDecided(context.Background(), parked.ExecutionID, schema.DecisionApprove, "lead-eng")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionApproved, exec.Status)
	assert.NotNil(t, exec.CompletedAt)

	persisted, err := s.GetExecution(context.Background(), parked.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionApproved, persisted.Status)
}

func TestResumeDecided_Reject(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(doubler()))
	ex := newTestExecutor(t, s, funcs, hitlRouter())
	parked := parkExecution(t, ex, s, funcs)

	exec, err := ex.ResumeDecided(context.Background(), parked.ExecutionID, schema.DecisionReject, "lead-eng")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRejected, exec.Status)
}

func TestResumeDecided_RevisionLeavesExecutionParked(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(doubler()))
	ex := newTestExecutor(t, s, funcs, hitlRouter())
	parked := parkExecution(t, ex, s, funcs)

	exec, err := ex.ResumeDecided(context.Background(), parked.ExecutionID, schema.DecisionRequestRevision, "lead-eng")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionAwaitingApproval, exec.Status)

	persisted, err := s.GetExecution(context.Background(), parked.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionAwaitingApproval, persisted.Status)
}

func TestResumeDecided_NotParkedIsInvalid(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(doubler()))
	ex := newTestExecutor(t, s, funcs, passiveRouter())

	ds := sizingSchema(schema.StepDefinition{StepNumber: 1, StepName: "compute", FunctionRef: "doubler"})
	exec, err := ex.Execute(context.Background(), ds, "", map[string]any{}, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionCompleted, exec.Status)

	_, err = ex.ResumeDecided(context.Background(), exec.ExecutionID, schema.DecisionApprove, "lead-eng")
	require.Error(t, err)
	var verr *schema.VerdiktError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, verr.Code)
}

func openRequest(t *testing.T, s *store.LibSQLStore, executionID string) *schema.ApprovalRequest {
	t.Helper()
	now := time.Now().UTC()
	req := &schema.ApprovalRequest{
		RequestID:       "req-" + executionID,
		ExecutionID:     executionID,
		DeliverableType: "foundation_design",
		RiskScore:       0.8,
		Status:          schema.ApprovalPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, s.CreateApproval(context.Background(), req))
	return req
}

func TestCancel_OpenApprovalRequestIsConflict(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(doubler()))
	ex := newTestExecutor(t, s, funcs, hitlRouter())
	parked := parkExecution(t, ex, s, funcs)
	openRequest(t, s, parked.ExecutionID)

	_, err := ex.Cancel(context.Background(), parked.ExecutionID)
	require.Error(t, err)
	var verr *schema.VerdiktError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, schema.ErrCodeConflict, verr.Code)
}

func TestCancel_AfterRequestResolvedSucceeds(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(doubler()))
	ex := newTestExecutor(t, s, funcs, hitlRouter())
	parked := parkExecution(t, ex, s, funcs)
	req := openRequest(t, s, parked.ExecutionID)

	// A revision request resolves the approval but leaves the execution
	// parked; the caller may then cancel instead of resubmitting.
	resolved := schema.ApprovalRevisionRequested
	require.NoError(t, s.UpdateApproval(context.Background(), req.RequestID, store.ApprovalUpdate{Status: &resolved}))

	exec, err := ex.Cancel(context.Background(), parked.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, exec.Status)

	persisted, err := s.GetExecution(context.Background(), parked.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, persisted.Status)
}

func TestExpire_FailsParkedExecution(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(doubler()))
	ex := newTestExecutor(t, s, funcs, hitlRouter())
	parked := parkExecution(t, ex, s, funcs)

	cause := schema.NewError(schema.ErrCodeApprovalExpired, "no capable approver")
	exec, err := ex.Expire(context.Background(), parked.ExecutionID, cause)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.NotNil(t, exec.CompletedAt)

	persisted, err := s.GetExecution(context.Background(), parked.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, persisted.Status)
	assert.Contains(t, string(persisted.Error), schema.ErrCodeApprovalExpired)
}

func TestExpire_NotParkedIsInvalid(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(doubler()))
	ex := newTestExecutor(t, s, funcs, passiveRouter())

	ds := sizingSchema(schema.StepDefinition{StepNumber: 1, StepName: "compute", FunctionRef: "doubler"})
	exec, err := ex.Execute(context.Background(), ds, "", map[string]any{}, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionCompleted, exec.Status)

	_, err = ex.Expire(context.Background(), exec.ExecutionID, schema.NewError(schema.ErrCodeApprovalExpired, "no capable approver"))
	require.Error(t, err)
}

func TestCancel_TerminalIsInvalid(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(doubler()))
	ex := newTestExecutor(t, s, funcs, passiveRouter())

	ds := sizingSchema(schema.StepDefinition{StepNumber: 1, StepName: "compute", FunctionRef: "doubler"})
	exec, err := ex.Execute(context.Background(), ds, "", map[string]any{}, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionCompleted, exec.Status)

	_, err = ex.Cancel(context.Background(), exec.ExecutionID)
	require.Error(t, err)
}

func TestExecute_PhaseOrder(t *testing.T) {
	s := newEngineStore(t)
	funcs := NewFuncRegistry()
	require.NoError(t, funcs.Register(doubler()))

	session := &fakeSession{}
	router := &fakeRouter{session: session}

	ds := sizingSchema(
		schema.StepDefinition{StepNumber: 1, StepName: "a", FunctionRef: "doubler"},
		schema.StepDefinition{StepNumber: 2, StepName: "b", FunctionRef: "doubler"},
	)

	ex := newTestExecutor(t, s, funcs, router)
	_, err := ex.Execute(context.Background(), ds, "", map[string]any{}, nil)
	require.NoError(t, err)

	assert.Equal(t, []schema.RoutingPhase{
		schema.PhasePre,
		schema.PhasePostStep,
		schema.PhasePostStep,
		schema.PhasePostWorkflow,
	}, session.phases)
}
