package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/pkg/schema"
)

type memAppender struct {
	events []*store.AuditEvent
	fail   error
}

func (m *memAppender) AppendAudit(_ context.Context, e *store.AuditEvent) error {
	if m.fail != nil {
		return m.fail
	}
	m.events = append(m.events, e)
	return nil
}

func TestFSM_ValidTransitionEmitsEvent(t *testing.T) {
	app := &memAppender{}
	fsm := NewExecutionFSM(app)

	err := fsm.Transition(context.Background(), "exec-1", schema.ExecutionPending, schema.ExecutionRunning)
	require.NoError(t, err)

	require.Len(t, app.events, 1)
	assert.Equal(t, schema.EventExecutionStarted, app.events[0].Type)
	assert.Equal(t, "exec-1", app.events[0].ExecutionID)
}

func TestFSM_InvalidTransitionRejected(t *testing.T) {
	app := &memAppender{}
	fsm := NewExecutionFSM(app)

	cases := []struct {
		from, to schema.ExecutionStatus
	}{
		{schema.ExecutionPending, schema.ExecutionCompleted},
		{schema.ExecutionPending, schema.ExecutionAwaitingApproval},
		{schema.ExecutionRunning, schema.ExecutionRejected},
		{schema.ExecutionAwaitingApproval, schema.ExecutionRunning},
		{schema.ExecutionCompleted, schema.ExecutionRunning},
		{schema.ExecutionFailed, schema.ExecutionRunning},
		{schema.ExecutionCancelled, schema.ExecutionRunning},
	}
	for _, tc := range cases {
		err := fsm.Transition(context.Background(), "exec-1", tc.from, tc.to)
		require.Error(t, err, "%s -> %s must be rejected", tc.from, tc.to)
		var verr *schema.VerdiktError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, schema.ErrCodeInvalidTransition, verr.Code)
	}
	assert.Empty(t, app.events, "rejected transitions must have no side effects")
}

func TestFSM_TerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []schema.ExecutionStatus{
		schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionApproved,
		schema.ExecutionRejected, schema.ExecutionCancelled,
	} {
		assert.Empty(t, ValidExecutionTransitions[from], string(from))
	}
}

func TestFSM_BeforeHookErrorAbortsTransition(t *testing.T) {
	app := &memAppender{}
	fsm := NewExecutionFSM(app)

	hookErr := errors.New("not ready")
	fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning, func(from, to schema.ExecutionStatus) error {
		return hookErr
	})

	err := fsm.Transition(context.Background(), "exec-1", schema.ExecutionPending, schema.ExecutionRunning)
	require.ErrorIs(t, err, hookErr)
	assert.Empty(t, app.events)
}

func TestFSM_AfterHookRunsAfterEvent(t *testing.T) {
	app := &memAppender{}
	fsm := NewExecutionFSM(app)

	var sawEvent bool
	fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionAwaitingApproval, func(from, to schema.ExecutionStatus) error {
		sawEvent = len(app.events) == 1
		return nil
	})

	err := fsm.Transition(context.Background(), "exec-1", schema.ExecutionRunning, schema.ExecutionAwaitingApproval)
	require.NoError(t, err)
	assert.True(t, sawEvent)
	assert.Equal(t, schema.EventExecutionParked, app.events[0].Type)
}

func TestFSM_AppenderFailureSurfacesAsStoreError(t *testing.T) {
	app := &memAppender{fail: errors.New("disk full")}
	fsm := NewExecutionFSM(app)

	err := fsm.Transition(context.Background(), "exec-1", schema.ExecutionRunning, schema.ExecutionCompleted)
	require.Error(t, err)
	var verr *schema.VerdiktError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, schema.ErrCodeStore, verr.Code)
}
