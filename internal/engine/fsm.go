package engine

import (
	"context"
	"sync"

	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/pkg/schema"
)

// AuditAppender is satisfied by the Store; FSM transitions emit audit events
// through it.
type AuditAppender interface {
	AppendAudit(ctx context.Context, event *store.AuditEvent) error
}

// TransitionHook is called before or after an execution state transition.
type TransitionHook func(from, to schema.ExecutionStatus) error

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM manages execution lifecycle state transitions. Every valid
// transition emits the matching audit event; invalid transitions are rejected
// before any side effect.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender AuditAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM that emits audit events via the
// given appender.
func NewExecutionFSM(appender AuditAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an execution state transition, emitting
// the corresponding audit event. The caller persists the new state.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if eventType := transitionEventType(to); eventType != "" {
		event := &store.AuditEvent{
			ExecutionID: executionID,
			Type:        eventType,
		}
		if err := f.appender.AppendAudit(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit transition event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

// ValidExecutionTransitions defines the allowed execution state transitions.
// A parked execution leaves awaiting_approval through a human decision
// (approved, rejected), through approval expiry (failed), or through
// cancellation once its approval request is no longer open.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:          {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionRunning:          {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionAwaitingApproval, schema.ExecutionCancelled},
	schema.ExecutionAwaitingApproval: {schema.ExecutionApproved, schema.ExecutionRejected, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionCompleted:        {},
	schema.ExecutionFailed:           {},
	schema.ExecutionApproved:         {},
	schema.ExecutionRejected:         {},
	schema.ExecutionCancelled:        {},
}

func isValidTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func transitionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionAwaitingApproval:
		return schema.EventExecutionParked
	case schema.ExecutionApproved:
		return schema.EventExecutionApproved
	case schema.ExecutionRejected:
		return schema.EventExecutionRejected
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}
