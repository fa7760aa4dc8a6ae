package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verdikt/verdikt/internal/logging"
	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/pkg/schema"
)

// Resumer applies a human decision to a parked execution, or fails it when no
// decision can ever arrive. Implemented by the workflow executor.
type Resumer interface {
	ResumeDecided(ctx context.Context, executionID string, decision schema.ApprovalDecision, decidedBy string) (*schema.WorkflowExecution, error)
	Expire(ctx context.Context, executionID string, cause error) (*schema.WorkflowExecution, error)
}

// Config tunes the approval machine.
type Config struct {
	ReviewDeadline time.Duration // per-assignment deadline; refreshed on escalation
	MaxEscalations int           // hard bound on escalation rounds
}

func (c Config) withDefaults() Config {
	if c.ReviewDeadline <= 0 {
		c.ReviewDeadline = 24 * time.Hour
	}
	if c.MaxEscalations <= 0 {
		c.MaxEscalations = 5
	}
	return c
}

// Manager owns the approval request lifecycle: creation for parked
// executions, capability-matched assignment, review, decisions, and
// deadline-driven escalation. Assignment and escalation are serialized so two
// sweeps cannot claim the same reviewer state concurrently.
type Manager struct {
	store   store.Store
	resumer Resumer
	logger  *slog.Logger
	cfg     Config

	mu sync.Mutex
}

// NewManager creates a Manager.
func NewManager(s store.Store, resumer Resumer, logger *slog.Logger, cfg Config) *Manager {
	return &Manager{
		store:   s,
		resumer: resumer,
		logger:  logger,
		cfg:     cfg.withDefaults(),
	}
}

// CreateForExecution opens an approval request for a parked execution and
// immediately attempts assignment. Discipline and minSeniority describe the
// reviewer capability the deliverable demands.
func (m *Manager) CreateForExecution(ctx context.Context, exec *schema.WorkflowExecution, discipline string, minSeniority int) (*schema.ApprovalRequest, error) {
	if exec.Status != schema.ExecutionAwaitingApproval {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %q is %s, not awaiting approval", exec.ExecutionID, exec.Status)
	}

	now := time.Now().UTC()
	req := &schema.ApprovalRequest{
		RequestID:       uuid.New().String(),
		ExecutionID:     exec.ExecutionID,
		DeliverableType: exec.DeliverableType,
		RiskScore:       exec.CumulativeRisk,
		Status:          schema.ApprovalPending,
		Discipline:      discipline,
		MinSeniority:    minSeniority,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateApproval(ctx, req); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create approval request").WithCause(err)
	}
	m.audit(ctx, req, schema.EventApprovalCreated, map[string]any{
		"risk_score": req.RiskScore, "discipline": discipline, "min_seniority": minSeniority,
	})

	if err := m.Assign(ctx, req.RequestID); err != nil {
		return nil, err
	}
	return m.store.GetApproval(ctx, req.RequestID)
}

// Assign picks the best-matching available approver and claims the request
// for them with a fresh review deadline. With no capable approver the request
// escalates immediately.
func (m *Manager) Assign(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignLocked(ctx, requestID)
}

func (m *Manager) assignLocked(ctx context.Context, requestID string) error {
	req, err := m.store.GetApproval(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != schema.ApprovalPending && req.Status != schema.ApprovalEscalated {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"approval request %q is %s, not assignable", requestID, req.Status)
	}

	approver, err := m.selectApprover(ctx, req)
	if err != nil {
		return err
	}
	if approver == nil {
		return m.escalateLocked(ctx, req)
	}

	if err := checkTransition(req.RequestID, req.Status, schema.ApprovalAssigned); err != nil {
		return err
	}
	status := schema.ApprovalAssigned
	expiresAt := time.Now().UTC().Add(m.cfg.ReviewDeadline)
	if err := m.store.UpdateApproval(ctx, req.RequestID, store.ApprovalUpdate{
		Status:     &status,
		AssignedTo: &approver.ApproverID,
		ExpiresAt:  &expiresAt,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "assign approval request").WithCause(err)
	}
	m.audit(ctx, req, schema.EventApprovalAssigned, map[string]any{
		"assigned_to": approver.ApproverID, "seniority": approver.Seniority, "expires_at": expiresAt,
	})
	return nil
}

// selectApprover returns the capability-matched approver with the lowest
// load, ties broken by higher seniority. Returns nil when the pool at the
// current escalation level is empty.
func (m *Manager) selectApprover(ctx context.Context, req *schema.ApprovalRequest) (*schema.Approver, error) {
	ceiling := req.RiskScore
	candidates, err := m.store.ListApprovers(ctx, store.ApproverFilter{
		Discipline:     req.Discipline,
		MinSeniority:   req.MinSeniority + req.EscalationLevel,
		MinRiskCeiling: &ceiling,
		AvailableOnly:  true,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list approvers").WithCause(err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Load() != candidates[j].Load() {
			return candidates[i].Load() < candidates[j].Load()
		}
		return candidates[i].Seniority > candidates[j].Seniority
	})
	return candidates[0], nil
}

// StartReview moves an assigned request into review. Only the assignee may
// start the review.
func (m *Manager) StartReview(ctx context.Context, requestID, approverID string) error {
	req, err := m.store.GetApproval(ctx, requestID)
	if err != nil {
		return err
	}
	if req.AssignedTo != approverID {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"approval request %q is assigned to %q", requestID, req.AssignedTo)
	}
	if err := checkTransition(requestID, req.Status, schema.ApprovalInReview); err != nil {
		return err
	}
	status := schema.ApprovalInReview
	if err := m.store.UpdateApproval(ctx, requestID, store.ApprovalUpdate{Status: &status}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "start review").WithCause(err)
	}
	m.audit(ctx, req, schema.EventApprovalInReview, map[string]any{"approver_id": approverID})
	return nil
}

// Decide records a reviewer's verdict, resumes the parked execution, and
// updates the approver's decision counters. An assigned request may be
// decided directly; the in_review step is optional.
func (m *Manager) Decide(ctx context.Context, requestID, approverID string, decision schema.ApprovalDecision, notes string) (*schema.ApprovalRequest, error) {
	req, err := m.store.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.AssignedTo != approverID {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"approval request %q is assigned to %q", requestID, req.AssignedTo)
	}

	from := req.Status
	if from == schema.ApprovalAssigned {
		from = schema.ApprovalInReview
	}
	to, err := decisionStatus(decision)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(requestID, from, to); err != nil {
		return nil, err
	}

	ctx = logging.WithExecutionID(ctx, req.ExecutionID)

	// Resume first: if the execution transition is rejected the request
	// stays open instead of recording a decision nothing consumed.
	if _, err := m.resumer.ResumeDecided(ctx, req.ExecutionID, decision, approverID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := m.store.UpdateApproval(ctx, requestID, store.ApprovalUpdate{
		Status:        &to,
		DecidedBy:     &approverID,
		DecisionNotes: &notes,
		DecidedAt:     &now,
	}); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "record decision").WithCause(err)
	}

	if decision != schema.DecisionRequestRevision {
		if err := m.store.RecordApproverDecision(ctx, approverID, decision == schema.DecisionApprove); err != nil {
			m.logger.WarnContext(ctx, "record approver decision failed", "approver_id", approverID, "error", err)
		}
	}

	m.audit(ctx, req, schema.EventApprovalDecided, map[string]any{
		"decision": string(decision), "decided_by": approverID, "notes": notes,
	})
	return m.store.GetApproval(ctx, requestID)
}

func decisionStatus(decision schema.ApprovalDecision) (schema.ApprovalStatus, error) {
	switch decision {
	case schema.DecisionApprove:
		return schema.ApprovalApproved, nil
	case schema.DecisionReject:
		return schema.ApprovalRejected, nil
	case schema.DecisionRequestRevision:
		return schema.ApprovalRevisionRequested, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeInvalidTransition, "unknown decision %q", decision)
	}
}

// Escalate bumps a request to the next seniority tier and reassigns it with
// a fresh deadline. When the pool is exhausted or the escalation budget is
// spent the request expires.
func (m *Manager) Escalate(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.store.GetApproval(ctx, requestID)
	if err != nil {
		return err
	}
	return m.escalateLocked(ctx, req)
}

func (m *Manager) escalateLocked(ctx context.Context, req *schema.ApprovalRequest) error {
	if err := checkTransition(req.RequestID, req.Status, schema.ApprovalEscalated); err != nil {
		return err
	}
	if req.EscalationLevel >= m.cfg.MaxEscalations {
		return m.expireLocked(ctx, req)
	}

	level := req.EscalationLevel + 1
	status := schema.ApprovalEscalated
	unassigned := ""
	if err := m.store.UpdateApproval(ctx, req.RequestID, store.ApprovalUpdate{
		Status:          &status,
		AssignedTo:      &unassigned,
		EscalationLevel: &level,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "escalate approval request").WithCause(err)
	}
	m.audit(ctx, req, schema.EventApprovalEscalated, map[string]any{
		"escalation_level": level, "previous_assignee": req.AssignedTo,
	})

	// Reassign at the new tier. An empty tier escalates again until the
	// budget runs out, so this terminates.
	return m.assignLocked(ctx, req.RequestID)
}

func (m *Manager) expireLocked(ctx context.Context, req *schema.ApprovalRequest) error {
	status := schema.ApprovalExpired
	if err := m.store.UpdateApproval(ctx, req.RequestID, store.ApprovalUpdate{Status: &status}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "expire approval request").WithCause(err)
	}
	m.audit(ctx, req, schema.EventApprovalExpired, map[string]any{
		"escalation_level": req.EscalationLevel,
	})

	cause := schema.NewErrorf(schema.ErrCodeApprovalExpired,
		"approval request %q expired: no capable approver after %d escalation(s)",
		req.RequestID, req.EscalationLevel).
		WithDetails(map[string]any{"execution_id": req.ExecutionID})

	// The execution can never receive a decision now; fail it so it does not
	// sit parked forever.
	if _, err := m.resumer.Expire(ctx, req.ExecutionID, cause); err != nil {
		m.logger.ErrorContext(ctx, "fail execution after approval expiry",
			"execution_id", req.ExecutionID, "request_id", req.RequestID, "error", err)
	}
	return cause
}

// SweepExpired escalates every assigned or in-review request whose deadline
// has passed. Run periodically by the scheduler; a sweep error on one request
// does not stop the others.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	var swept int
	for _, status := range []schema.ApprovalStatus{schema.ApprovalAssigned, schema.ApprovalInReview} {
		status := status
		overdue, err := m.store.ListApprovals(ctx, store.ApprovalFilter{
			Status:        &status,
			ExpiresBefore: &now,
		})
		if err != nil {
			return swept, schema.NewError(schema.ErrCodeStore, "list overdue approvals").WithCause(err)
		}
		for _, req := range overdue {
			swept++
			if err := m.Escalate(ctx, req.RequestID); err != nil {
				m.logger.WarnContext(ctx, "escalation after deadline failed",
					"request_id", req.RequestID, "error", err)
			}
		}
	}
	return swept, nil
}

// ListPending returns open requests, optionally filtered to one approver.
func (m *Manager) ListPending(ctx context.Context, assignedTo string) ([]*schema.ApprovalRequest, error) {
	var open []*schema.ApprovalRequest
	for _, status := range []schema.ApprovalStatus{schema.ApprovalPending, schema.ApprovalAssigned, schema.ApprovalInReview, schema.ApprovalEscalated} {
		status := status
		reqs, err := m.store.ListApprovals(ctx, store.ApprovalFilter{
			Status:     &status,
			AssignedTo: assignedTo,
		})
		if err != nil {
			return nil, err
		}
		open = append(open, reqs...)
	}
	return open, nil
}

func (m *Manager) audit(ctx context.Context, req *schema.ApprovalRequest, eventType string, details map[string]any) {
	payload, _ := json.Marshal(details)
	if err := m.store.AppendAudit(ctx, &store.AuditEvent{
		ExecutionID: req.ExecutionID,
		Type:        eventType,
		Details:     payload,
	}); err != nil {
		m.logger.WarnContext(ctx, "append approval audit event failed",
			"request_id", req.RequestID, "event", eventType, "error", err)
	}
}
