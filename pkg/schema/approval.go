package schema

import "time"

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending           ApprovalStatus = "pending"
	ApprovalAssigned          ApprovalStatus = "assigned"
	ApprovalInReview          ApprovalStatus = "in_review"
	ApprovalApproved          ApprovalStatus = "approved"
	ApprovalRejected          ApprovalStatus = "rejected"
	ApprovalRevisionRequested ApprovalStatus = "revision_requested"
	ApprovalEscalated         ApprovalStatus = "escalated"
	ApprovalExpired           ApprovalStatus = "expired"
)

// Terminal reports whether the approval status admits no further transitions.
// revision_requested returns control to the caller but the request itself is
// done; the caller resubmits a corrected execution.
func (s ApprovalStatus) Terminal() bool {
	switch s {
	case ApprovalApproved, ApprovalRejected, ApprovalRevisionRequested, ApprovalExpired:
		return true
	}
	return false
}

// ApprovalRequest is a human sign-off gate created by the risk router when an
// execution routes to require_hitl or block.
type ApprovalRequest struct {
	RequestID       string         `json:"request_id"`
	ExecutionID     string         `json:"execution_id"`
	DeliverableType string         `json:"deliverable_type"`
	RiskScore       float64        `json:"risk_score"`
	Status          ApprovalStatus `json:"status"`
	Discipline      string         `json:"discipline,omitempty"`
	MinSeniority    int            `json:"min_seniority,omitempty"`
	AssignedTo      string         `json:"assigned_to,omitempty"`
	EscalationLevel int            `json:"escalation_level"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	DecidedBy       string         `json:"decided_by,omitempty"`
	DecisionNotes   string         `json:"decision_notes,omitempty"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ApprovalDecision is a reviewer's verdict on an approval request.
type ApprovalDecision string

const (
	DecisionApprove         ApprovalDecision = "approve"
	DecisionReject          ApprovalDecision = "reject"
	DecisionRequestRevision ApprovalDecision = "request_revision"
)

// Approver is a directory entry for a human reviewer.
type Approver struct {
	ApproverID   string  `json:"approver_id"`
	Name         string  `json:"name"`
	Discipline   string  `json:"discipline"`
	Seniority    int     `json:"seniority"`      // higher is more senior
	MaxRiskScore float64 `json:"max_risk_score"` // risk ceiling this approver may sign off
	Available    bool    `json:"available"`
	Approvals    int     `json:"approvals"` // decided counts, used for load tie-break
	Rejections   int     `json:"rejections"`
}

// Load is the assignment tie-break key: approvals minus rejections.
// Lower load is preferred; ties go to the higher seniority.
func (a *Approver) Load() int {
	return a.Approvals - a.Rejections
}
