package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/verdikt/verdikt/pkg/schema"
)

// --- Approval requests ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, req *schema.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (request_id, execution_id, deliverable_type, risk_score, status, discipline, min_seniority, assigned_to, escalation_level, expires_at, decided_by, decision_notes, decided_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, req.ExecutionID, req.DeliverableType, req.RiskScore, string(req.Status),
		nullStr(req.Discipline), req.MinSeniority, nullStr(req.AssignedTo), req.EscalationLevel,
		nullTime(req.ExpiresAt), nullStr(req.DecidedBy), nullStr(req.DecisionNotes), nullTime(req.DecidedAt),
		timeOrNow(req.CreatedAt), timeOrNow(req.UpdatedAt),
	)
	return err
}

const approvalColumns = `request_id, execution_id, deliverable_type, risk_score, status, discipline, min_seniority, assigned_to, escalation_level, expires_at, decided_by, decision_notes, decided_at, created_at, updated_at`

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*schema.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE request_id = ?`, id)
	req, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval request", id)
	}
	return req, err
}

func scanApproval(row rowScanner) (*schema.ApprovalRequest, error) {
	req := &schema.ApprovalRequest{}
	var (
		status                   string
		discipline, assignedTo   sql.NullString
		decidedBy, decisionNotes sql.NullString
		expiresAt, decidedAt     sql.NullTime
	)
	err := row.Scan(&req.RequestID, &req.ExecutionID, &req.DeliverableType, &req.RiskScore,
		&status, &discipline, &req.MinSeniority, &assignedTo, &req.EscalationLevel,
		&expiresAt, &decidedBy, &decisionNotes, &decidedAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	req.Status = schema.ApprovalStatus(status)
	req.Discipline = discipline.String
	req.AssignedTo = assignedTo.String
	req.DecidedBy = decidedBy.String
	req.DecisionNotes = decisionNotes.String
	if expiresAt.Valid {
		req.ExpiresAt = &expiresAt.Time
	}
	if decidedAt.Valid {
		req.DecidedAt = &decidedAt.Time
	}
	return req, nil
}

func (s *LibSQLStore) UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.AssignedTo != nil {
		sets = append(sets, "assigned_to = ?")
		args = append(args, nullStr(*update.AssignedTo))
	}
	if update.EscalationLevel != nil {
		sets = append(sets, "escalation_level = ?")
		args = append(args, *update.EscalationLevel)
	}
	if update.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, *update.ExpiresAt)
	}
	if update.DecidedBy != nil {
		sets = append(sets, "decided_by = ?")
		args = append(args, *update.DecidedBy)
	}
	if update.DecisionNotes != nil {
		sets = append(sets, "decision_notes = ?")
		args = append(args, *update.DecisionNotes)
	}
	if update.DecidedAt != nil {
		sets = append(sets, "decided_at = ?")
		args = append(args, *update.DecidedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE approval_requests SET %s WHERE request_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "approval request", id)
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if filter.ExpiresBefore != nil {
		where = append(where, "expires_at IS NOT NULL AND expires_at < ?")
		args = append(args, *filter.ExpiresBefore)
	}

	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*schema.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, req)
	}
	return approvals, rows.Err()
}

// --- Approver directory ---

func (s *LibSQLStore) UpsertApprover(ctx context.Context, a *schema.Approver) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvers (approver_id, name, discipline, seniority, max_risk_score, available, approvals, rejections)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(approver_id) DO UPDATE SET
		   name=excluded.name, discipline=excluded.discipline, seniority=excluded.seniority,
		   max_risk_score=excluded.max_risk_score, available=excluded.available`,
		a.ApproverID, a.Name, a.Discipline, a.Seniority, a.MaxRiskScore,
		boolToInt(a.Available), a.Approvals, a.Rejections,
	)
	return err
}

func (s *LibSQLStore) GetApprover(ctx context.Context, id string) (*schema.Approver, error) {
	a := &schema.Approver{}
	var available int
	err := s.db.QueryRowContext(ctx,
		`SELECT approver_id, name, discipline, seniority, max_risk_score, available, approvals, rejections
		 FROM approvers WHERE approver_id = ?`, id,
	).Scan(&a.ApproverID, &a.Name, &a.Discipline, &a.Seniority, &a.MaxRiskScore, &available, &a.Approvals, &a.Rejections)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approver", id)
	}
	if err != nil {
		return nil, err
	}
	a.Available = available != 0
	return a, nil
}

func (s *LibSQLStore) ListApprovers(ctx context.Context, filter ApproverFilter) ([]*schema.Approver, error) {
	var where []string
	var args []any

	if filter.Discipline != "" {
		where = append(where, "discipline = ?")
		args = append(args, filter.Discipline)
	}
	if filter.MinSeniority > 0 {
		where = append(where, "seniority >= ?")
		args = append(args, filter.MinSeniority)
	}
	if filter.MinRiskCeiling != nil {
		where = append(where, "max_risk_score >= ?")
		args = append(args, *filter.MinRiskCeiling)
	}
	if filter.AvailableOnly {
		where = append(where, "available = 1")
	}

	query := `SELECT approver_id, name, discipline, seniority, max_risk_score, available, approvals, rejections FROM approvers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY approver_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvers []*schema.Approver
	for rows.Next() {
		a := &schema.Approver{}
		var available int
		if err := rows.Scan(&a.ApproverID, &a.Name, &a.Discipline, &a.Seniority, &a.MaxRiskScore, &available, &a.Approvals, &a.Rejections); err != nil {
			return nil, err
		}
		a.Available = available != 0
		approvers = append(approvers, a)
	}
	return approvers, rows.Err()
}

func (s *LibSQLStore) RecordApproverDecision(ctx context.Context, id string, approved bool) error {
	column := "rejections"
	if approved {
		column = "approvals"
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE approvers SET %s = %s + 1 WHERE approver_id = ?`, column, column), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "approver", id)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
