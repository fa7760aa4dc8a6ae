package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/verdikt/verdikt/pkg/schema"
)

// AppendAudit appends an event with a monotonically increasing per-execution
// sequence. Uses an immediate write lock so concurrent appenders cannot
// interleave sequence reads and writes.
func (s *LibSQLStore) AppendAudit(ctx context.Context, event *AuditEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction. Force lock
	// acquisition with a write-intent statement before reading the sequence.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM audit_events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_events (execution_id, sequence, event_type, phase, step_name, rule_id, condition, result, risk_contribution, action, inputs, details, duration_us, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, seq, event.Type, nullStr(string(event.Phase)), nullStr(event.StepName),
		nullStr(event.RuleID), nullStr(event.Condition), nullStr(event.Result),
		event.RiskContribution, nullStr(string(event.Action)),
		nullRaw(event.Inputs), nullRaw(event.Details), event.DurationUs, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit event: %w", err)
	}
	return nil
}

const auditColumns = `id, execution_id, sequence, event_type, phase, step_name, rule_id, condition, result, risk_contribution, action, inputs, details, duration_us, timestamp`

// GetAuditTrail returns events for an execution with sequence > since,
// ordered by sequence ASC.
func (s *LibSQLStore) GetAuditTrail(ctx context.Context, executionID string, since int64) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_events
		 WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func (s *LibSQLStore) QueryAudit(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.Type)
	}
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY execution_id, sequence ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func scanAuditEvents(rows *sql.Rows) ([]*AuditEvent, error) {
	var events []*AuditEvent
	for rows.Next() {
		e := &AuditEvent{}
		var phase, stepName, ruleID, condition, result, action sql.NullString
		var inputs, details sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Sequence, &e.Type, &phase, &stepName,
			&ruleID, &condition, &result, &e.RiskContribution, &action,
			&inputs, &details, &e.DurationUs, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Phase = schema.RoutingPhase(phase.String)
		e.StepName = stepName.String
		e.RuleID = ruleID.String
		e.Condition = condition.String
		e.Result = result.String
		e.Action = schema.RuleAction(action.String)
		e.Inputs = rawOrNil(inputs)
		e.Details = rawOrNil(details)
		events = append(events, e)
	}
	return events, rows.Err()
}
