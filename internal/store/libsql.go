package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/verdikt/verdikt/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. audit log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Deliverable schemas ---

// PublishSchema inserts a new schema version and swaps the active pointer in
// a single transaction. The previously active version is marked deprecated.
func (s *LibSQLStore) PublishSchema(ctx context.Context, ds *schema.DeliverableSchema) error {
	steps, err := json.Marshal(ds.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	rules, err := json.Marshal(ds.RiskRules)
	if err != nil {
		return fmt.Errorf("marshal risk_rules: %w", err)
	}
	thresholds, err := json.Marshal(ds.Thresholds)
	if err != nil {
		return fmt.Errorf("marshal thresholds: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE deliverable_schemas SET is_active = 0, status = ?
		 WHERE deliverable_type = ? AND is_active = 1`,
		string(schema.SchemaStatusDeprecated), ds.DeliverableType,
	); err != nil {
		return fmt.Errorf("deprecate previous version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deliverable_schemas (schema_id, deliverable_type, version, steps, input_contract, risk_rules, thresholds, status, is_active, created_at, published_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		ds.SchemaID, ds.DeliverableType, ds.Version, string(steps), nullRaw(ds.InputContract),
		string(rules), string(thresholds), string(schema.SchemaStatusActive),
		timeOrNow(ds.CreatedAt), timeOrNow(timeDeref(ds.PublishedAt)),
	); err != nil {
		return fmt.Errorf("insert schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish: %w", err)
	}
	return nil
}

const schemaColumns = `schema_id, deliverable_type, version, steps, input_contract, risk_rules, thresholds, status, created_at, published_at`

func (s *LibSQLStore) GetActiveSchema(ctx context.Context, deliverableType string) (*schema.DeliverableSchema, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+schemaColumns+` FROM deliverable_schemas
		 WHERE deliverable_type = ? AND is_active = 1`, deliverableType)
	ds, err := scanSchema(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("active schema", deliverableType)
	}
	return ds, err
}

func (s *LibSQLStore) GetSchemaVersion(ctx context.Context, deliverableType string, version int) (*schema.DeliverableSchema, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+schemaColumns+` FROM deliverable_schemas
		 WHERE deliverable_type = ? AND version = ?`, deliverableType, version)
	ds, err := scanSchema(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schema version", fmt.Sprintf("%s/v%d", deliverableType, version))
	}
	return ds, err
}

func (s *LibSQLStore) ListSchemaVersions(ctx context.Context, deliverableType string) ([]*schema.DeliverableSchema, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+schemaColumns+` FROM deliverable_schemas
		 WHERE deliverable_type = ? ORDER BY version ASC`, deliverableType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schemas []*schema.DeliverableSchema
	for rows.Next() {
		ds, err := scanSchema(rows)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, ds)
	}
	return schemas, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchema(row rowScanner) (*schema.DeliverableSchema, error) {
	ds := &schema.DeliverableSchema{}
	var (
		stepsJSON, rulesJSON, thresholdsJSON string
		contract                             sql.NullString
		status                               string
		publishedAt                          sql.NullTime
	)
	err := row.Scan(&ds.SchemaID, &ds.DeliverableType, &ds.Version, &stepsJSON, &contract,
		&rulesJSON, &thresholdsJSON, &status, &ds.CreatedAt, &publishedAt)
	if err != nil {
		return nil, err
	}
	ds.Status = schema.SchemaStatus(status)
	ds.InputContract = rawOrNil(contract)
	if err := json.Unmarshal([]byte(stepsJSON), &ds.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal([]byte(rulesJSON), &ds.RiskRules); err != nil {
		return nil, fmt.Errorf("unmarshal risk_rules: %w", err)
	}
	if err := json.Unmarshal([]byte(thresholdsJSON), &ds.Thresholds); err != nil {
		return nil, fmt.Errorf("unmarshal thresholds: %w", err)
	}
	if publishedAt.Valid {
		ds.PublishedAt = &publishedAt.Time
	}
	return ds, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	input, err := marshalMapOrDefault(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	execCtx, err := marshalMapOrDefault(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	outputs, err := json.Marshal(exec.StepOutputs)
	if err != nil {
		return fmt.Errorf("marshal step_outputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, deliverable_type, schema_id, schema_version, variant_id, input, context, status, step_outputs, cumulative_risk_score, failed_step, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ExecutionID, exec.DeliverableType, exec.SchemaID, exec.SchemaVersion, nullStr(exec.VariantID),
		string(input), string(execCtx), string(exec.Status), string(outputs),
		exec.CumulativeRisk, nullStr(exec.FailedStep), nullRaw(exec.Error),
		timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt), timeOrNow(exec.UpdatedAt),
	)
	return err
}

const executionColumns = `execution_id, deliverable_type, schema_id, schema_version, variant_id, input, context, status, step_outputs, cumulative_risk_score, failed_step, error, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE execution_id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func scanExecution(row rowScanner) (*schema.WorkflowExecution, error) {
	exec := &schema.WorkflowExecution{}
	var (
		variantID, failedStep             sql.NullString
		inputJSON                         string
		contextJSON, outputsJSON, errJSON sql.NullString
		status                            string
		startedAt, completedAt            sql.NullTime
	)
	err := row.Scan(&exec.ExecutionID, &exec.DeliverableType, &exec.SchemaID, &exec.SchemaVersion,
		&variantID, &inputJSON, &contextJSON, &status, &outputsJSON, &exec.CumulativeRisk,
		&failedStep, &errJSON, &exec.CreatedAt, &startedAt, &completedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.VariantID = variantID.String
	exec.FailedStep = failedStep.String
	exec.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(inputJSON), &exec.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if contextJSON.Valid && contextJSON.String != "" {
		_ = json.Unmarshal([]byte(contextJSON.String), &exec.Context)
	}
	if outputsJSON.Valid && outputsJSON.String != "" {
		if err := json.Unmarshal([]byte(outputsJSON.String), &exec.StepOutputs); err != nil {
			return nil, fmt.Errorf("unmarshal step_outputs: %w", err)
		}
	}
	exec.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

// UpdateExecution applies the update only while the execution is non-terminal.
// Updating a terminal execution returns a conflict error.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.StepOutputs != nil {
		outputs, err := json.Marshal(update.StepOutputs)
		if err != nil {
			return fmt.Errorf("marshal step_outputs: %w", err)
		}
		sets = append(sets, "step_outputs = ?")
		args = append(args, string(outputs))
	}
	if update.CumulativeRisk != nil {
		sets = append(sets, "cumulative_risk_score = ?")
		args = append(args, *update.CumulativeRisk)
	}
	if update.FailedStep != nil {
		sets = append(sets, "failed_step = ?")
		args = append(args, *update.FailedStep)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf(
		`UPDATE executions SET %s WHERE execution_id = ? AND status NOT IN (%s)`,
		strings.Join(sets, ", "), terminalStatusList())
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is terminal and cannot be updated", id)
	}
	return nil
}

func terminalStatusList() string {
	terminal := []schema.ExecutionStatus{
		schema.ExecutionCompleted, schema.ExecutionFailed,
		schema.ExecutionApproved, schema.ExecutionRejected,
		schema.ExecutionCancelled,
	}
	quoted := make([]string, len(terminal))
	for i, st := range terminal {
		quoted[i] = "'" + string(st) + "'"
	}
	return strings.Join(quoted, ", ")
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	var where []string
	var args []any

	if filter.DeliverableType != "" {
		where = append(where, "deliverable_type = ?")
		args = append(args, filter.DeliverableType)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.VariantID != nil {
		if *filter.VariantID == "" {
			where = append(where, "variant_id IS NULL")
		} else {
			where = append(where, "variant_id = ?")
			args = append(args, *filter.VariantID)
		}
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*schema.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// ListTerminalExecutions returns executions that reached a terminal status
// within [from, to). Used by the metrics aggregator.
func (s *LibSQLStore) ListTerminalExecutions(ctx context.Context, from, to time.Time) ([]*schema.WorkflowExecution, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM executions
		 WHERE status IN (%s) AND completed_at >= ? AND completed_at < ?
		 ORDER BY completed_at ASC`, executionColumns, terminalStatusList())
	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*schema.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.VerdiktError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func timeDeref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
