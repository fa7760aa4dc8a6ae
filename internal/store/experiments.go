package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/verdikt/verdikt/pkg/schema"
)

// --- Schema variants ---

func (s *LibSQLStore) CreateVariant(ctx context.Context, v *schema.SchemaVariant) error {
	overrides, err := json.Marshal(v.Overrides)
	if err != nil {
		return fmt.Errorf("marshal overrides: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schema_variants (variant_id, schema_id, deliverable_type, base_version, variant_key, overrides, status, traffic_allocation, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.VariantID, v.SchemaID, v.DeliverableType, v.BaseVersion, v.VariantKey,
		string(overrides), string(v.Status), v.TrafficAllocation,
		timeOrNow(v.CreatedAt), timeOrNow(v.UpdatedAt),
	)
	return err
}

const variantColumns = `variant_id, schema_id, deliverable_type, base_version, variant_key, overrides, status, traffic_allocation, created_at, updated_at`

func (s *LibSQLStore) GetVariant(ctx context.Context, id string) (*schema.SchemaVariant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+variantColumns+` FROM schema_variants WHERE variant_id = ?`, id)
	v, err := scanVariant(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("variant", id)
	}
	return v, err
}

func scanVariant(row rowScanner) (*schema.SchemaVariant, error) {
	v := &schema.SchemaVariant{}
	var overridesJSON, status string
	err := row.Scan(&v.VariantID, &v.SchemaID, &v.DeliverableType, &v.BaseVersion, &v.VariantKey,
		&overridesJSON, &status, &v.TrafficAllocation, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.Status = schema.VariantStatus(status)
	if err := json.Unmarshal([]byte(overridesJSON), &v.Overrides); err != nil {
		return nil, fmt.Errorf("unmarshal overrides: %w", err)
	}
	return v, nil
}

func (s *LibSQLStore) UpdateVariantStatus(ctx context.Context, id string, status schema.VariantStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schema_variants SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE variant_id = ?`,
		string(status), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "variant", id)
}

func (s *LibSQLStore) ListVariants(ctx context.Context, filter VariantFilter) ([]*schema.SchemaVariant, error) {
	var where []string
	var args []any

	if filter.DeliverableType != "" {
		where = append(where, "deliverable_type = ?")
		args = append(args, filter.DeliverableType)
	}
	if filter.BaseVersion > 0 {
		where = append(where, "base_version = ?")
		args = append(args, filter.BaseVersion)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(filter.VariantIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.VariantIDs)), ", ")
		where = append(where, "variant_id IN ("+placeholders+")")
		for _, id := range filter.VariantIDs {
			args = append(args, id)
		}
	}

	query := `SELECT ` + variantColumns + ` FROM schema_variants`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Stable order so traffic allocation walks are deterministic.
	query += " ORDER BY variant_key ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var variants []*schema.SchemaVariant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// --- Experiments ---

func (s *LibSQLStore) CreateExperiment(ctx context.Context, e *schema.Experiment) error {
	variantIDs, err := json.Marshal(e.VariantIDs)
	if err != nil {
		return fmt.Errorf("marshal variant_ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (experiment_id, name, deliverable_type, schema_version, variant_ids, primary_metric, min_sample_size, confidence_level, status, winning_variant, significant, recommendation, started_at, concluded_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExperimentID, e.Name, e.DeliverableType, e.SchemaVersion, string(variantIDs),
		string(e.PrimaryMetric), e.MinSampleSize, e.ConfidenceLevel, string(e.Status),
		nullStr(e.WinningVariant), boolToInt(e.Significant), nullStr(string(e.Recommendation)),
		nullTime(e.StartedAt), nullTime(e.ConcludedAt), timeOrNow(e.CreatedAt),
	)
	return err
}

const experimentColumns = `experiment_id, name, deliverable_type, schema_version, variant_ids, primary_metric, min_sample_size, confidence_level, status, winning_variant, significant, recommendation, started_at, concluded_at, created_at`

func (s *LibSQLStore) GetExperiment(ctx context.Context, id string) (*schema.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE experiment_id = ?`, id)
	e, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("experiment", id)
	}
	return e, err
}

func scanExperiment(row rowScanner) (*schema.Experiment, error) {
	e := &schema.Experiment{}
	var (
		variantIDsJSON, metric, status string
		winning, recommendation        sql.NullString
		significant                    sql.NullInt64
		startedAt, concludedAt         sql.NullTime
	)
	err := row.Scan(&e.ExperimentID, &e.Name, &e.DeliverableType, &e.SchemaVersion,
		&variantIDsJSON, &metric, &e.MinSampleSize, &e.ConfidenceLevel, &status,
		&winning, &significant, &recommendation, &startedAt, &concludedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.PrimaryMetric = schema.PrimaryMetric(metric)
	e.Status = schema.ExperimentStatus(status)
	e.WinningVariant = winning.String
	e.Recommendation = schema.Recommendation(recommendation.String)
	e.Significant = significant.Valid && significant.Int64 != 0
	if err := json.Unmarshal([]byte(variantIDsJSON), &e.VariantIDs); err != nil {
		return nil, fmt.Errorf("unmarshal variant_ids: %w", err)
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if concludedAt.Valid {
		e.ConcludedAt = &concludedAt.Time
	}
	return e, nil
}

func (s *LibSQLStore) UpdateExperiment(ctx context.Context, id string, update ExperimentUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.VariantIDs != nil {
		ids, err := json.Marshal(update.VariantIDs)
		if err != nil {
			return fmt.Errorf("marshal variant_ids: %w", err)
		}
		sets = append(sets, "variant_ids = ?")
		args = append(args, string(ids))
	}
	if update.WinningVariant != nil {
		sets = append(sets, "winning_variant = ?")
		args = append(args, *update.WinningVariant)
	}
	if update.Significant != nil {
		sets = append(sets, "significant = ?")
		args = append(args, boolToInt(*update.Significant))
	}
	if update.Recommendation != nil {
		sets = append(sets, "recommendation = ?")
		args = append(args, string(*update.Recommendation))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.ConcludedAt != nil {
		sets = append(sets, "concluded_at = ?")
		args = append(args, *update.ConcludedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE experiments SET %s WHERE experiment_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "experiment", id)
}

// GetRunningExperiment returns the running experiment for a schema version,
// or a not-found error when none is running.
func (s *LibSQLStore) GetRunningExperiment(ctx context.Context, deliverableType string, version int) (*schema.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments
		 WHERE deliverable_type = ? AND schema_version = ? AND status = ?
		 ORDER BY created_at DESC LIMIT 1`,
		deliverableType, version, string(schema.ExperimentRunning))
	e, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("running experiment", fmt.Sprintf("%s/v%d", deliverableType, version))
	}
	return e, err
}
