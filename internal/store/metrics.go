package store

import (
	"context"
	"fmt"
	"strings"
)

// ReplaceMetricSnapshot upserts a snapshot keyed by (type, version, variant,
// bucket). Re-aggregating a bucket replaces the previous row wholesale.
func (s *LibSQLStore) ReplaceMetricSnapshot(ctx context.Context, snap *MetricSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metric_snapshots (deliverable_type, schema_version, variant_id, bucket_start, bucket_seconds, sample_count, completed_count, failed_count, approved_count, rejected_count, cancelled_count, hitl_count, mean_risk, p50_ms, p95_ms, p99_ms, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(deliverable_type, schema_version, variant_id, bucket_start) DO UPDATE SET
		   bucket_seconds=excluded.bucket_seconds, sample_count=excluded.sample_count,
		   completed_count=excluded.completed_count, failed_count=excluded.failed_count,
		   approved_count=excluded.approved_count, rejected_count=excluded.rejected_count,
		   cancelled_count=excluded.cancelled_count, hitl_count=excluded.hitl_count,
		   mean_risk=excluded.mean_risk, p50_ms=excluded.p50_ms, p95_ms=excluded.p95_ms,
		   p99_ms=excluded.p99_ms, computed_at=excluded.computed_at`,
		snap.DeliverableType, snap.SchemaVersion, snap.VariantID, snap.BucketStart, snap.BucketSeconds,
		snap.SampleCount, snap.CompletedCount, snap.FailedCount, snap.ApprovedCount,
		snap.RejectedCount, snap.CancelledCount, snap.HITLCount, snap.MeanRisk,
		snap.P50Ms, snap.P95Ms, snap.P99Ms, timeOrNow(snap.ComputedAt),
	)
	return err
}

const snapshotColumns = `deliverable_type, schema_version, variant_id, bucket_start, bucket_seconds, sample_count, completed_count, failed_count, approved_count, rejected_count, cancelled_count, hitl_count, mean_risk, p50_ms, p95_ms, p99_ms, computed_at`

func (s *LibSQLStore) GetMetricSnapshots(ctx context.Context, filter MetricFilter) ([]*MetricSnapshot, error) {
	var where []string
	var args []any

	if filter.DeliverableType != "" {
		where = append(where, "deliverable_type = ?")
		args = append(args, filter.DeliverableType)
	}
	if filter.SchemaVersion > 0 {
		where = append(where, "schema_version = ?")
		args = append(args, filter.SchemaVersion)
	}
	if filter.VariantID != nil {
		where = append(where, "variant_id = ?")
		args = append(args, *filter.VariantID)
	}
	if filter.From != nil {
		where = append(where, "bucket_start >= ?")
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		where = append(where, "bucket_start < ?")
		args = append(args, *filter.To)
	}

	query := `SELECT ` + snapshotColumns + ` FROM metric_snapshots`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY bucket_start ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*MetricSnapshot
	for rows.Next() {
		snap := &MetricSnapshot{}
		if err := rows.Scan(&snap.DeliverableType, &snap.SchemaVersion, &snap.VariantID,
			&snap.BucketStart, &snap.BucketSeconds, &snap.SampleCount,
			&snap.CompletedCount, &snap.FailedCount, &snap.ApprovedCount,
			&snap.RejectedCount, &snap.CancelledCount, &snap.HITLCount,
			&snap.MeanRisk, &snap.P50Ms, &snap.P95Ms, &snap.P99Ms, &snap.ComputedAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// SumSampleCount returns the total sample count across all buckets for a
// schema version and variant. Experiments use this for sample-size gating.
func (s *LibSQLStore) SumSampleCount(ctx context.Context, deliverableType string, version int, variantID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(sample_count), 0) FROM metric_snapshots
		 WHERE deliverable_type = ? AND schema_version = ? AND variant_id = ?`,
		deliverableType, version, variantID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum sample_count: %w", err)
	}
	return total, nil
}
