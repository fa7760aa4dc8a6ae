package metrics

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/pkg/schema"
)

// Aggregator folds terminal executions into hourly metric snapshots. The
// aggregation is recompute-and-replace: re-running a window produces the
// same snapshots, so overlap between runs is harmless.
type Aggregator struct {
	store    store.Store
	logger   *slog.Logger
	lookback time.Duration
}

// NewAggregator creates an Aggregator. lookback is how far behind now each
// run re-aggregates; it should exceed the run interval so no bucket is
// skipped.
func NewAggregator(s store.Store, logger *slog.Logger, lookback time.Duration) *Aggregator {
	if lookback <= 0 {
		lookback = 3 * time.Hour
	}
	return &Aggregator{store: s, logger: logger, lookback: lookback}
}

const bucketSeconds = 3600

type bucketKey struct {
	deliverableType string
	schemaVersion   int
	variantID       string
	bucketStart     time.Time
}

// Run aggregates the trailing lookback window up to now.
func (a *Aggregator) Run(ctx context.Context) error {
	now := time.Now().UTC()
	return a.AggregateRange(ctx, now.Add(-a.lookback), now)
}

// AggregateRange rebuilds every hourly snapshot intersecting [from, to).
func (a *Aggregator) AggregateRange(ctx context.Context, from, to time.Time) error {
	execs, err := a.store.ListTerminalExecutions(ctx, from, to)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "list terminal executions").WithCause(err)
	}

	buckets := make(map[bucketKey][]*schema.WorkflowExecution)
	for _, exec := range execs {
		if exec.CompletedAt == nil {
			continue
		}
		key := bucketKey{
			deliverableType: exec.DeliverableType,
			schemaVersion:   exec.SchemaVersion,
			variantID:       exec.VariantID,
			bucketStart:     exec.CompletedAt.UTC().Truncate(time.Hour),
		}
		buckets[key] = append(buckets[key], exec)
	}

	computedAt := time.Now().UTC()
	for key, members := range buckets {
		snap := buildSnapshot(key, members, computedAt)
		if err := a.store.ReplaceMetricSnapshot(ctx, snap); err != nil {
			return schema.NewError(schema.ErrCodeStore, "replace metric snapshot").WithCause(err)
		}
	}

	a.logger.InfoContext(ctx, "metric aggregation finished",
		"executions", len(execs), "buckets", len(buckets),
		"from", from, "to", to)
	return nil
}

func buildSnapshot(key bucketKey, members []*schema.WorkflowExecution, computedAt time.Time) *store.MetricSnapshot {
	snap := &store.MetricSnapshot{
		DeliverableType: key.deliverableType,
		SchemaVersion:   key.schemaVersion,
		VariantID:       key.variantID,
		BucketStart:     key.bucketStart,
		BucketSeconds:   bucketSeconds,
		ComputedAt:      computedAt,
	}

	var riskSum float64
	var durations []int64
	for _, exec := range members {
		snap.SampleCount++
		riskSum += exec.CumulativeRisk
		switch exec.Status {
		case schema.ExecutionCompleted:
			snap.CompletedCount++
		case schema.ExecutionFailed:
			snap.FailedCount++
		case schema.ExecutionApproved:
			snap.ApprovedCount++
			snap.HITLCount++
		case schema.ExecutionRejected:
			snap.RejectedCount++
			snap.HITLCount++
		case schema.ExecutionCancelled:
			snap.CancelledCount++
		}
		if exec.StartedAt != nil && exec.CompletedAt != nil {
			durations = append(durations, exec.CompletedAt.Sub(*exec.StartedAt).Milliseconds())
		}
	}
	snap.MeanRisk = riskSum / float64(snap.SampleCount)

	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		snap.P50Ms = percentile(durations, 50)
		snap.P95Ms = percentile(durations, 95)
		snap.P99Ms = percentile(durations, 99)
	}
	return snap
}

// percentile is the nearest-rank percentile of a sorted slice.
func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
