package store

import (
	"context"
	"time"

	"github.com/verdikt/verdikt/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Deliverable schemas (immutable versions, single active pointer)
	PublishSchema(ctx context.Context, s *schema.DeliverableSchema) error
	GetActiveSchema(ctx context.Context, deliverableType string) (*schema.DeliverableSchema, error)
	GetSchemaVersion(ctx context.Context, deliverableType string, version int) (*schema.DeliverableSchema, error)
	ListSchemaVersions(ctx context.Context, deliverableType string) ([]*schema.DeliverableSchema, error)

	// Executions
	CreateExecution(ctx context.Context, exec *schema.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error)

	// Approval requests
	CreateApproval(ctx context.Context, req *schema.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*schema.ApprovalRequest, error)
	UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error)

	// Approver directory
	UpsertApprover(ctx context.Context, a *schema.Approver) error
	GetApprover(ctx context.Context, id string) (*schema.Approver, error)
	ListApprovers(ctx context.Context, filter ApproverFilter) ([]*schema.Approver, error)
	RecordApproverDecision(ctx context.Context, id string, approved bool) error

	// Variants and experiments
	CreateVariant(ctx context.Context, v *schema.SchemaVariant) error
	GetVariant(ctx context.Context, id string) (*schema.SchemaVariant, error)
	UpdateVariantStatus(ctx context.Context, id string, status schema.VariantStatus) error
	ListVariants(ctx context.Context, filter VariantFilter) ([]*schema.SchemaVariant, error)
	CreateExperiment(ctx context.Context, e *schema.Experiment) error
	GetExperiment(ctx context.Context, id string) (*schema.Experiment, error)
	UpdateExperiment(ctx context.Context, id string, update ExperimentUpdate) error
	GetRunningExperiment(ctx context.Context, deliverableType string, version int) (*schema.Experiment, error)

	// Audit stream (append-only)
	AppendAudit(ctx context.Context, event *AuditEvent) error
	GetAuditTrail(ctx context.Context, executionID string, since int64) ([]*AuditEvent, error)
	QueryAudit(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error)

	// Metric snapshots (recompute-and-replace per bucket)
	ReplaceMetricSnapshot(ctx context.Context, snap *MetricSnapshot) error
	GetMetricSnapshots(ctx context.Context, filter MetricFilter) ([]*MetricSnapshot, error)
	SumSampleCount(ctx context.Context, deliverableType string, version int, variantID string) (int64, error)
	ListTerminalExecutions(ctx context.Context, from, to time.Time) ([]*schema.WorkflowExecution, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
