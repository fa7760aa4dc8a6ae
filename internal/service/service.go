package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/verdikt/verdikt/internal/approval"
	"github.com/verdikt/verdikt/internal/engine"
	"github.com/verdikt/verdikt/internal/experiment"
	"github.com/verdikt/verdikt/internal/expressions"
	"github.com/verdikt/verdikt/internal/metrics"
	"github.com/verdikt/verdikt/internal/registry"
	"github.com/verdikt/verdikt/internal/risk"
	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/internal/streaming"
	"github.com/verdikt/verdikt/internal/validation"
	"github.com/verdikt/verdikt/pkg/schema"
)

// routerAdapter bridges the risk router to the engine's session contract.
type routerAdapter struct {
	router *risk.Router
}

func (a routerAdapter) NewSession(executionID string, ds *schema.DeliverableSchema) engine.RiskSession {
	return a.router.NewSession(executionID, ds)
}

// Config tunes the service facade.
type Config struct {
	MaxConcurrent int           // worker pool size
	StepTimeout   time.Duration // default step timeout
	RetryDelay    time.Duration
	Approval      approval.Config
}

// Service is the orchestration facade: schema governance, submission with
// variant routing, approval handling, experiments, and audit access.
type Service struct {
	store      store.Store
	registry   *registry.Registry
	executor   *engine.Executor
	pool       *engine.WorkerPool
	approvals  *approval.Manager
	variants   *experiment.VariantManager
	experiment *experiment.Manager
	exporter   *store.AuditExporter
	collector  *metrics.Collector
	hub        streaming.EventHub
	logger     *slog.Logger
}

// New wires the service from its parts.
func New(
	s store.Store,
	reg *registry.Registry,
	funcs *engine.FuncRegistry,
	ev *expressions.Evaluator,
	inputs *validation.InputValidator,
	collector *metrics.Collector,
	hub streaming.EventHub,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}

	riskRouter := risk.NewRouter(ev, s, logger)
	executor := engine.NewExecutor(s, funcs, inputs, routerAdapter{riskRouter}, logger, engine.Config{
		DefaultStepTimeout: cfg.StepTimeout,
		RetryDelay:         cfg.RetryDelay,
	})
	variants := experiment.NewVariantManager(s, logger)

	svc := &Service{
		store:      s,
		registry:   reg,
		executor:   executor,
		pool:       engine.NewWorkerPool(cfg.MaxConcurrent),
		variants:   variants,
		experiment: experiment.NewManager(s, variants, logger),
		exporter:   store.NewAuditExporter(s),
		collector:  collector,
		hub:        hub,
		logger:     logger,
	}
	svc.approvals = approval.NewManager(s, executor, logger, cfg.Approval)
	return svc
}

// SubmitResult is the synchronous outcome of a submission.
type SubmitResult struct {
	Execution *schema.WorkflowExecution `json:"execution"`
	Approval  *schema.ApprovalRequest   `json:"approval,omitempty"`
}

// SubmitOptions carries optional submission parameters.
type SubmitOptions struct {
	SchemaVersion int            // 0 = active version
	Context       map[string]any // caller-supplied context values
	Discipline    string         // approver discipline for HITL routing
	MinSeniority  int
}

// Submit runs a workflow synchronously through the worker pool: resolve the
// governing schema, pick a variant, execute, and open an approval request if
// the run parks. The pool bounds how many submissions run at once.
func (s *Service) Submit(ctx context.Context, deliverableType string, input map[string]any, opts SubmitOptions) (*SubmitResult, error) {
	base, err := s.resolveSchema(ctx, deliverableType, opts.SchemaVersion)
	if err != nil {
		return nil, err
	}

	variant, err := s.variants.Select(ctx, base.DeliverableType, base.Version)
	if err != nil {
		return nil, err
	}
	governing := experiment.ApplyOverrides(base, variant)
	variantID := ""
	if variant != nil {
		variantID = variant.VariantID
	}

	var result SubmitResult
	var runErr error
	done := make(chan struct{})
	if err := s.pool.Submit(ctx, func(ctx context.Context) error {
		defer close(done)
		exec, err := s.executor.Execute(ctx, governing, variantID, input, opts.Context)
		if err != nil {
			runErr = err
			return err
		}
		result.Execution = exec

		if variant != nil {
			s.auditVariantSelection(ctx, exec.ExecutionID, variant)
		}
		s.collector.ObserveExecution(exec)

		if exec.Status == schema.ExecutionAwaitingApproval {
			s.collector.Park()
			req, err := s.approvals.CreateForExecution(ctx, exec, opts.Discipline, opts.MinSeniority)
			if err != nil {
				// Expiry with no capable approver already failed the
				// execution; it is no longer parked.
				s.collector.Resume()
				runErr = err
				return err
			}
			result.Approval = req
			s.stream(ctx, exec.ExecutionID, schema.EventExecutionParked, map[string]any{
				"request_id":      req.RequestID,
				"assigned_to":     req.AssignedTo,
				"cumulative_risk": exec.CumulativeRisk,
			})
		} else {
			s.stream(ctx, exec.ExecutionID, "execution_"+string(exec.Status), map[string]any{
				"status":          exec.Status,
				"cumulative_risk": exec.CumulativeRisk,
			})
		}
		return nil
	}); err != nil {
		return nil, err
	}
	<-done
	if runErr != nil {
		return nil, runErr
	}
	return &result, nil
}

func (s *Service) resolveSchema(ctx context.Context, deliverableType string, version int) (*schema.DeliverableSchema, error) {
	if version > 0 {
		return s.registry.ResolveVersion(ctx, deliverableType, version)
	}
	return s.registry.Resolve(ctx, deliverableType)
}

func (s *Service) auditVariantSelection(ctx context.Context, executionID string, v *schema.SchemaVariant) {
	details, _ := json.Marshal(map[string]any{
		"variant_id": v.VariantID, "variant_key": v.VariantKey, "traffic": v.TrafficAllocation,
	})
	if err := s.store.AppendAudit(ctx, &store.AuditEvent{
		ExecutionID: executionID,
		Type:        schema.EventVariantSelected,
		Details:     details,
	}); err != nil {
		s.logger.WarnContext(ctx, "append variant selection event failed", "error", err)
	}
}

// stream publishes a live event; the audit log stays the durable record.
func (s *Service) stream(ctx context.Context, executionID, eventType string, payload any) {
	if s.hub == nil {
		return
	}
	if err := s.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: executionID,
		EventType:   eventType,
		Payload:     payload,
	}); err != nil {
		s.logger.WarnContext(ctx, "stream publish failed", "event_type", eventType, "error", err)
	}
}

// GetStatus returns an execution with its audit trail length.
func (s *Service) GetStatus(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	return s.store.GetExecution(ctx, executionID)
}

// Cancel cancels a pending or running execution.
func (s *Service) Cancel(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	exec, err := s.executor.Cancel(ctx, executionID)
	if err != nil {
		return nil, err
	}
	s.collector.ObserveExecution(exec)
	return exec, nil
}

// PublishSchema validates and publishes a schema definition as the new
// active version.
func (s *Service) PublishSchema(ctx context.Context, ds *schema.DeliverableSchema) (string, int, error) {
	return s.registry.Publish(ctx, ds)
}

// ResolveSchema returns the active schema for a deliverable type.
func (s *Service) ResolveSchema(ctx context.Context, deliverableType string) (*schema.DeliverableSchema, error) {
	return s.registry.Resolve(ctx, deliverableType)
}

// ListSchemaVersions returns all versions for a deliverable type.
func (s *Service) ListSchemaVersions(ctx context.Context, deliverableType string) ([]*schema.DeliverableSchema, error) {
	return s.registry.ListVersions(ctx, deliverableType)
}

// DecideApproval applies a reviewer's decision and resumes the execution.
func (s *Service) DecideApproval(ctx context.Context, requestID, approverID string, decision schema.ApprovalDecision, notes string) (*schema.ApprovalRequest, error) {
	req, err := s.approvals.Decide(ctx, requestID, approverID, decision, notes)
	if err != nil {
		return nil, err
	}
	s.collector.ObserveDecision(decision)
	if decision != schema.DecisionRequestRevision {
		s.collector.Resume()
		if exec, err := s.store.GetExecution(ctx, req.ExecutionID); err == nil {
			s.collector.ObserveExecution(exec)
		}
	}
	s.stream(ctx, req.ExecutionID, schema.EventApprovalDecided, map[string]any{
		"request_id": req.RequestID,
		"decision":   decision,
		"decided_by": approverID,
	})
	return req, nil
}

// StartReview marks an assigned approval as in review.
func (s *Service) StartReview(ctx context.Context, requestID, approverID string) error {
	return s.approvals.StartReview(ctx, requestID, approverID)
}

// ListPendingApprovals lists open approval requests, optionally scoped to
// one approver.
func (s *Service) ListPendingApprovals(ctx context.Context, assignedTo string) ([]*schema.ApprovalRequest, error) {
	return s.approvals.ListPending(ctx, assignedTo)
}

// SweepApprovals escalates overdue approval requests. Wired to the
// scheduler.
func (s *Service) SweepApprovals(ctx context.Context) (int, error) {
	return s.approvals.SweepExpired(ctx)
}

// UpsertApprover registers or updates a reviewer directory entry.
func (s *Service) UpsertApprover(ctx context.Context, a *schema.Approver) error {
	return s.store.UpsertApprover(ctx, a)
}

// Variants returns the variant manager.
func (s *Service) Variants() *experiment.VariantManager { return s.variants }

// Experiments returns the experiment manager.
func (s *Service) Experiments() *experiment.Manager { return s.experiment }

// ExportAudit returns an execution's audit trail, optionally shaped by a jq
// projection.
func (s *Service) ExportAudit(ctx context.Context, executionID, projection string) ([]any, error) {
	return s.exporter.Export(ctx, executionID, projection)
}

// AuditTrail returns an execution's raw audit events after a sequence.
func (s *Service) AuditTrail(ctx context.Context, executionID string, since int64) ([]*store.AuditEvent, error) {
	return s.store.GetAuditTrail(ctx, executionID, since)
}

// Shutdown drains the worker pool.
func (s *Service) Shutdown() {
	s.pool.Shutdown()
}
