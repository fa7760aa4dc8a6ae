package schema

// Audit event type constants. Every rule evaluation and routing/approval
// transition is emitted as one immutable record in the audit stream.
const (
	EventExecutionCreated   = "execution_created"
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionApproved  = "execution_approved"
	EventExecutionRejected  = "execution_rejected"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionParked    = "execution_parked" // entered awaiting_approval

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepDefaulted = "step_defaulted"
	EventStepRetrying  = "step_retrying"

	EventRuleEvaluated   = "rule_evaluated"
	EventRoutingDecision = "routing_decision"

	EventApprovalCreated   = "approval_created"
	EventApprovalAssigned  = "approval_assigned"
	EventApprovalInReview  = "approval_in_review"
	EventApprovalDecided   = "approval_decided"
	EventApprovalEscalated = "approval_escalated"
	EventApprovalExpired   = "approval_expired"

	EventVariantSelected     = "variant_selected"
	EventSchemaPublished     = "schema_published"
	EventExperimentStarted   = "experiment_started"
	EventExperimentConcluded = "experiment_concluded"
)
