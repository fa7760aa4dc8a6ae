package approval

import (
	"github.com/verdikt/verdikt/pkg/schema"
)

// ValidApprovalTransitions defines the approval request lifecycle. Escalation
// re-enters assignment at a higher seniority requirement; expiry is reachable
// from every non-terminal state once the reviewer pool is exhausted.
var ValidApprovalTransitions = map[schema.ApprovalStatus][]schema.ApprovalStatus{
	schema.ApprovalPending:   {schema.ApprovalAssigned, schema.ApprovalEscalated, schema.ApprovalExpired},
	schema.ApprovalAssigned:  {schema.ApprovalInReview, schema.ApprovalEscalated, schema.ApprovalExpired},
	schema.ApprovalInReview:  {schema.ApprovalApproved, schema.ApprovalRejected, schema.ApprovalRevisionRequested, schema.ApprovalEscalated, schema.ApprovalExpired},
	schema.ApprovalEscalated: {schema.ApprovalAssigned, schema.ApprovalEscalated, schema.ApprovalExpired},

	schema.ApprovalApproved:          {},
	schema.ApprovalRejected:          {},
	schema.ApprovalRevisionRequested: {},
	schema.ApprovalExpired:           {},
}

func validTransition(from, to schema.ApprovalStatus) bool {
	for _, a := range ValidApprovalTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func checkTransition(requestID string, from, to schema.ApprovalStatus) error {
	if !validTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid approval transition: %s -> %s", from, to).
			WithDetails(map[string]any{"request_id": requestID, "from": string(from), "to": string(to)})
	}
	return nil
}
