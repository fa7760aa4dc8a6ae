package streaming

import "context"

// StreamEvent is a real-time event emitted as an execution moves through
// its lifecycle: step completions, routing decisions, approval activity.
type StreamEvent struct {
	ExecutionID string `json:"execution_id"`
	StepName    string `json:"step_name,omitempty"`
	EventType   string `json:"event_type"`
	Payload     any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live execution events. The durable record
// is the audit log; the hub is a best-effort push channel on top of it.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
