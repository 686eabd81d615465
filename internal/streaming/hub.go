package streaming

import "context"

// StreamEvent is a real-time event emitted while a pipeline run executes.
type StreamEvent struct {
	CorrelationID string `json:"correlation_id"`
	DocumentID    string `json:"document_id,omitempty"`
	Stage         string `json:"stage,omitempty"`
	EventType     string `json:"event_type"`
	Payload       any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	CorrelationID string   `json:"correlation_id,omitempty"`
	EventTypes    []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
