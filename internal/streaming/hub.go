// Package streaming fans out execution events (status changes and recorded
// transitions) to in-process subscribers.
package streaming

import "context"

// StreamEvent is a real-time event emitted while an execution runs.
type StreamEvent struct {
	ExecutionID string `json:"execution_id"`
	LineageID   string `json:"lineage_id"`
	// Cursor is the "workflow.step" position the event refers to, if any.
	Cursor    string `json:"cursor,omitempty"`
	EventType string `json:"event_type"`
	Sequence  int64  `json:"sequence,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	LineageID   string   `json:"lineage_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// Nop is an EventHub that discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, StreamEvent) error { return nil }

func (Nop) Subscribe(ctx context.Context, _ EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ch := make(chan StreamEvent)
	return ch, func() {}, nil
}
