package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventStageChanged is published on every stage transition of a job.
	// Payload: map with job_id, stage, state and (on failure) error.
	EventStageChanged EventType = "stage_changed"

	// EventJobDeleted is published after a job record is evicted.
	// Payload: map with job_id.
	EventJobDeleted EventType = "job_deleted"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
