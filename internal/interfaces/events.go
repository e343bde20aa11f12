package interfaces

import (
	"context"

	"github.com/ternarybob/causa/internal/models"
)

// JobEvent is published by the progress tracker when a job crosses a
// lifecycle boundary or reports sub-progress. The webhook dispatcher is the
// primary subscriber; publishing never blocks the orchestrator.
type JobEvent struct {
	Type       models.EventType
	JobID      string
	SubjectRef string
	Snapshot   *models.ProgressSnapshot // Nil for terminal events without a current phase
	Error      *models.JobError         // Set for failed events
	Warnings   []string                 // Recoverable degradations, terminal events only
}

// EventHandler is a function that handles job events
type EventHandler func(ctx context.Context, event JobEvent) error

// EventService manages the in-process pub/sub event bus
type EventService interface {
	// Subscribe registers a handler for an event type
	Subscribe(eventType models.EventType, handler EventHandler) error

	// Publish sends an event to all subscribers asynchronously
	Publish(ctx context.Context, event JobEvent) error

	// PublishSync publishes an event and waits for all handlers to complete
	PublishSync(ctx context.Context, event JobEvent) error

	// Close shuts down the event service
	Close() error
}
