package interfaces

import (
	"context"

	"github.com/ternarybob/integrator/internal/models"
)

// ProgressStore reads the progress a stage processor published for a job
type ProgressStore interface {
	Read(ctx context.Context, jobID string) (*models.ProgressRecord, error)
}

// Observer receives progress events for the jobs it is attached to
type Observer interface {
	ID() string
	Send(ctx context.Context, event interface{}) error
}

// Broadcaster delivers an event to every observer of a job and returns the
// number of observers that received it
type Broadcaster interface {
	Broadcast(ctx context.Context, jobID string, event interface{}) int
}
