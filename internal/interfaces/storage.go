package interfaces

import (
	"context"

	"github.com/ternarybob/integrator/internal/models"
)

// JobStorage holds pipeline job records for the lifetime of the process
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	// UpdateJob applies mutate to the stored record atomically and returns the result
	UpdateJob(ctx context.Context, jobID string, mutate func(job *models.Job)) (*models.Job, error)
	// ListJobs returns jobs newest first; limit <= 0 returns all
	ListJobs(ctx context.Context, limit int) ([]*models.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	Close() error
}
