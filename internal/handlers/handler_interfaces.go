package handlers

import (
	"context"
	"io"

	"github.com/ternarybob/integrator/internal/interfaces"
	"github.com/ternarybob/integrator/internal/models"
	"github.com/ternarybob/integrator/internal/orchestrator"
)

// PipelineService runs and inspects pipeline jobs.
type PipelineService interface {
	StartPipeline(ctx context.Context, req orchestrator.PipelineRequest) (*orchestrator.PipelineResult, error)
	RunMining(ctx context.Context, jobID string, cfg models.MiningConfig) (*models.MiningResult, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*models.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	ResolveArtifactPath(jobID, filename string) (string, error)
	ArchiveSource(jobID string) (string, error)
	ArchiveJob(ctx context.Context, jobID string, w io.Writer) (*orchestrator.ArchiveInfo, error)
}

// SubscriptionHub tracks the observers attached to each job.
type SubscriptionHub interface {
	Attach(jobID string, obs interfaces.Observer) int
	Detach(jobID string, obs interfaces.Observer) int
}

// WatchStarter starts the progress watcher of a job if it is not running.
type WatchStarter interface {
	Start(jobID string) bool
}
