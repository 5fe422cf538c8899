// -----------------------------------------------------------------------
// Job Orchestrator - Sequences the stage processors of a pipeline job
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/integrator/internal/common"
	"github.com/ternarybob/integrator/internal/interfaces"
	"github.com/ternarybob/integrator/internal/models"
	"github.com/ternarybob/integrator/internal/services/events"
	"github.com/ternarybob/integrator/internal/stages"
)

// Config holds the stage endpoints and output locations the orchestrator uses
type Config struct {
	Builder             models.StageEndpoint
	Auxiliary           models.StageEndpoint
	Miner               models.StageEndpoint
	PrimaryWriterType   string
	AuxiliaryWriterType string
	MaxRetries          int

	SharedOutputDir string // Written by the stage processors, never deleted from
	LocalOutputDir  string // Derived copies owned by this service
	GraphArtifact   string // Builder artifact the miner consumes

	AuxiliarySubdir string   // Merge destination inside the primary job tree
	MergeSkipNames  []string // Auxiliary files that would collide with primary metadata

	DownloadURLPrefix string
}

// NewConfig derives orchestrator settings from application configuration
func NewConfig(cfg *common.Config) Config {
	return Config{
		Builder: models.StageEndpoint{
			Name:         "builder",
			URL:          joinURL(cfg.Stages.Builder.URL, cfg.Stages.Builder.Path),
			RequiredKeys: stages.BuilderRequiredKeys,
			Timeout:      common.ParseDuration(cfg.Stages.Builder.Timeout, 600*time.Second),
		},
		Auxiliary: models.StageEndpoint{
			Name:         "auxiliary",
			URL:          joinURL(cfg.Stages.Auxiliary.URL, cfg.Stages.Auxiliary.Path),
			RequiredKeys: stages.BuilderRequiredKeys,
			Timeout:      common.ParseDuration(cfg.Stages.Auxiliary.Timeout, 600*time.Second),
		},
		Miner: models.StageEndpoint{
			Name:         "miner",
			URL:          joinURL(cfg.Stages.Miner.URL, cfg.Stages.Miner.Path),
			RequiredKeys: stages.MinerRequiredKeys,
			Timeout:      common.ParseDuration(cfg.Stages.Miner.Timeout, 1800*time.Second),
		},
		PrimaryWriterType:   cfg.Stages.Builder.WriterType,
		AuxiliaryWriterType: cfg.Stages.Auxiliary.WriterType,
		MaxRetries:          cfg.Stages.MaxRetries,
		SharedOutputDir:     cfg.Storage.SharedOutputDir,
		LocalOutputDir:      cfg.Storage.LocalOutputDir,
		GraphArtifact:       cfg.Storage.GraphArtifact,
		AuxiliarySubdir:     cfg.Merge.Subdir,
		MergeSkipNames:      cfg.Merge.SkipNames,
		DownloadURLPrefix:   "/api/pipeline/download",
	}
}

func (c *Config) applyDefaults() {
	if c.PrimaryWriterType == "" {
		c.PrimaryWriterType = "networkx"
	}
	if c.AuxiliaryWriterType == "" {
		c.AuxiliaryWriterType = "neo4j"
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 3
	}
	if c.GraphArtifact == "" {
		c.GraphArtifact = "networkx_graph.pkl"
	}
	if c.AuxiliarySubdir == "" {
		c.AuxiliarySubdir = c.AuxiliaryWriterType
	}
	if c.DownloadURLPrefix == "" {
		c.DownloadURLPrefix = "/api/pipeline/download"
	}
}

// Orchestrator owns the pipeline job lifecycle. Background stage tasks run
// on the orchestrator's own context, so they outlive the request that
// started them and end on Shutdown.
type Orchestrator struct {
	cfg      Config
	stages   interfaces.StageClient
	jobs     interfaces.JobStorage
	events   interfaces.EventService
	validate *validator.Validate
	logger   arbor.ILogger

	// mu orders wg.Add against Shutdown
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. events may be nil.
func New(cfg Config, stageClient interfaces.StageClient, jobs interfaces.JobStorage, eventService interfaces.EventService, logger arbor.ILogger) *Orchestrator {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		cfg:      cfg,
		stages:   stageClient,
		jobs:     jobs,
		events:   eventService,
		validate: newValidator(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// GetJob returns the tracked record for jobID
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	if err := common.ValidateJobID(jobID); err != nil {
		return nil, err
	}
	return o.jobs.GetJob(ctx, jobID)
}

// ListJobs returns tracked jobs newest first
func (o *Orchestrator) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	return o.jobs.ListJobs(ctx, limit)
}

// DeleteJob evicts a job record and its local derived copy. The shared
// output tree is left untouched.
func (o *Orchestrator) DeleteJob(ctx context.Context, jobID string) error {
	if err := common.ValidateJobID(jobID); err != nil {
		return err
	}
	if err := o.jobs.DeleteJob(ctx, jobID); err != nil {
		return err
	}

	localDir := filepath.Join(o.cfg.LocalOutputDir, jobID)
	if err := os.RemoveAll(localDir); err != nil {
		o.logger.Warn().Err(err).Str("job_id", jobID).Str("path", localDir).Msg("Failed to remove local job output")
	}

	// Subscribers, the watcher registry among them, finish before DeleteJob returns
	if o.events != nil {
		if err := o.events.PublishSync(ctx, events.NewJobDeleted(jobID)); err != nil {
			o.logger.Warn().Err(err).Str("job_id", jobID).Msg("Job deletion subscribers failed")
		}
	}
	o.logger.Info().Str("job_id", jobID).Msg("Job deleted")
	return nil
}

// Shutdown cancels background stage tasks and waits for them, bounded by ctx
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// setStage records a transition on the job and publishes it. Failures to
// record are logged; a stage outcome is never lost to a bookkeeping error.
func (o *Orchestrator) setStage(jobID string, stage models.StageName, state models.StageState, errMsg string, mutate ...func(job *models.Job)) {
	_, err := o.jobs.UpdateJob(o.ctx, jobID, func(job *models.Job) {
		job.SetStage(stage, state, errMsg)
		for _, m := range mutate {
			m(job)
		}
	})
	if err != nil {
		o.logger.Warn().
			Err(err).
			Str("job_id", jobID).
			Str("stage", string(stage)).
			Str("state", string(state)).
			Msg("Failed to record stage transition")
	}

	o.publish(events.NewStageChanged(jobID, stage, state, errMsg))
}

func (o *Orchestrator) publish(event interfaces.Event) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(o.ctx, event); err != nil {
		o.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Failed to publish event")
	}
}

// ensureJob returns the record for jobID, creating one for jobs produced
// before this process started
func (o *Orchestrator) ensureJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := o.jobs.GetJob(ctx, jobID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	job = models.NewJob(jobID, time.Now())
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	o.logger.Debug().Str("job_id", jobID).Msg("Created record for untracked job")
	return job, nil
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
