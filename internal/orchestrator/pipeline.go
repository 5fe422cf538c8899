package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ternarybob/integrator/internal/common"
	"github.com/ternarybob/integrator/internal/models"
)

// PipelineRequest is a validated batch of uploaded CSV files plus the
// builder settings that accompany them
type PipelineRequest struct {
	Files      []string `validate:"required,min=1,dive,required"` // Paths of the uploaded CSV files
	Config     string   `validate:"required"`
	SchemaJSON string   `validate:"required"`
	WriterType string
	TenantID   string

	// ScratchDir holds the uploaded files. It is removed exactly once, after
	// the auxiliary run no longer needs the files, or immediately when the
	// primary run fails.
	ScratchDir string
}

// PipelineResult is returned as soon as the primary stage succeeds
type PipelineResult struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

type auxiliaryOutcome struct {
	jobID string
	err   error
}

var errAuxiliaryAborted = errors.New("auxiliary run aborted")

// StartPipeline runs the primary builder stage synchronously and adopts the
// identifier it returns. The auxiliary and merge stages are started in the
// background and never delay or fail the result.
func (o *Orchestrator) StartPipeline(ctx context.Context, req PipelineRequest) (*PipelineResult, error) {
	cleanup := newScratchCleanup(req.ScratchDir, o.logger)

	if req.WriterType == "" {
		req.WriterType = o.cfg.PrimaryWriterType
	}
	if req.TenantID == "" {
		req.TenantID = "default"
	}

	if err := o.validate.Struct(req); err != nil {
		cleanup.Run()
		return nil, validationError(err)
	}

	o.logger.Info().
		Int("files", len(req.Files)).
		Str("writer_type", req.WriterType).
		Str("tenant_id", req.TenantID).
		Msg("Starting pipeline primary stage")

	response, err := o.stages.Call(ctx, o.cfg.Builder, builderPayload(req, req.WriterType), o.cfg.MaxRetries)
	if err != nil {
		cleanup.Run()
		o.logger.Error().Err(err).Msg("Pipeline primary stage failed")
		return nil, fmt.Errorf("primary stage failed: %w", err)
	}

	if err := common.ValidateJobID(response.JobID); err != nil {
		cleanup.Run()
		return nil, &common.InvalidResponseError{Stage: o.cfg.Builder.Name, Reason: fmt.Sprintf("unusable job_id %q", response.JobID)}
	}

	jobID := response.JobID
	job := models.NewJob(jobID, time.Now())
	job.WriterType = req.WriterType
	job.TenantID = req.TenantID

	if !response.Success {
		// The builder assigned an id but reported failure: keep the record so
		// the failure is visible, but run nothing else
		job.SetStage(models.StagePrimary, models.StageFailed, string(response.Body))
		if err := o.jobs.SaveJob(ctx, job); err != nil {
			o.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to record failed primary stage")
		}
		cleanup.Run()
		return nil, &common.RemoteStageError{Stage: o.cfg.Builder.Name, StatusCode: 200, Body: string(response.Body)}
	}

	job.SetStage(models.StagePrimary, models.StageSucceeded, "")
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		cleanup.Run()
		return nil, fmt.Errorf("failed to record job %s: %w", jobID, err)
	}

	o.logger.WithCorrelationId(jobID).Info().
		Str("job_id", jobID).
		Msg("Primary stage succeeded, starting auxiliary and merge stages")

	if !o.startBackgroundStages(jobID, req, cleanup) {
		// Shutting down: the primary result stands, the rest never runs
		cleanup.Run()
		reason := fmt.Errorf("not started: %w", o.ctx.Err())
		o.setStage(jobID, models.StageAuxiliary, models.StageFailed, reason.Error())
		o.failMerge(jobID, "", &common.MergeFailure{JobID: jobID, Err: reason})
	}

	return &PipelineResult{Status: "success", JobID: jobID}, nil
}

// startBackgroundStages launches the auxiliary run and the merge that waits
// for it. It returns false once Shutdown has begun.
func (o *Orchestrator) startBackgroundStages(jobID string, req PipelineRequest, cleanup *scratchCleanup) bool {
	o.mu.Lock()
	if o.ctx.Err() != nil {
		o.mu.Unlock()
		return false
	}
	o.wg.Add(2)
	o.mu.Unlock()

	auxDone := make(chan auxiliaryOutcome, 1)
	common.SafeGo(o.logger, "auxiliary-"+jobID, func() {
		defer o.wg.Done()
		outcome := auxiliaryOutcome{err: errAuxiliaryAborted}
		// Deliver even when the run panics so the merge never waits forever
		defer func() { auxDone <- outcome }()
		outcome = o.runAuxiliary(jobID, req)
	})

	common.SafeGo(o.logger, "merge-"+jobID, func() {
		defer o.wg.Done()
		o.runMerge(jobID, auxDone, cleanup)
	})

	return true
}

func (o *Orchestrator) runAuxiliary(jobID string, req PipelineRequest) auxiliaryOutcome {
	logger := o.logger.WithCorrelationId(jobID)
	o.setStage(jobID, models.StageAuxiliary, models.StageRunning, "")

	response, err := o.stages.Call(o.ctx, o.cfg.Auxiliary, builderPayload(req, o.cfg.AuxiliaryWriterType), o.cfg.MaxRetries)
	if err == nil && !response.Success {
		err = &common.RemoteStageError{Stage: o.cfg.Auxiliary.Name, StatusCode: 200, Body: string(response.Body)}
	}
	if err == nil {
		err = common.ValidateJobID(response.JobID)
	}
	if err != nil {
		logger.Warn().Err(err).Str("job_id", jobID).Msg("Auxiliary stage failed")
		o.setStage(jobID, models.StageAuxiliary, models.StageFailed, err.Error())
		return auxiliaryOutcome{err: err}
	}

	auxJobID := response.JobID
	o.setStage(jobID, models.StageAuxiliary, models.StageSucceeded, "", func(job *models.Job) {
		job.AuxiliaryJobID = auxJobID
	})

	logger.Info().
		Str("job_id", jobID).
		Str("auxiliary_job_id", auxJobID).
		Msg("Auxiliary stage succeeded")

	return auxiliaryOutcome{jobID: auxJobID}
}

func (o *Orchestrator) runMerge(jobID string, auxDone <-chan auxiliaryOutcome, cleanup *scratchCleanup) {
	defer cleanup.Run()

	logger := o.logger.WithCorrelationId(jobID)
	o.setStage(jobID, models.StageMerge, models.StageRunning, "")

	var outcome auxiliaryOutcome
	select {
	case outcome = <-auxDone:
	case <-o.ctx.Done():
		outcome = auxiliaryOutcome{err: o.ctx.Err()}
	}

	if outcome.err != nil {
		failure := &common.MergeFailure{JobID: jobID, Err: fmt.Errorf("auxiliary stage unavailable: %w", outcome.err)}
		o.failMerge(jobID, "", failure)
		return
	}

	target := filepath.Join(o.cfg.SharedOutputDir, jobID, o.cfg.AuxiliarySubdir)
	source := filepath.Join(o.cfg.SharedOutputDir, outcome.jobID)

	copied, skipped, err := copyTree(o.ctx, source, target, o.cfg.MergeSkipNames)
	if err != nil {
		o.failMerge(jobID, outcome.jobID, &common.MergeFailure{JobID: jobID, Err: err})
		return
	}

	result := &models.MergeResult{
		AuxiliaryJobID: outcome.jobID,
		Outcome:        models.MergeCopied,
		TargetDir:      target,
		CopiedFiles:    copied,
		SkippedFiles:   skipped,
	}
	if copied == 0 {
		result.Outcome = models.MergeSkipped
	}

	o.setStage(jobID, models.StageMerge, models.StageSucceeded, "", func(job *models.Job) {
		job.Merge = result
	})

	logger.Info().
		Str("job_id", jobID).
		Str("auxiliary_job_id", outcome.jobID).
		Int("copied_files", copied).
		Int("skipped_files", len(skipped)).
		Msg("Auxiliary output merged")
}

// failMerge records a merge failure. It is logged and stored, never raised:
// the primary output stays usable without the auxiliary data.
func (o *Orchestrator) failMerge(jobID, auxJobID string, failure *common.MergeFailure) {
	o.logger.WithCorrelationId(jobID).Warn().
		Err(failure).
		Str("job_id", jobID).
		Msg("Merge stage failed")

	o.setStage(jobID, models.StageMerge, models.StageFailed, failure.Error(), func(job *models.Job) {
		job.Merge = &models.MergeResult{
			AuxiliaryJobID: auxJobID,
			Outcome:        models.MergeFailed,
			Error:          failure.Error(),
		}
	})
}

// builderPayload renders a pipeline request as a builder upload
func builderPayload(req PipelineRequest, writerType string) *models.StagePayload {
	files := make([]models.FormFile, 0, len(req.Files))
	for _, path := range req.Files {
		files = append(files, models.FormFile{
			Field:       "files",
			Name:        filepath.Base(path),
			ContentType: "text/csv",
			Path:        path,
		})
	}

	return &models.StagePayload{
		Files: files,
		Fields: map[string]string{
			"config":      req.Config,
			"schema_json": req.SchemaJSON,
			"writer_type": writerType,
			"tenant_id":   req.TenantID,
		},
	}
}
