package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/integrator/internal/common"
	"github.com/ternarybob/integrator/internal/models"
)

// RunMining sends a job's graph artifact to the miner. The artifact must
// exist in the shared tree; the job need not be tracked by this process.
// Successful output is copied below the local output directory.
func (o *Orchestrator) RunMining(ctx context.Context, jobID string, cfg models.MiningConfig) (*models.MiningResult, error) {
	if err := common.ValidateJobID(jobID); err != nil {
		return nil, err
	}

	graphPath := filepath.Join(o.cfg.SharedOutputDir, jobID, o.cfg.GraphArtifact)
	if info, err := os.Stat(graphPath); err != nil || info.IsDir() {
		return nil, &common.NotFoundError{Resource: "graph artifact", ID: jobID}
	}

	params := cfg.Resolve()
	if err := o.validate.Struct(params); err != nil {
		return nil, validationError(err)
	}

	if _, err := o.ensureJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("failed to track job %s: %w", jobID, err)
	}

	logger := o.logger.WithCorrelationId(jobID)
	logger.Info().
		Str("job_id", jobID).
		Str("search_strategy", params.SearchStrategy).
		Int("n_trials", params.NTrials).
		Msg("Starting mining stage")

	// Publishing the running state starts the job's progress watcher
	o.setStage(jobID, models.StageMining, models.StageRunning, "")

	payload := &models.StagePayload{
		Files: []models.FormFile{{
			Field:       "graph_file",
			Name:        o.cfg.GraphArtifact,
			ContentType: "application/octet-stream",
			Path:        graphPath,
		}},
		Fields: params.FormFields(jobID),
	}

	response, err := o.stages.Call(ctx, o.cfg.Miner, payload, o.cfg.MaxRetries)
	if err == nil && !response.Success {
		err = &common.RemoteStageError{Stage: o.cfg.Miner.Name, StatusCode: 200, Body: string(response.Body)}
	}
	if err != nil {
		logger.Error().Err(err).Str("job_id", jobID).Msg("Mining stage failed")
		o.setStage(jobID, models.StageMining, models.StageFailed, err.Error())
		return nil, fmt.Errorf("mining stage failed: %w", err)
	}

	result := &models.MiningResult{
		JobID:       jobID,
		Status:      response.String("status"),
		ResultsPath: response.String("results_path"),
		PlotsPath:   response.String("plots_path"),
		DownloadURL: fmt.Sprintf("%s/%s", o.cfg.DownloadURLPrefix, jobID),
		CompletedAt: time.Now(),
	}

	localDir, err := o.copyMiningOutput(ctx, jobID, result)
	if err != nil {
		// The shared tree still holds the output; archive falls back to it
		logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to copy mining output locally")
	} else {
		result.LocalDir = localDir
	}

	o.setStage(jobID, models.StageMining, models.StageSucceeded, "", func(job *models.Job) {
		job.Mining = result
	})

	logger.Info().
		Str("job_id", jobID).
		Str("results_path", result.ResultsPath).
		Str("local_dir", result.LocalDir).
		Msg("Mining stage succeeded")

	return result, nil
}

// copyMiningOutput mirrors the shared job tree into <local>/<jobID> and
// places the miner's results and plots under results/ and plots/
func (o *Orchestrator) copyMiningOutput(ctx context.Context, jobID string, result *models.MiningResult) (string, error) {
	localDir := filepath.Join(o.cfg.LocalOutputDir, jobID)
	sharedDir := filepath.Join(o.cfg.SharedOutputDir, jobID)

	if _, _, err := copyTree(ctx, sharedDir, localDir, nil); err != nil {
		return "", err
	}

	outputs := []struct {
		reported string
		subdir   string
	}{
		{result.ResultsPath, "results"},
		{result.PlotsPath, "plots"},
	}

	for _, output := range outputs {
		if output.reported == "" {
			continue
		}
		source, ok := o.resolveStagePath(jobID, output.reported)
		if !ok {
			return "", &common.NotFoundError{Resource: "mining output", ID: output.reported}
		}
		target := filepath.Join(localDir, output.subdir)
		if filepath.Clean(source) == filepath.Clean(filepath.Join(sharedDir, output.subdir)) {
			// Already mirrored with the job tree
			continue
		}
		if _, _, err := copyTree(ctx, source, target, nil); err != nil {
			return "", err
		}
	}

	return localDir, nil
}

// resolveStagePath maps a directory reported by a stage processor to a
// path visible to this service. Processors report paths on their own mount
// of the shared volume, which may differ from ours. Only directories inside
// the shared tree are accepted.
func (o *Orchestrator) resolveStagePath(jobID, reported string) (string, bool) {
	candidates := []string{}
	if filepath.IsAbs(reported) {
		candidates = append(candidates, reported)
	} else {
		candidates = append(candidates,
			filepath.Join(o.cfg.SharedOutputDir, jobID, reported),
			filepath.Join(o.cfg.SharedOutputDir, reported),
		)
	}
	candidates = append(candidates, filepath.Join(o.cfg.SharedOutputDir, jobID, filepath.Base(reported)))

	for _, candidate := range candidates {
		if isWithin(o.cfg.SharedOutputDir, candidate) && isDir(candidate) {
			return candidate, true
		}
	}
	return "", false
}
