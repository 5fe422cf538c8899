package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/integrator/internal/common"
	"github.com/ternarybob/integrator/internal/interfaces"
	"github.com/ternarybob/integrator/internal/models"
	"github.com/ternarybob/integrator/internal/orchestrator"
)

const (
	// Multipart parts above this size are spooled to disk by net/http
	uploadMemoryLimit = 32 << 20
	defaultJobsLimit  = 50
	maxJobsLimit      = 500
)

// PipelineHandler serves the pipeline API
type PipelineHandler struct {
	pipeline    PipelineService
	progress    interfaces.ProgressStore
	scratchRoot string
	logger      arbor.ILogger
}

// NewPipelineHandler creates a pipeline handler. Uploads are staged in
// per-request directories below scratchRoot (the system temp dir when empty).
func NewPipelineHandler(pipeline PipelineService, progress interfaces.ProgressStore, scratchRoot string, logger arbor.ILogger) *PipelineHandler {
	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}
	return &PipelineHandler{
		pipeline:    pipeline,
		progress:    progress,
		scratchRoot: scratchRoot,
		logger:      logger,
	}
}

// ExecuteHandler runs the pipeline for uploaded CSV files
// POST /api/pipeline/execute
func (h *PipelineHandler) ExecuteHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(uploadMemoryLimit); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	uploads := r.MultipartForm.File["files"]
	if len(uploads) == 0 {
		WriteError(w, http.StatusBadRequest, "at least one CSV file is required")
		return
	}

	scratchDir := filepath.Join(h.scratchRoot, common.NewScratchID())
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		WriteServiceError(w, h.logger, err, "Failed to create upload directory")
		return
	}

	files, err := h.stageUploads(scratchDir, uploads)
	if err != nil {
		os.RemoveAll(scratchDir)
		WriteServiceError(w, h.logger, err, "Rejected pipeline upload")
		return
	}

	req := orchestrator.PipelineRequest{
		Files:      files,
		Config:     r.FormValue("config"),
		SchemaJSON: r.FormValue("schema_json"),
		WriterType: r.FormValue("writer_type"),
		TenantID:   r.FormValue("tenant_id"),
		ScratchDir: scratchDir,
	}

	// From here the orchestrator owns the scratch directory
	result, err := h.pipeline.StartPipeline(r.Context(), req)
	if err != nil {
		WriteServiceError(w, h.logger, err, "Pipeline execution failed")
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// stageUploads copies the uploaded files into dir and returns their paths.
// Only .csv files with textual content are accepted.
func (h *PipelineHandler) stageUploads(dir string, uploads []*multipart.FileHeader) ([]string, error) {
	paths := make([]string, 0, len(uploads))
	seen := make(map[string]bool, len(uploads))

	for _, header := range uploads {
		name := filepath.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
		if name == "." || name == "/" || name == ".." {
			return nil, &common.ValidationError{Field: "files", Message: fmt.Sprintf("invalid file name %q", header.Filename)}
		}
		if !strings.EqualFold(filepath.Ext(name), ".csv") {
			return nil, &common.ValidationError{Field: "files", Message: fmt.Sprintf("%s is not a CSV file", name)}
		}
		if seen[name] {
			return nil, &common.ValidationError{Field: "files", Message: fmt.Sprintf("duplicate file name %s", name)}
		}
		seen[name] = true

		path := filepath.Join(dir, name)
		if err := saveUpload(header, path); err != nil {
			return nil, fmt.Errorf("failed to store upload %s: %w", name, err)
		}

		detected, err := mimetype.DetectFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect upload %s: %w", name, err)
		}
		if !isTextual(detected) {
			return nil, &common.ValidationError{Field: "files", Message: fmt.Sprintf("%s is not a text file (detected %s)", name, detected.String())}
		}

		paths = append(paths, path)
	}

	return paths, nil
}

func saveUpload(header *multipart.FileHeader, path string) error {
	src, err := header.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// isTextual reports whether the detected type is text/plain or one of its descendants
func isTextual(detected *mimetype.MIME) bool {
	for m := detected; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// MineHandler runs the pattern miner against a job's graph artifact
// POST /api/pipeline/mine/{job_id}
func (h *PipelineHandler) MineHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	var cfg models.MiningConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid mining config: %v", err))
		return
	}

	result, err := h.pipeline.RunMining(r.Context(), jobID, cfg)
	if err != nil {
		WriteServiceError(w, h.logger, err, "Mining failed")
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// ListJobsHandler returns the most recent jobs
// GET /api/pipeline/jobs?limit=50
func (h *PipelineHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	limit := GetLimitParam(r, defaultJobsLimit, maxJobsLimit)

	jobs, err := h.pipeline.ListJobs(r.Context(), limit)
	if err != nil {
		WriteServiceError(w, h.logger, err, "Failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
		"limit": limit,
	})
}

// GetJobHandler returns a single job
// GET /api/pipeline/jobs/{job_id}
func (h *PipelineHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := h.pipeline.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		WriteServiceError(w, h.logger, err, "Failed to get job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// DeleteJobHandler evicts a job and its local derived output
// DELETE /api/pipeline/jobs/{job_id}
func (h *PipelineHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	if err := h.pipeline.DeleteJob(r.Context(), jobID); err != nil {
		WriteServiceError(w, h.logger, err, "Failed to delete job")
		return
	}

	WriteSuccess(w, fmt.Sprintf("Job %s deleted", jobID))
}

// ProgressHandler returns the latest progress record of a job
// GET /api/pipeline/progress/{job_id}
func (h *PipelineHandler) ProgressHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := common.ValidateJobID(jobID); err != nil {
		WriteServiceError(w, h.logger, err, "Invalid job id")
		return
	}

	record, err := h.progress.Read(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, h.logger, err, "Failed to read progress")
		return
	}

	WriteJSON(w, http.StatusOK, record)
}

// ResultFileHandler serves a single artifact of a job
// GET /api/pipeline/results/{job_id}/*
func (h *PipelineHandler) ResultFileHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	path, err := h.pipeline.ResolveArtifactPath(jobID, chi.URLParam(r, "*"))
	if err != nil {
		WriteServiceError(w, h.logger, err, "Failed to resolve artifact")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		WriteServiceError(w, h.logger, err, "Failed to open artifact")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		WriteServiceError(w, h.logger, err, "Failed to open artifact")
		return
	}

	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

// DownloadHandler streams a zip archive of a job's output
// GET /api/pipeline/download/{job_id}
func (h *PipelineHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	// Resolve first so a missing job is still reported as JSON
	if _, err := h.pipeline.ArchiveSource(jobID); err != nil {
		WriteServiceError(w, h.logger, err, "Failed to locate job output")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_results.zip"`, jobID))

	info, err := h.pipeline.ArchiveJob(r.Context(), jobID, w)
	if err != nil {
		// Headers are already sent; the truncated archive is all we can do
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Archive stream failed")
		return
	}

	h.logger.Info().
		Str("job_id", jobID).
		Int("files", info.Files).
		Msg("Job archive downloaded")
}
