package models

// MergeOutcome summarises what the merge stage did
type MergeOutcome string

const (
	MergeCopied  MergeOutcome = "copied"  // Auxiliary output copied into the primary tree
	MergeSkipped MergeOutcome = "skipped" // Auxiliary run produced nothing to copy
	MergeFailed  MergeOutcome = "failed"  // Auxiliary run failed or the copy failed
)

// MergeResult is recorded on the job once the merge stage finishes
type MergeResult struct {
	AuxiliaryJobID string       `json:"auxiliary_job_id,omitempty"` // Empty when the auxiliary run failed
	Outcome        MergeOutcome `json:"outcome"`
	TargetDir      string       `json:"target_dir,omitempty"`
	CopiedFiles    int          `json:"copied_files"`
	SkippedFiles   []string     `json:"skipped_files,omitempty"`
	Error          string       `json:"error,omitempty"`
}
