package models

import (
	"time"
)

// ProgressStatus is the status a stage processor reports in its progress file
type ProgressStatus string

const (
	ProgressPending   ProgressStatus = "pending"
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
	ProgressError     ProgressStatus = "error"
)

// ProgressRecord is the latest progress a stage processor published for a job.
// Progress is clamped to 0-100 when the record is read.
type ProgressRecord struct {
	JobID     string         `json:"job_id"`
	Progress  int            `json:"progress"`
	Status    ProgressStatus `json:"status"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}

// IsTerminal reports whether the processor is done with the job
func (r ProgressRecord) IsTerminal() bool {
	return r.Status == ProgressCompleted || r.Progress >= 100
}

// SameAs compares the fields observers react to
func (r ProgressRecord) SameAs(other ProgressRecord) bool {
	return r.Progress == other.Progress && r.Status == other.Status
}
