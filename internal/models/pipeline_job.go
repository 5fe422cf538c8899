// -----------------------------------------------------------------------
// Pipeline Job - In-memory state of one multi-stage pipeline run
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// StageName identifies one stage of a pipeline job
type StageName string

const (
	StagePrimary   StageName = "primary"   // Builder run whose id becomes the job id
	StageAuxiliary StageName = "auxiliary" // Second builder run with the auxiliary writer
	StageMerge     StageName = "merge"     // Copy of auxiliary output into the primary tree
	StageMining    StageName = "mining"    // Pattern miner run against the primary artifact
)

// AllStages lists the stages in pipeline order
var AllStages = []StageName{StagePrimary, StageAuxiliary, StageMerge, StageMining}

// StageState is the lifecycle state of a single stage
type StageState string

const (
	StageNotStarted StageState = "not_started"
	StageRunning    StageState = "running"
	StageSucceeded  StageState = "succeeded"
	StageFailed     StageState = "failed"
)

// IsTerminal returns true once the stage can no longer change
func (s StageState) IsTerminal() bool {
	return s == StageSucceeded || s == StageFailed
}

// Job tracks a pipeline run. The ID is the identifier assigned by the
// primary builder run; no local identifier is ever allocated.
// Each stage entry has exactly one writer: the task that runs that stage.
type Job struct {
	ID             string                   `json:"job_id"`
	Stages         map[StageName]StageState `json:"stages"`
	StageErrors    map[StageName]string     `json:"stage_errors,omitempty"` // Last failure detail per stage
	AuxiliaryJobID string                   `json:"auxiliary_job_id,omitempty"`
	WriterType     string                   `json:"writer_type"`
	TenantID       string                   `json:"tenant_id"`
	Merge          *MergeResult             `json:"merge,omitempty"`
	Mining         *MiningResult            `json:"mining,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// NewJob creates a job record with every stage not yet started
func NewJob(id string, now time.Time) *Job {
	stages := make(map[StageName]StageState, len(AllStages))
	for _, stage := range AllStages {
		stages[stage] = StageNotStarted
	}

	return &Job{
		ID:          id,
		Stages:      stages,
		StageErrors: make(map[StageName]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Stage returns the state of a stage, not_started when never recorded
func (j *Job) Stage(name StageName) StageState {
	if state, ok := j.Stages[name]; ok && state != "" {
		return state
	}
	return StageNotStarted
}

// SetStage records a stage transition. errMsg is kept only for failures.
func (j *Job) SetStage(name StageName, state StageState, errMsg string) {
	if j.Stages == nil {
		j.Stages = make(map[StageName]StageState, len(AllStages))
	}
	if j.StageErrors == nil {
		j.StageErrors = make(map[StageName]string)
	}

	j.Stages[name] = state
	if state == StageFailed && errMsg != "" {
		j.StageErrors[name] = errMsg
	} else {
		delete(j.StageErrors, name)
	}
}

// Clone returns a copy that shares no maps or result pointers with j
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}

	clone := *j
	clone.Stages = make(map[StageName]StageState, len(j.Stages))
	for k, v := range j.Stages {
		clone.Stages[k] = v
	}
	clone.StageErrors = make(map[StageName]string, len(j.StageErrors))
	for k, v := range j.StageErrors {
		clone.StageErrors[k] = v
	}
	if j.Merge != nil {
		merge := *j.Merge
		merge.SkippedFiles = append([]string(nil), j.Merge.SkippedFiles...)
		clone.Merge = &merge
	}
	if j.Mining != nil {
		mining := *j.Mining
		clone.Mining = &mining
	}

	return &clone
}
