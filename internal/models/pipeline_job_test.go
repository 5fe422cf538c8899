package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewJob_AllStagesNotStarted(t *testing.T) {
	job := NewJob("J1", time.Now())

	for _, stage := range AllStages {
		assert.Equal(t, StageNotStarted, job.Stage(stage))
	}
}

func TestJob_SetStageKeepsFailureDetail(t *testing.T) {
	job := NewJob("J1", time.Now())

	job.SetStage(StageAuxiliary, StageFailed, "connection refused")
	assert.Equal(t, StageFailed, job.Stage(StageAuxiliary))
	assert.Equal(t, "connection refused", job.StageErrors[StageAuxiliary])
	assert.True(t, job.Stage(StageAuxiliary).IsTerminal())

	job.SetStage(StageAuxiliary, StageRunning, "")
	_, ok := job.StageErrors[StageAuxiliary]
	assert.False(t, ok)
}

func TestJob_CloneIsIndependent(t *testing.T) {
	job := NewJob("J1", time.Now())
	job.Merge = &MergeResult{Outcome: MergeCopied, SkippedFiles: []string{"progress.json"}}

	clone := job.Clone()
	clone.SetStage(StagePrimary, StageSucceeded, "")
	clone.Merge.SkippedFiles[0] = "other.json"

	assert.Equal(t, StageNotStarted, job.Stage(StagePrimary))
	assert.Equal(t, "progress.json", job.Merge.SkippedFiles[0])
}

func TestProgressRecord_Terminal(t *testing.T) {
	assert.False(t, ProgressRecord{Progress: 55, Status: ProgressRunning}.IsTerminal())
	assert.True(t, ProgressRecord{Progress: 100, Status: ProgressRunning}.IsTerminal())
	assert.True(t, ProgressRecord{Progress: 40, Status: ProgressCompleted}.IsTerminal())

	a := ProgressRecord{Progress: 10, Status: ProgressRunning, Message: "a"}
	b := ProgressRecord{Progress: 10, Status: ProgressRunning, Message: "b"}
	assert.True(t, a.SameAs(b))
	b.Status = ProgressError
	assert.False(t, a.SameAs(b))
}
