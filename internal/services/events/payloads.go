package events

import (
	"github.com/ternarybob/integrator/internal/interfaces"
	"github.com/ternarybob/integrator/internal/models"
)

// NewStageChanged builds a stage_changed event
func NewStageChanged(jobID string, stage models.StageName, state models.StageState, errMsg string) interfaces.Event {
	payload := map[string]interface{}{
		"job_id": jobID,
		"stage":  string(stage),
		"state":  string(state),
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	return interfaces.Event{Type: interfaces.EventStageChanged, Payload: payload}
}

// NewJobDeleted builds a job_deleted event
func NewJobDeleted(jobID string) interfaces.Event {
	return interfaces.Event{
		Type:    interfaces.EventJobDeleted,
		Payload: map[string]interface{}{"job_id": jobID},
	}
}

// StageChange is the decoded payload of a stage_changed event
type StageChange struct {
	JobID string
	Stage models.StageName
	State models.StageState
	Error string
}

// ParseStageChanged decodes a stage_changed payload
func ParseStageChanged(event interfaces.Event) (StageChange, bool) {
	payload, ok := event.Payload.(map[string]interface{})
	if !ok || event.Type != interfaces.EventStageChanged {
		return StageChange{}, false
	}

	change := StageChange{}
	change.JobID, _ = payload["job_id"].(string)
	stage, _ := payload["stage"].(string)
	state, _ := payload["state"].(string)
	change.Stage = models.StageName(stage)
	change.State = models.StageState(state)
	change.Error, _ = payload["error"].(string)

	return change, change.JobID != ""
}

// JobIDOf returns the job_id field of any event payload
func JobIDOf(event interfaces.Event) string {
	if payload, ok := event.Payload.(map[string]interface{}); ok {
		if jobID, ok := payload["job_id"].(string); ok {
			return jobID
		}
	}
	return ""
}
