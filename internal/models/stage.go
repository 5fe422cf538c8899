// -----------------------------------------------------------------------
// Stage processor request/response shapes
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"time"
)

// StageEndpoint describes one call target of a stage processor
type StageEndpoint struct {
	Name         string        // Stage name used in logs and errors
	URL          string        // Full request URL
	RequiredKeys []string      // Keys a success response must contain
	Timeout      time.Duration // Per-attempt timeout, 0 for none
}

// FormFile is one file part of a multipart request. Path is read on every
// attempt; Data is used when Path is empty.
type FormFile struct {
	Field       string
	Name        string
	ContentType string
	Path        string
	Data        []byte
}

// StagePayload is the multipart body sent to a stage processor
type StagePayload struct {
	Files  []FormFile
	Fields map[string]string
}

// StageResponse is a decoded success response from a stage processor
type StageResponse struct {
	Stage   string                 `json:"stage"`
	JobID   string                 `json:"job_id,omitempty"` // Processor-assigned identifier, when present
	Status  string                 `json:"status,omitempty"`
	Success bool                   `json:"success"`
	Fields  map[string]interface{} `json:"fields"`
	Body    json.RawMessage        `json:"-"`
}

// String returns a string field of the response, "" when absent or not a string
func (r *StageResponse) String(key string) string {
	if r == nil || r.Fields == nil {
		return ""
	}
	if value, ok := r.Fields[key].(string); ok {
		return value
	}
	return ""
}
