package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewObserverID generates a unique observer ID with the "obs_" prefix
func NewObserverID() string {
	return "obs_" + uuid.New().String()
}

// NewScratchID generates the name of a per-request upload directory
func NewScratchID() string {
	return "upload_" + uuid.New().String()
}

// ValidateJobID rejects identifiers that could address anything other than a
// direct child of an output root. Job ids come from the builder and from
// request paths, and both end up in filesystem paths.
func ValidateJobID(jobID string) error {
	switch {
	case jobID == "":
		return &ValidationError{Field: "job_id", Message: "is required"}
	case jobID == "." || jobID == "..":
		return &ValidationError{Field: "job_id", Message: "is not a valid identifier"}
	case strings.ContainsAny(jobID, "/\\\x00"):
		return &ValidationError{Field: "job_id", Message: "must not contain path separators"}
	}
	return nil
}
