package common

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is matched by every NotFoundError
	ErrNotFound = errors.New("not found")
	// ErrValidation is matched by every ValidationError
	ErrValidation = errors.New("validation failed")
)

// NotFoundError reports a job, artifact or record that does not exist
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ValidationError reports malformed caller input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransientNetworkError is a transport level failure reaching a stage
// processor. It is the only error class the stage client retries.
type TransientNetworkError struct {
	Stage string
	Err   error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s stage unreachable: %v", e.Stage, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError is returned once every attempt failed with a transient error
type RetryExhaustedError struct {
	Stage    string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s stage request failed after %d attempts: %v", e.Stage, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// RemoteStageError is a non-success HTTP status from a stage processor
type RemoteStageError struct {
	Stage      string
	StatusCode int
	Body       string
}

func (e *RemoteStageError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s stage returned status %d", e.Stage, e.StatusCode)
	}
	return fmt.Sprintf("%s stage returned status %d: %s", e.Stage, e.StatusCode, e.Body)
}

// InvalidResponseError is a success status whose body breaks the response contract
type InvalidResponseError struct {
	Stage   string
	Missing []string
	Reason  string
}

func (e *InvalidResponseError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("invalid %s stage response: missing required keys [%s]", e.Stage, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("invalid %s stage response: %s", e.Stage, e.Reason)
}

// MergeFailure records why auxiliary output could not be merged into a job.
// It is logged and stored on the job, never returned to a pipeline caller.
type MergeFailure struct {
	JobID string
	Err   error
}

func (e *MergeFailure) Error() string {
	return fmt.Sprintf("merge failed for job %s: %v", e.JobID, e.Err)
}

func (e *MergeFailure) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var transient *TransientNetworkError
	return errors.As(err, &transient)
}
