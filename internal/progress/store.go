package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/ternarybob/integrator/internal/common"
	"github.com/ternarybob/integrator/internal/interfaces"
	"github.com/ternarybob/integrator/internal/models"
)

// Filename is the progress file a stage processor writes into its job directory
const Filename = "progress.json"

// ErrMalformedRecord is returned for a progress file that exists but cannot be
// decoded, typically because the processor is mid-write
var ErrMalformedRecord = errors.New("malformed progress record")

// FileStore reads progress records from <root>/<jobID>/progress.json
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at the shared output directory
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

var _ interfaces.ProgressStore = (*FileStore)(nil)

// Path returns the progress file location for a job
func (s *FileStore) Path(jobID string) string {
	return filepath.Join(s.root, jobID, Filename)
}

// Read returns the current record. An absent file is a NotFoundError; an
// unreadable document is ErrMalformedRecord.
func (s *FileStore) Read(ctx context.Context, jobID string) (*models.ProgressRecord, error) {
	if err := common.ValidateJobID(jobID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.Path(jobID)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &common.NotFoundError{Resource: "progress record", ID: jobID}
		}
		return nil, fmt.Errorf("failed to stat progress file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &common.NotFoundError{Resource: "progress record", ID: jobID}
		}
		return nil, fmt.Errorf("failed to read progress file: %w", err)
	}

	return parseRecord(jobID, data, info.ModTime())
}

// parseRecord tolerates the loose typing of processor-written files: numbers
// may arrive as floats or strings
func parseRecord(jobID string, data []byte, modTime time.Time) (*models.ProgressRecord, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedRecord)
	}

	progress := 0
	if value, ok := raw["progress"]; ok && value != nil {
		f, err := cast.ToFloat64E(value)
		if err != nil {
			return nil, fmt.Errorf("%w: progress: %v", ErrMalformedRecord, err)
		}
		progress = int(f)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	status := models.ProgressStatus(strings.ToLower(cast.ToString(raw["status"])))
	if status == "" {
		status = models.ProgressPending
		if progress > 0 {
			status = models.ProgressRunning
		}
	}

	timestamp := modTime
	if value := cast.ToString(raw["timestamp"]); value != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
			timestamp = parsed
		}
	}

	return &models.ProgressRecord{
		JobID:     jobID,
		Progress:  progress,
		Status:    status,
		Message:   cast.ToString(raw["message"]),
		Timestamp: timestamp,
	}, nil
}
