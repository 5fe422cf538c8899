package orchestrator

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/ternarybob/integrator/internal/common"
)

// ArchiveInfo describes a written archive
type ArchiveInfo struct {
	JobID     string `json:"job_id"`
	SourceDir string `json:"source_dir"`
	Filename  string `json:"filename"`
	Files     int    `json:"files"`
}

// ArchiveSource picks the most complete directory for a job: the local copy
// once it holds mining results, otherwise the shared tree, otherwise
// whichever exists
func (o *Orchestrator) ArchiveSource(jobID string) (string, error) {
	if err := common.ValidateJobID(jobID); err != nil {
		return "", err
	}

	localDir := filepath.Join(o.cfg.LocalOutputDir, jobID)
	sharedDir := filepath.Join(o.cfg.SharedOutputDir, jobID)

	switch {
	case isDir(filepath.Join(localDir, "results")):
		return localDir, nil
	case isDir(sharedDir):
		return sharedDir, nil
	case isDir(localDir):
		return localDir, nil
	}
	return "", &common.NotFoundError{Resource: "job output", ID: jobID}
}

// ArchiveJob writes a zip of the job's output directory to w. Entries are
// rooted at "<jobID>/".
func (o *Orchestrator) ArchiveJob(ctx context.Context, jobID string, w io.Writer) (*ArchiveInfo, error) {
	source, err := o.ArchiveSource(jobID)
	if err != nil {
		return nil, err
	}

	info := &ArchiveInfo{
		JobID:     jobID,
		SourceDir: source,
		Filename:  fmt.Sprintf("%s_results.zip", jobID),
	}

	zw := zip.NewWriter(w)
	err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if err := addToZip(zw, path, filepath.ToSlash(filepath.Join(jobID, rel))); err != nil {
			return err
		}
		info.Files++
		return nil
	})
	if err != nil {
		zw.Close()
		return nil, fmt.Errorf("failed to archive job %s: %w", jobID, err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive for job %s: %w", jobID, err)
	}

	o.logger.Debug().
		Str("job_id", jobID).
		Str("source", source).
		Int("files", info.Files).
		Msg("Job archive written")

	return info, nil
}

func addToZip(zw *zip.Writer, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(stat)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	entry, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, file)
	return err
}
