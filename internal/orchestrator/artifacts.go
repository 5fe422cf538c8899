package orchestrator

import (
	"path/filepath"
	"strings"

	"github.com/ternarybob/integrator/internal/common"
)

// ResolveArtifactPath locates a file produced for a job, preferring the local
// derived copy over the shared tree. Names that are absolute, contain ".."
// segments or would leave the job directory are rejected.
func (o *Orchestrator) ResolveArtifactPath(jobID, filename string) (string, error) {
	if err := common.ValidateJobID(jobID); err != nil {
		return "", err
	}

	rel, err := sanitizeRelativePath(filename)
	if err != nil {
		return "", err
	}

	for _, root := range []string{o.cfg.LocalOutputDir, o.cfg.SharedOutputDir} {
		jobDir := filepath.Join(root, jobID)
		candidate := filepath.Join(jobDir, rel)
		if !isWithin(jobDir, candidate) {
			return "", &common.ValidationError{Field: "filename", Message: "escapes the job directory"}
		}

		if !isRegularFile(candidate) {
			continue
		}

		// A symlink inside the tree must not lead out of it
		resolved, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			continue
		}
		resolvedDir, err := filepath.EvalSymlinks(jobDir)
		if err != nil || !isWithin(resolvedDir, resolved) {
			return "", &common.ValidationError{Field: "filename", Message: "escapes the job directory"}
		}

		return candidate, nil
	}

	return "", &common.NotFoundError{Resource: "artifact", ID: jobID + "/" + filepath.ToSlash(rel)}
}

// sanitizeRelativePath accepts slash or backslash separated relative names
func sanitizeRelativePath(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", &common.ValidationError{Field: "filename", Message: "is required"}
	}
	if strings.ContainsRune(name, 0) {
		return "", &common.ValidationError{Field: "filename", Message: "contains a NUL byte"}
	}

	normalized := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(normalized, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", &common.ValidationError{Field: "filename", Message: "must be a relative path"}
	}

	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return "", &common.ValidationError{Field: "filename", Message: "must not contain '..' segments"}
		}
	}

	clean := filepath.Clean(filepath.FromSlash(normalized))
	if clean == "." {
		return "", &common.ValidationError{Field: "filename", Message: "does not name a file"}
	}
	return clean, nil
}
