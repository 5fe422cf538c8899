package orchestrator

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/integrator/internal/common"
)

// copyTree copies every regular file below src into dst, preserving the
// relative layout. Files whose base name is in skipNames are not copied and
// are reported by relative path.
func copyTree(ctx context.Context, src, dst string, skipNames []string) (int, []string, error) {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, &common.NotFoundError{Resource: "output directory", ID: src}
		}
		return 0, nil, err
	}
	if !info.IsDir() {
		return 0, nil, fmt.Errorf("%s is not a directory", src)
	}
	if isWithin(src, dst) {
		return 0, nil, fmt.Errorf("cannot copy %s into itself", src)
	}

	skip := make(map[string]struct{}, len(skipNames))
	for _, name := range skipNames {
		skip[name] = struct{}{}
	}

	copied := 0
	var skipped []string

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		if d.IsDir() {
			if rel == "." {
				return os.MkdirAll(dst, 0755)
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, ok := skip[d.Name()]; ok {
			skipped = append(skipped, filepath.ToSlash(rel))
			return nil
		}

		if err := copyFile(path, filepath.Join(dst, rel)); err != nil {
			return err
		}
		copied++
		return nil
	})
	if err != nil {
		return copied, skipped, fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}

	return copied, skipped, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// isWithin reports whether path is root or lies below it
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
