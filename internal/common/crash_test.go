package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCrashFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "crashes")
	previous := crashDir
	t.Cleanup(func() { crashDir = previous })
	InstallCrashHandler(dir)

	assert.DirExists(t, dir)

	path := WriteCrashFile("merge exploded", "goroutine 1 [running]:\nmain.main()")
	require.NotEmpty(t, path)
	assert.Equal(t, dir, filepath.Dir(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "INTEGRATOR CRASH REPORT")
	assert.Contains(t, string(data), "merge exploded")
	assert.Contains(t, string(data), "main.main()")
}
