package orchestrator

import (
	"os"
	"sync"

	"github.com/ternarybob/arbor"
)

// scratchCleanup removes a per-request upload directory at most once,
// whichever task finishes with it last
type scratchCleanup struct {
	dir    string
	once   sync.Once
	logger arbor.ILogger
}

func newScratchCleanup(dir string, logger arbor.ILogger) *scratchCleanup {
	return &scratchCleanup{dir: dir, logger: logger}
}

func (c *scratchCleanup) Run() {
	c.once.Do(func() {
		if c.dir == "" {
			return
		}
		if err := os.RemoveAll(c.dir); err != nil {
			c.logger.Warn().Err(err).Str("path", c.dir).Msg("Failed to remove scratch directory")
			return
		}
		c.logger.Debug().Str("path", c.dir).Msg("Scratch directory removed")
	})
}
