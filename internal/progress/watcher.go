package progress

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/integrator/internal/common"
	"github.com/ternarybob/integrator/internal/interfaces"
	"github.com/ternarybob/integrator/internal/models"
)

// DefaultPollInterval is how often a watcher reads the progress file
const DefaultPollInterval = 500 * time.Millisecond

// Watcher polls one job's progress record and broadcasts every change until
// the record is terminal or the watcher is cancelled
type Watcher struct {
	jobID    string
	store    interfaces.ProgressStore
	out      interfaces.Broadcaster
	interval time.Duration
	logger   arbor.ILogger

	last       *models.ProgressRecord
	broadcasts int
}

// NewWatcher creates a watcher for jobID
func NewWatcher(jobID string, store interfaces.ProgressStore, out interfaces.Broadcaster, interval time.Duration, logger arbor.ILogger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		jobID:    jobID,
		store:    store,
		out:      out,
		interval: interval,
		logger:   logger,
	}
}

// Run polls until the job is terminal (returns nil) or ctx is done (returns ctx.Err())
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.poll(ctx) {
			w.logger.Debug().
				Str("job_id", w.jobID).
				Int("broadcasts", w.broadcasts).
				Msg("Progress watcher reached terminal state")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Broadcasts returns the number of records broadcast so far
func (w *Watcher) Broadcasts() int {
	return w.broadcasts
}

// poll reads the record once and reports whether the watcher is done.
// An absent or half-written record is simply not available yet.
func (w *Watcher) poll(ctx context.Context) bool {
	record, err := w.store.Read(ctx, w.jobID)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) && !errors.Is(err, ErrMalformedRecord) && ctx.Err() == nil {
			w.logger.Debug().Err(err).Str("job_id", w.jobID).Msg("Progress record unavailable")
		}
		return false
	}

	// Compare against the last broadcast record so repeats are suppressed
	// but any change, including a regression, is delivered
	if w.last == nil || !w.last.SameAs(*record) {
		delivered := w.out.Broadcast(ctx, w.jobID, record)
		w.last = record
		w.broadcasts++

		w.logger.Trace().
			Str("job_id", w.jobID).
			Int("progress", record.Progress).
			Str("status", string(record.Status)).
			Int("observers", delivered).
			Msg("Progress broadcast")
	}

	return record.IsTerminal()
}
