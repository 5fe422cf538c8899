package progress

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/integrator/internal/common"
	"github.com/ternarybob/integrator/internal/interfaces"
)

type watcherEntry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry runs at most one watcher per job
type Registry struct {
	store    interfaces.ProgressStore
	out      interfaces.Broadcaster
	interval time.Duration
	logger   arbor.ILogger

	mu       sync.Mutex
	watchers map[string]*watcherEntry
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry creates an empty registry
func NewRegistry(store interfaces.ProgressStore, out interfaces.Broadcaster, interval time.Duration, logger arbor.ILogger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:    store,
		out:      out,
		interval: interval,
		logger:   logger,
		watchers: make(map[string]*watcherEntry),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches a watcher for jobID. It returns false when one is already
// running for the job or the registry has been stopped.
func (r *Registry) Start(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return false
	}
	if _, exists := r.watchers[jobID]; exists {
		return false
	}

	ctx, cancel := context.WithCancel(r.ctx)
	entry := &watcherEntry{cancel: cancel, done: make(chan struct{})}
	r.watchers[jobID] = entry
	r.wg.Add(1)

	common.SafeGo(r.logger, "progress-watcher-"+jobID, func() {
		defer r.wg.Done()
		defer close(entry.done)
		defer r.deregister(jobID, entry)
		defer cancel()

		watcher := NewWatcher(jobID, r.store, r.out, r.interval, r.logger)
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Progress watcher stopped")
		}
	})

	r.logger.Debug().Str("job_id", jobID).Msg("Progress watcher started")
	return true
}

// Stop cancels the watcher for jobID and waits for it to exit
func (r *Registry) Stop(jobID string) bool {
	return r.StopIf(jobID, func() bool { return true })
}

// StopIf stops the watcher for jobID when stop reports true. stop runs under
// the registry lock, so a Start racing with it either keeps the watcher or
// launches a fresh one after the old entry is removed.
func (r *Registry) StopIf(jobID string, stop func() bool) bool {
	r.mu.Lock()
	entry, exists := r.watchers[jobID]
	if !exists || !stop() {
		r.mu.Unlock()
		return false
	}
	delete(r.watchers, jobID)
	r.mu.Unlock()

	entry.cancel()
	<-entry.done

	r.logger.Debug().Str("job_id", jobID).Msg("Progress watcher stopped")
	return true
}

// IsWatching reports whether a watcher is registered for jobID
func (r *Registry) IsWatching(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.watchers[jobID]
	return exists
}

// Active returns the job ids with a running watcher
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobIDs := make([]string, 0, len(r.watchers))
	for jobID := range r.watchers {
		jobIDs = append(jobIDs, jobID)
	}
	sort.Strings(jobIDs)
	return jobIDs
}

// StopAll cancels every watcher and waits for them to exit. The registry
// accepts no new watchers afterwards.
func (r *Registry) StopAll() {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
}

// deregister removes entry unless a newer watcher has replaced it
func (r *Registry) deregister(jobID string, entry *watcherEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.watchers[jobID]; exists && current == entry {
		delete(r.watchers, jobID)
	}
}
