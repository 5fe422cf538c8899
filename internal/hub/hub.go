// -----------------------------------------------------------------------
// Subscription Hub - Per-job observer sets and progress fan-out
// -----------------------------------------------------------------------

package hub

import (
	"context"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/integrator/internal/interfaces"
)

// Hub tracks the observers of each job. A job has an entry only while it has
// at least one observer.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]interfaces.Observer
	logger      arbor.ILogger
}

// New creates an empty hub
func New(logger arbor.ILogger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[string]interfaces.Observer),
		logger:      logger,
	}
}

var _ interfaces.Broadcaster = (*Hub)(nil)

// Attach adds obs to the job's observer set and returns the set size.
// Attaching the same observer id twice keeps a single entry.
func (h *Hub) Attach(jobID string, obs interfaces.Observer) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, exists := h.subscribers[jobID]
	if !exists {
		set = make(map[string]interfaces.Observer)
		h.subscribers[jobID] = set
	}
	set[obs.ID()] = obs

	h.logger.Debug().
		Str("job_id", jobID).
		Str("observer_id", obs.ID()).
		Int("observers", len(set)).
		Msg("Observer attached")

	return len(set)
}

// Detach removes obs and returns how many observers remain. The job entry is
// deleted with its last observer.
func (h *Hub) Detach(jobID string, obs interfaces.Observer) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, exists := h.subscribers[jobID]
	if !exists {
		return 0
	}

	if _, ok := set[obs.ID()]; ok {
		delete(set, obs.ID())
		h.logger.Debug().
			Str("job_id", jobID).
			Str("observer_id", obs.ID()).
			Int("observers", len(set)).
			Msg("Observer detached")
	}

	if len(set) == 0 {
		delete(h.subscribers, jobID)
		return 0
	}
	return len(set)
}

// Broadcast sends event to every observer of jobID and returns how many
// received it. Observers whose send fails are detached. Sends run outside the
// lock and concurrently, so one slow observer does not hold up the rest.
// A send cut short by ctx is not an observer failure and detaches nothing.
func (h *Hub) Broadcast(ctx context.Context, jobID string, event interface{}) int {
	if ctx.Err() != nil {
		return 0
	}

	h.mu.RLock()
	set := h.subscribers[jobID]
	snapshot := make([]interfaces.Observer, 0, len(set))
	for _, obs := range set {
		snapshot = append(snapshot, obs)
	}
	h.mu.RUnlock()

	if len(snapshot) == 0 {
		return 0
	}

	failed := make([]bool, len(snapshot))
	cancelled := make([]bool, len(snapshot))
	var wg sync.WaitGroup
	for i, obs := range snapshot {
		wg.Add(1)
		go func(i int, obs interfaces.Observer) {
			defer wg.Done()
			if err := obs.Send(ctx, event); err != nil {
				if ctx.Err() != nil {
					cancelled[i] = true
					return
				}
				failed[i] = true
				h.logger.Debug().
					Err(err).
					Str("job_id", jobID).
					Str("observer_id", obs.ID()).
					Msg("Observer send failed, detaching")
			}
		}(i, obs)
	}
	wg.Wait()

	delivered := 0
	for i, obs := range snapshot {
		if failed[i] {
			h.Detach(jobID, obs)
			continue
		}
		if cancelled[i] {
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of observers attached to jobID
func (h *Hub) Count(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[jobID])
}

// Jobs returns the job ids that currently have observers
func (h *Hub) Jobs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	jobIDs := make([]string, 0, len(h.subscribers))
	for jobID := range h.subscribers {
		jobIDs = append(jobIDs, jobID)
	}
	sort.Strings(jobIDs)
	return jobIDs
}
