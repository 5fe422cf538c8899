package progress

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// DefaultSweepSchedule is how often unobserved watchers are stopped
const DefaultSweepSchedule = "@every 30s"

// ObserverCounter reports how many observers a job has
type ObserverCounter interface {
	Count(jobID string) int
}

// Sweeper periodically stops watchers whose job has no observers left
type Sweeper struct {
	registry  *Registry
	observers ObserverCounter
	cron      *cron.Cron
	logger    arbor.ILogger
}

// NewSweeper schedules Sweep on the given cron spec
func NewSweeper(registry *Registry, observers ObserverCounter, schedule string, logger arbor.ILogger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	s := &Sweeper{
		registry:  registry,
		observers: observers,
		cron:      cron.New(),
		logger:    logger,
	}

	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep() }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	return s, nil
}

// Start begins the schedule
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Debug().Msg("Progress watcher sweeper started")
}

// Stop ends the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep stops every unobserved watcher and returns how many were stopped
func (s *Sweeper) Sweep() int {
	stopped := 0
	for _, jobID := range s.registry.Active() {
		unobserved := func() bool { return s.observers.Count(jobID) == 0 }
		if s.registry.StopIf(jobID, unobserved) {
			stopped++
		}
	}

	if stopped > 0 {
		s.logger.Debug().Int("stopped", stopped).Msg("Stopped unobserved progress watchers")
	}
	return stopped
}
