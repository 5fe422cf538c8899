package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/integrator/internal/common"
	"github.com/ternarybob/integrator/internal/handlers"
	"github.com/ternarybob/integrator/internal/hub"
	"github.com/ternarybob/integrator/internal/interfaces"
	"github.com/ternarybob/integrator/internal/models"
	"github.com/ternarybob/integrator/internal/orchestrator"
	"github.com/ternarybob/integrator/internal/progress"
	"github.com/ternarybob/integrator/internal/services/events"
	"github.com/ternarybob/integrator/internal/stages"
	"github.com/ternarybob/integrator/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	DB         *badger.BadgerDB
	JobStorage interfaces.JobStorage

	// Services
	EventService  interfaces.EventService
	StageClient   *stages.Client
	Orchestrator  *orchestrator.Orchestrator
	Hub           *hub.Hub
	ProgressStore *progress.FileStore
	Watchers      *progress.Registry
	Sweeper       *progress.Sweeper

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	PipelineHandler *handlers.PipelineHandler
	StreamHandler   *handlers.ProgressStreamHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	app.Sweeper.Start()

	logger.Info().
		Str("builder_url", app.Config.Stages.Builder.URL).
		Str("miner_url", app.Config.Stages.Miner.URL).
		Str("shared_output_dir", app.Config.Storage.SharedOutputDir).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens the in-memory job store
func (a *App) initDatabase() error {
	db, err := badger.NewBadgerDB(a.Logger)
	if err != nil {
		return err
	}

	a.DB = db
	a.JobStorage = badger.NewJobStorage(db, a.Logger)
	a.Logger.Debug().Str("storage", "badger").Msg("Job store initialized (in-memory)")
	return nil
}

func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		return fmt.Errorf("failed to subscribe event logger: %w", err)
	}

	a.StageClient = stages.NewClient(a.Logger,
		stages.WithRateLimit(a.Config.Stages.RateLimit),
		stages.WithBackoffUnit(common.ParseDuration(a.Config.Stages.BackoffUnit, time.Second)),
	)

	a.Orchestrator = orchestrator.New(
		orchestrator.NewConfig(a.Config),
		a.StageClient,
		a.JobStorage,
		a.EventService,
		a.Logger,
	)

	a.Hub = hub.New(a.Logger)
	a.ProgressStore = progress.NewFileStore(a.Config.Storage.SharedOutputDir)
	a.Watchers = progress.NewRegistry(
		a.ProgressStore,
		a.Hub,
		common.ParseDuration(a.Config.Progress.PollInterval, progress.DefaultPollInterval),
		a.Logger,
	)

	sweeper, err := progress.NewSweeper(a.Watchers, a.Hub, a.Config.Progress.SweepSchedule, a.Logger)
	if err != nil {
		return err
	}
	a.Sweeper = sweeper

	return a.subscribeWatchers()
}

// subscribeWatchers starts a job's progress watcher when mining begins and
// stops it when the job is deleted
func (a *App) subscribeWatchers() error {
	if err := a.EventService.Subscribe(interfaces.EventStageChanged, func(ctx context.Context, event interfaces.Event) error {
		change, ok := events.ParseStageChanged(event)
		if ok && change.Stage == models.StageMining && change.State == models.StageRunning {
			a.Watchers.Start(change.JobID)
		}
		return nil
	}); err != nil {
		return err
	}

	return a.EventService.Subscribe(interfaces.EventJobDeleted, func(ctx context.Context, event interfaces.Event) error {
		if jobID := events.JobIDOf(event); jobID != "" {
			a.Watchers.Stop(jobID)
		}
		return nil
	})
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.PipelineHandler = handlers.NewPipelineHandler(
		a.Orchestrator,
		a.ProgressStore,
		a.Config.Storage.ScratchDir,
		a.Logger,
	)
	a.StreamHandler = handlers.NewProgressStreamHandler(
		a.Hub,
		a.Watchers,
		common.ParseDuration(a.Config.WebSocket.KeepAlive, handlers.DefaultKeepAlive),
		a.Config.WebSocket.AllowedOrigins,
		a.Logger,
	)
}

// Close stops background work and releases storage. Stage tasks still
// running are given the server shutdown timeout to finish.
func (a *App) Close() error {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}

	if a.Watchers != nil {
		a.Watchers.StopAll()
		a.Logger.Debug().Msg("Progress watchers stopped")
	}

	if a.Orchestrator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), common.ParseDuration(a.Config.Server.ShutdownTimeout, 30*time.Second))
		defer cancel()
		if err := a.Orchestrator.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Background stage tasks did not finish")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.JobStorage != nil {
		if err := a.JobStorage.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close job storage")
			return err
		}
	}

	a.Logger.Info().Msg("Application shutdown complete")
	return nil
}
