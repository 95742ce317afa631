package app

import (
	"context"
	"fmt"

	"convoy/internal/config"
	"convoy/internal/history"
	"convoy/internal/pipeline"
	"convoy/internal/scheduler"

	log "github.com/sirupsen/logrus"
)

// App holds the wired application components shared by all commands.
type App struct {
	Config       *config.Config
	Pipeline     *pipeline.HTTPClient
	HistoryStore *history.Store // nil when outcome recording is disabled
	Scheduler    *scheduler.Scheduler
}

func NewApp(cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	if err := app.initPipelineClient(); err != nil {
		return nil, err
	}
	if err := app.initHistoryStore(); err != nil {
		return nil, err
	}
	if err := app.initScheduler(); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}

	log.Debug("Application initialization complete")
	return app, nil
}

// Close releases application resources. Safe to call once at shutdown.
func (a *App) Close() {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.HistoryStore != nil {
		a.HistoryStore.Close()
	}
}

func (a *App) initPipelineClient() error {
	client, err := pipeline.NewHTTPClient(a.Config.Pipeline.BaseURL, a.Config.Pipeline.APIKey, a.Config.Pipeline.RequestTimeout)
	if err != nil {
		return fmt.Errorf("init pipeline client: %w", err)
	}
	a.Pipeline = client
	return nil
}

func (a *App) initHistoryStore() error {
	dsn := a.Config.Database.History.DSN
	if dsn == "" {
		log.Warn("No history DSN configured; outcome recording is disabled.")
		return nil
	}
	store, err := history.NewStore(context.Background(), dsn)
	if err != nil {
		return fmt.Errorf("init history store: %w", err)
	}
	a.HistoryStore = store
	return nil
}

func (a *App) initScheduler() error {
	var recorder scheduler.Recorder
	if a.HistoryStore != nil {
		recorder = a.HistoryStore
	}
	a.Scheduler = scheduler.New(a.Pipeline, scheduler.Options{
		Limit:           a.Config.Scheduler.Concurrency,
		PollInterval:    a.Config.Scheduler.PollInterval,
		MaxPollFailures: a.Config.Scheduler.MaxPollFailures,
		Stages:          a.Config.Pipeline.Stages,
		Recorder:        recorder,
	})
	return nil
}

func (a *App) cleanupPartialInit() {
	if a.HistoryStore != nil {
		a.HistoryStore.Close()
		a.HistoryStore = nil
	}
}
