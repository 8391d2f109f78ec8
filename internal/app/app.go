// Package app wires the daemon's components together: config, storage,
// adapters, predictor, orchestrator, tracker and the HTTP API.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"applyd/internal/adapter"
	"applyd/internal/api"
	"applyd/internal/config"
	"applyd/internal/database"
	"applyd/internal/orchestrator"
	"applyd/internal/predictor"
	"applyd/internal/tracker"
	"applyd/pkg/models"
)

// Options tune how the container is assembled
type Options struct {
	// DryRun swaps real platform adapters for scripted ones that accept
	// every submission without touching any external service
	DryRun bool
	// Verbose lowers the log level to debug
	Verbose bool
}

// App holds all long-lived components of the daemon
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	DB           *sql.DB
	Store        *database.Store
	Registry     *adapter.Registry
	Predictor    *predictor.Predictor
	Orchestrator *orchestrator.Orchestrator
	Tracker      *tracker.Tracker
	Server       *api.Server
}

// New assembles the container from the configuration on disk
func New(opts Options) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(opts.Verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("failed to open database at %s: %w", cfg.DBPath, err)
	}
	store := database.New(db)

	var registry *adapter.Registry
	if opts.DryRun {
		logger.Info("dry run: using scripted adapters, no submissions leave this machine")
		registry = adapter.NewScriptedRegistry(func(p models.Platform) *adapter.Scripted {
			return adapter.NewScripted(p, adapter.RatePolicy{
				MinInterval:     time.Second,
				TokensPerMinute: 30,
				MaxInFlight:     4,
			})
		})
	} else {
		registry = adapter.NewRegistry(cfg, logger)
	}

	pred := predictor.New(store, logger)
	orch := orchestrator.New(store, pred, registry, orchestrator.NewFileCVService(cfg.CVDir),
		orchestrator.Config{
			SubmitWorkers: cfg.SubmitWorkers,
			SubmitTimeout: cfg.SubmitTimeout,
		}, logger)
	track := tracker.New(store, registry, pred, orch, tracker.Config{
		PollWorkers: cfg.PollWorkers,
		PollTimeout: cfg.PollTimeout,
		Tick:        cfg.PollTick,
	}, logger)

	return &App{
		Config:       cfg,
		Logger:       logger,
		DB:           db,
		Store:        store,
		Registry:     registry,
		Predictor:    pred,
		Orchestrator: orch,
		Tracker:      track,
		Server:       api.NewServer(store, orch, registry, logger),
	}, nil
}

// Close releases everything in reverse dependency order
func (a *App) Close(ctx context.Context) {
	a.Orchestrator.Close()
	a.Registry.CloseAll(ctx)
	if err := a.DB.Close(); err != nil {
		a.Logger.Error("failed to close database", zap.Error(err))
	}
	_ = a.Logger.Sync()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
