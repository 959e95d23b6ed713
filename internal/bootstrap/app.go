// Package bootstrap handles application initialization and lifecycle
// management for the competitor-scout service.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/config"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/database"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/metrics"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/pipeline"
)

// App holds the wired components shared by the serve and run commands.
type App struct {
	Config       *config.Config
	Log          logger.Logger
	Metrics      *metrics.Metrics
	Store        database.Store
	Orchestrator *pipeline.Orchestrator

	redis      *redis.Client
	closeStore func() error
}

// New wires storage, cache, metrics and the pipeline.
func New(cfg *config.Config, log logger.Logger) (*App, error) {
	store, closeStore, err := SetupStore(cfg, log)
	if err != nil {
		return nil, err
	}

	trafficCache, redisClient := SetupCache(cfg, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	orch, err := SetupOrchestrator(cfg, store, trafficCache, m, log)
	if err != nil {
		_ = closeStore()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}

	return &App{
		Config:       cfg,
		Log:          log,
		Metrics:      m,
		Store:        store,
		Orchestrator: orch,
		redis:        redisClient,
		closeStore:   closeStore,
	}, nil
}

// Close stops active runs and releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := a.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}

// Serve loads configuration, wires the application and runs the HTTP server
// until ctx ends or a shutdown signal arrives.
func Serve(ctx context.Context, configPath string, debug bool) error {
	// Phase 1: Load config and create logger
	cfg, err := LoadConfig(configPath, debug)
	if err != nil {
		return err
	}

	log, err := CreateLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// Phase 2: Storage, cache and pipeline
	app, err := New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	defer func() {
		//nolint:contextcheck // runs after ctx ended
		if closeErr := app.Close(context.Background()); closeErr != nil {
			log.Error("Failed to close application", logger.Error(closeErr))
		}
	}()

	// Phase 3: HTTP server
	srv := SetupHTTPServer(app)

	if runErr := srv.Run(ctx); runErr != nil {
		log.Error("Server error", logger.Error(runErr))
		return fmt.Errorf("server error: %w", runErr)
	}

	log.Info("Server exited")
	return nil
}
