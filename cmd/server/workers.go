package main

import (
	"context"
	"fmt"

	"github.com/openctemio/stigmap/internal/config"
	"github.com/openctemio/stigmap/internal/infra/jobs"
	"github.com/openctemio/stigmap/pkg/logger"
)

// catalogRefreshJob is the scheduler name of the CCI catalog refresh.
const catalogRefreshJob = "catalog_refresh"

// Workers holds all background worker instances.
type Workers struct {
	JobWorker *jobs.Worker
	Scheduler *jobs.Scheduler
}

// WorkerDeps contains dependencies needed to create workers.
type WorkerDeps struct {
	Config    *config.Config
	Log       *logger.Logger
	Services  *Services
	JobClient *jobs.Client
}

// NewWorkers initializes all background workers.
func NewWorkers(deps *WorkerDeps) (*Workers, error) {
	cfg := deps.Config
	log := deps.Log

	w := &Workers{}

	if cfg.Worker.Enabled {
		var err error
		w.JobWorker, err = jobs.NewWorker(jobs.WorkerConfig{
			RedisAddr:     cfg.Redis.Addr(),
			RedisPassword: cfg.Redis.Password,
			RedisDB:       cfg.Redis.DB,
			Concurrency:   cfg.Worker.Concurrency,
		}, deps.Services.STIGMapping, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create job worker: %w", err)
		}
	}

	// The scheduler only enqueues; whichever instance runs a worker picks
	// the refresh up, and the unique task keeps instances from doubling it.
	if cfg.Catalog.RefreshSchedule != "" && deps.Services.Source != nil {
		w.Scheduler = jobs.NewScheduler(log)
		client := deps.JobClient
		if err := w.Scheduler.Add(catalogRefreshJob, cfg.Catalog.RefreshSchedule, func(ctx context.Context) error {
			return client.EnqueueCatalogRefresh(ctx)
		}); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// Start starts all background workers.
func (w *Workers) Start(log *logger.Logger) error {
	if w.JobWorker != nil {
		if err := w.JobWorker.Start(); err != nil {
			return fmt.Errorf("failed to start job worker: %w", err)
		}
		log.Info("job worker started")
	}

	if w.Scheduler != nil {
		w.Scheduler.Start()
	}

	return nil
}

// Stop stops all background workers gracefully.
func (w *Workers) Stop(log *logger.Logger) {
	if w.Scheduler != nil {
		w.Scheduler.Stop()
	}

	if w.JobWorker != nil {
		log.Info("stopping job worker...")
		w.JobWorker.Stop()
		log.Info("job worker stopped")
	}
}
