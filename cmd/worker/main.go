package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/casafleet/casafleet/internal/app"
	"github.com/casafleet/casafleet/internal/authz"
	"github.com/casafleet/casafleet/internal/platform/db"
	"github.com/casafleet/casafleet/internal/shared"
	"github.com/casafleet/casafleet/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	auditLogger := shared.NewAuditLogger(pool)
	authzRepo := authz.NewRepository(pool)
	authzService := authz.NewService(authzRepo, auditLogger, nil, logger)

	sweepJob := jobs.NewMaintenanceSweepJob(pool, logger, cfg.MaintenanceRetention)
	reseedJob := jobs.NewCatalogReseedJob(authzService, logger)

	sweepTask, err := jobs.NewMaintenanceSweepTask(cfg.MaintenanceRetention, time.Now().UTC())
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	reseedTask, err := jobs.NewCatalogReseedTask(time.Now().UTC())
	if err != nil {
		logger.Error("build reseed task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskMaintenanceSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskCatalogReseed, Handler: reseedJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "45 2 * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 4 * * 0", Task: reseedTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
