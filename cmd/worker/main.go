package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/courier-ops/courier/internal/app"
	"github.com/courier-ops/courier/internal/observability"
	"github.com/courier-ops/courier/internal/platform/cache"
	"github.com/courier-ops/courier/internal/platform/db"
	"github.com/courier-ops/courier/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := cfg.RedisOptions().AsynqOpt()
	jobsClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics("worker")
	core := app.NewCore(app.CoreParams{
		Config:     cfg,
		Pool:       pool,
		Transit:    jobs.NewEnvelopeQueue(jobsClient.Asynq(), cfg.EnvelopeRetention),
		Locker:     cache.NewRedisLocker(redisClient),
		Registerer: metrics.Registerer(),
		Logger:     logger,
	})

	tickJob := jobs.NewRecurrenceTickJob(core.Scheduler, logger, core.JobMetrics)
	resumeJob := jobs.NewDispatchResumeJob(core.Runs, cfg.ResumeAfter, logger, core.JobMetrics)

	resumeTask, err := jobs.NewDispatchResumeTask(cfg.ResumeAfter)
	if err != nil {
		logger.Error("build resume task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRecurrenceTick, Handler: tickJob.Handle},
			{Type: jobs.TaskDispatchResume, Handler: resumeJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SchedulerTick, Task: jobs.NewRecurrenceTickTask(cfg.TickInterval())},
			{Spec: "*/15 * * * *", Task: resumeTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
