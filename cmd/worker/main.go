package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/sentinel-iam/sentinel/internal/app"
	jobmetrics "github.com/sentinel-iam/sentinel/internal/jobs"
	"github.com/sentinel-iam/sentinel/internal/platform/cache"
	"github.com/sentinel-iam/sentinel/internal/platform/db"
	"github.com/sentinel-iam/sentinel/internal/rbac"
	rbaccache "github.com/sentinel-iam/sentinel/internal/rbac/cache"
	"github.com/sentinel-iam/sentinel/internal/shared"
	"github.com/sentinel-iam/sentinel/jobs"
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
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	rbacRepo := rbac.NewRepository(pool)
	decisionCache := rbaccache.NewService(redisClient, rbacRepo, logger, rbaccache.Config{
		KeyPrefix:         cfg.CacheKeyPrefix,
		LocalTTL:          cfg.CacheLocalTTL,
		SharedTTL:         cfg.CacheSharedTTL,
		LocalMaxEntries:   cfg.CacheLocalMaxEntry,
		FanOutConcurrency: cfg.FanOutConcurrency,
		CommonPermissions: cfg.WarmupPermissions,
	})
	rbacService := rbac.NewService(rbacRepo, decisionCache, nil, nil, logger)

	metrics := jobmetrics.NewMetrics(nil)
	warmupJob := jobs.NewPermissionsWarmupJob(rbacService, rbacRepo, logger, metrics, cfg.WarmupBatchSize)
	auditJob := jobs.NewAuditEventJob(shared.NewAuditLogger(pool), logger)

	warmupTask, err := jobs.NewWarmupTask(jobs.WarmupPayload{Scope: "active"})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRBACWarmup, Handler: warmupJob.Handle},
			{Type: jobs.TaskAuditEvent, Handler: auditJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.WarmupScheduleCron, Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
