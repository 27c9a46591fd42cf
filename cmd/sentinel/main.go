package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sentinel-iam/sentinel/internal/app"
	"github.com/sentinel-iam/sentinel/internal/auth"
	"github.com/sentinel-iam/sentinel/internal/observability"
	"github.com/sentinel-iam/sentinel/internal/platform/cache"
	"github.com/sentinel-iam/sentinel/internal/platform/db"
	"github.com/sentinel-iam/sentinel/internal/rbac"
	rbaccache "github.com/sentinel-iam/sentinel/internal/rbac/cache"
	"github.com/sentinel-iam/sentinel/internal/shared"
	"github.com/sentinel-iam/sentinel/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	sessionManager := shared.NewSessionManager(redisClient, "sentinel_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(authRepo, logger)
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager)

	rbacRepo := rbac.NewRepository(pool)
	decisionCache := rbaccache.NewService(redisClient, rbacRepo, logger, rbaccache.Config{
		KeyPrefix:         cfg.CacheKeyPrefix,
		LocalTTL:          cfg.CacheLocalTTL,
		SharedTTL:         cfg.CacheSharedTTL,
		LocalMaxEntries:   cfg.CacheLocalMaxEntry,
		FanOutConcurrency: cfg.FanOutConcurrency,
		CommonPermissions: cfg.WarmupPermissions,
	})

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	// Audit writes travel through the queue; see jobs.AuditEventJob.
	rbacService := rbac.NewService(rbacRepo, decisionCache, nil, queueClient, logger)
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}

	metrics := observability.NewMetrics()
	rbacHandler := rbac.NewHandler(logger, rbacService, rbacMiddleware, metrics)
	metrics.ObserveCache(func() (int64, int64, float64) {
		snapshot := rbacService.CacheStatistics()
		return snapshot.Hits, snapshot.Misses, snapshot.HitRatio
	})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		AuthHandler:    authHandler,
		RBACHandler:    rbacHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
