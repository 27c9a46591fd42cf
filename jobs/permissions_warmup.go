package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/sentinel-iam/sentinel/internal/jobs"
	"github.com/sentinel-iam/sentinel/internal/rbac"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// UserLister enumerates users eligible for a batch warm-up.
type UserLister interface {
	ActiveUserIDs(ctx context.Context, limit int) ([]int64, error)
}

// PermissionsWarmupJob pre-populates permission caches for one user or for
// every recently active user.
type PermissionsWarmupJob struct {
	RBAC      *rbac.Service
	Users     UserLister
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	BatchSize int
	clock     func() time.Time
}

// NewPermissionsWarmupJob wires dependencies for the warm-up handler.
func NewPermissionsWarmupJob(svc *rbac.Service, users UserLister, logger *slog.Logger, metrics *jobmetrics.Metrics, batchSize int) *PermissionsWarmupJob {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &PermissionsWarmupJob{
		RBAC:      svc,
		Users:     users,
		Logger:    logger,
		Metrics:   metrics,
		BatchSize: batchSize,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes warm-up tasks.
func (j *PermissionsWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("permissions warmup: handler not configured")
	}
	var payload WarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskRBACWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	start := j.now()

	if payload.UserID > 0 {
		j.RBAC.WarmUp(ctx, payload.UserID)
		j.metrics().AddWarmedUsers(1)
		logger.Info("warmed single user", slog.Int64("user_id", payload.UserID))
		return resultErr
	}

	if j.Users == nil {
		resultErr = errors.New("permissions warmup: user lister not configured")
		return resultErr
	}
	userIDs, err := j.Users.ActiveUserIDs(ctx, j.BatchSize)
	if err != nil {
		resultErr = err
		logger.Error("list active users", slog.Any("error", err))
		return resultErr
	}
	if len(userIDs) == 0 {
		logger.Info("no active users to warm")
		return resultErr
	}

	warmed := 0
	for _, userID := range userIDs {
		// Each user gets a bounded slice of the run so one slow load
		// cannot stall the whole batch.
		userCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		j.RBAC.WarmUp(userCtx, userID)
		cancel()
		warmed++
	}
	j.metrics().AddWarmedUsers(warmed)

	logger.Info("completed permissions warmup",
		slog.Int("users", warmed),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *PermissionsWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRBACWarmup))
	}
	return slog.Default().With(slog.String("job", TaskRBACWarmup))
}

func (j *PermissionsWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PermissionsWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
