package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/sentinel-iam/sentinel/internal/rbac"
	"github.com/sentinel-iam/sentinel/internal/shared"
)

// AuditEventJob persists queued permission changes to the audit trail.
type AuditEventJob struct {
	Audit  *shared.AuditLogger
	Logger *slog.Logger
}

// NewAuditEventJob wires dependencies for the audit handler.
func NewAuditEventJob(audit *shared.AuditLogger, logger *slog.Logger) *AuditEventJob {
	return &AuditEventJob{Audit: audit, Logger: logger}
}

// Handle processes audit event tasks.
func (j *AuditEventJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Audit == nil {
		return errors.New("audit event: handler not configured")
	}
	var change rbac.PermissionChange
	if err := json.Unmarshal(t.Payload(), &change); err != nil {
		return asynq.SkipRetry
	}
	entry := shared.AuditLog{
		ActorID:  change.ActorID,
		Action:   change.Action,
		Entity:   change.Entity,
		EntityID: change.EntityID,
		At:       change.At,
	}
	if err := j.Audit.Record(ctx, entry); err != nil {
		if j.Logger != nil {
			j.Logger.Error("record audit event", slog.String("action", change.Action), slog.Any("error", err))
		}
		return err
	}
	return nil
}
