package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/sentinel-iam/sentinel/internal/rbac"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRBACWarmup pre-populates permission caches.
	TaskRBACWarmup = "rbac:warmup"
	// TaskAuditEvent persists a permission change to the audit trail.
	TaskAuditEvent = "audit:event"
)

// WarmupPayload selects which users to warm. A zero UserID with scope
// "active" warms every recently seen user.
type WarmupPayload struct {
	UserID int64  `json:"user_id,omitempty"`
	Scope  string `json:"scope,omitempty"`
}

// NewWarmupTask constructs an Asynq task for cache warm-up.
func NewWarmupTask(payload WarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRBACWarmup, data), nil
}

// NewAuditEventTask wraps a permission change for queue transport.
func NewAuditEventTask(change rbac.PermissionChange) (*asynq.Task, error) {
	data, err := json.Marshal(change)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditEvent, data), nil
}
