package rbaccache

import (
	"context"
	"log/slog"

	"github.com/sentinel-iam/sentinel/internal/rbac"
)

// WarmUp proactively populates the user's cache entries ahead of first use.
// When the effective set is already cached the call is a no-op with zero
// storage reads. Otherwise it performs a single storage load, computes the
// effective set, caches it, and pre-computes a boolean decision for each
// configured common permission. Failures are logged and swallowed; the worst
// outcome of a failed warm-up is a cold cache.
func (s *Service) WarmUp(ctx context.Context, userID int64) {
	if _, ok := s.UserPermissions(ctx, userID); ok {
		return
	}
	if s.loader == nil {
		s.logger.Warn("cache warm-up skipped, no loader", slog.Int64("user_id", userID))
		return
	}

	user, roles, catalog, err := s.loader.UserAccess(ctx, userID)
	if err != nil {
		s.logger.Warn("cache warm-up load", slog.Int64("user_id", userID), slog.Any("error", err))
		return
	}

	perms, err := rbac.EffectivePermissions(user, catalog, roles)
	if err != nil {
		s.logger.Warn("cache warm-up compute", slog.Int64("user_id", userID), slog.Any("error", err))
		return
	}
	s.SetUserPermissions(ctx, userID, perms)

	for _, name := range s.cfg.CommonPermissions {
		result, err := rbac.Evaluate(user, name, catalog, roles)
		if err != nil {
			s.logger.Warn("cache warm-up decision", slog.Int64("user_id", userID), slog.String("permission", name), slog.Any("error", err))
			continue
		}
		s.SetDecision(ctx, userID, name, result.HasPermission)
	}
}
