package rbaccache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/sentinel-iam/sentinel/internal/rbac"
)

// Loader is the storage collaborator the cache consumes. It hands out
// read-only snapshots; the cache never mutates storage.
type Loader interface {
	// UserAccess fetches a user with overrides, their roles with permission
	// grants, and the full permission catalog.
	UserAccess(ctx context.Context, userID int64) (*rbac.User, []rbac.Role, *rbac.Catalog, error)
	// UserIDsWithRole fetches the ids of every user holding the role.
	UserIDsWithRole(ctx context.Context, roleID int64) ([]int64, error)
}

// Config tunes the two tiers. LocalTTL must stay below SharedTTL so a local
// copy can never outlive its shared counterpart.
type Config struct {
	KeyPrefix         string
	LocalTTL          time.Duration
	SharedTTL         time.Duration
	LocalMaxEntries   int
	FanOutConcurrency int
	// CommonPermissions are pre-computed as boolean decisions during warm-up.
	CommonPermissions []string
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "rbac"
	}
	if c.LocalTTL <= 0 {
		c.LocalTTL = 30 * time.Second
	}
	if c.SharedTTL <= 0 {
		c.SharedTTL = 5 * time.Minute
	}
	if c.SharedTTL <= c.LocalTTL {
		c.SharedTTL = 2 * c.LocalTTL
	}
	if c.LocalMaxEntries <= 0 {
		c.LocalMaxEntries = 4096
	}
	if c.FanOutConcurrency <= 0 {
		c.FanOutConcurrency = 8
	}
	return c
}

// Service memoizes engine output across a process-local tier and a shared
// Redis tier. It never computes values itself except during warm-up; callers
// evaluate on a total miss and write the result back. Every tier failure is
// logged and degraded to a miss or no-op, never surfaced to callers.
type Service struct {
	cfg    Config
	local  *localTier
	shared *sharedTier
	loader Loader
	logger *slog.Logger
	stats  stats
}

// NewService wires the two tiers over the provided Redis client and storage
// loader.
func NewService(client *redis.Client, loader Loader, logger *slog.Logger, cfg Config) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		local:  newLocalTier(cfg.LocalMaxEntries, cfg.LocalTTL),
		shared: newSharedTier(client, cfg.KeyPrefix, cfg.SharedTTL),
		loader: loader,
		logger: logger,
	}
}

// UserPermissions returns the cached effective permission set for the user.
// The second return reports presence; a total miss means the caller must
// compute and call SetUserPermissions.
func (s *Service) UserPermissions(ctx context.Context, userID int64) ([]string, bool) {
	if perms, ok := s.local.getUser(userID); ok {
		s.stats.hit()
		return perms, true
	}
	perms, ok, err := s.shared.getSet(ctx, s.shared.userKey(userID))
	if err != nil {
		s.logger.Warn("cache shared read", slog.Int64("user_id", userID), slog.Any("error", err))
		s.stats.miss()
		return nil, false
	}
	if !ok {
		s.stats.miss()
		return nil, false
	}
	s.local.setUser(userID, perms)
	s.stats.hit()
	return perms, true
}

// SetUserPermissions writes the effective set to both tiers.
func (s *Service) SetUserPermissions(ctx context.Context, userID int64, perms []string) {
	s.local.setUser(userID, perms)
	if err := s.shared.setSet(ctx, s.shared.userKey(userID), perms); err != nil {
		s.logger.Warn("cache shared write", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

// RolePermissions returns the cached permission set for a role.
func (s *Service) RolePermissions(ctx context.Context, roleID int64) ([]string, bool) {
	if perms, ok := s.local.getRole(roleID); ok {
		s.stats.hit()
		return perms, true
	}
	perms, ok, err := s.shared.getSet(ctx, s.shared.roleKey(roleID))
	if err != nil {
		s.logger.Warn("cache shared read", slog.Int64("role_id", roleID), slog.Any("error", err))
		s.stats.miss()
		return nil, false
	}
	if !ok {
		s.stats.miss()
		return nil, false
	}
	s.local.setRole(roleID, perms)
	s.stats.hit()
	return perms, true
}

// SetRolePermissions writes the role's permission set to both tiers.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, perms []string) {
	s.local.setRole(roleID, perms)
	if err := s.shared.setSet(ctx, s.shared.roleKey(roleID), perms); err != nil {
		s.logger.Warn("cache shared write", slog.Int64("role_id", roleID), slog.Any("error", err))
	}
}

// Decision returns the cached boolean evaluation for (user, permission).
func (s *Service) Decision(ctx context.Context, userID int64, permission string) (bool, bool) {
	if granted, ok := s.local.getDecision(userID, permission); ok {
		s.stats.hit()
		return granted, true
	}
	granted, ok, err := s.shared.getBool(ctx, s.shared.decisionKey(userID, permission))
	if err != nil {
		s.logger.Warn("cache shared read", slog.Int64("user_id", userID), slog.String("permission", permission), slog.Any("error", err))
		s.stats.miss()
		return false, false
	}
	if !ok {
		s.stats.miss()
		return false, false
	}
	s.local.setDecision(userID, permission, granted)
	s.stats.hit()
	return granted, true
}

// SetDecision writes the boolean evaluation to both tiers.
func (s *Service) SetDecision(ctx context.Context, userID int64, permission string, granted bool) {
	s.local.setDecision(userID, permission, granted)
	if err := s.shared.setBool(ctx, s.shared.decisionKey(userID, permission), granted); err != nil {
		s.logger.Warn("cache shared write", slog.Int64("user_id", userID), slog.String("permission", permission), slog.Any("error", err))
	}
}

// InvalidateUser removes the user's effective set from both tiers.
func (s *Service) InvalidateUser(ctx context.Context, userID int64) {
	s.local.removeUser(userID)
	if err := s.shared.delete(ctx, s.shared.userKey(userID)); err != nil {
		s.logger.Warn("cache invalidate user", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

// InvalidateRole removes the role's permission set from both tiers.
func (s *Service) InvalidateRole(ctx context.Context, roleID int64) {
	s.local.removeRole(roleID)
	if err := s.shared.delete(ctx, s.shared.roleKey(roleID)); err != nil {
		s.logger.Warn("cache invalidate role", slog.Int64("role_id", roleID), slog.Any("error", err))
	}
}

// InvalidateDecision removes one (user, permission) decision from both tiers.
func (s *Service) InvalidateDecision(ctx context.Context, userID int64, permission string) {
	s.local.removeDecision(userID, permission)
	if err := s.shared.delete(ctx, s.shared.decisionKey(userID, permission)); err != nil {
		s.logger.Warn("cache invalidate decision", slog.Int64("user_id", userID), slog.String("permission", permission), slog.Any("error", err))
	}
}

// InvalidateUserDecisions removes every decision cached for the user. The
// shared tier scans by prefix; the local tier enumerates its keys.
func (s *Service) InvalidateUserDecisions(ctx context.Context, userID int64) {
	s.local.removeUserDecisions(userID)
	if err := s.shared.deleteByPattern(ctx, s.shared.decisionPattern(userID)); err != nil {
		s.logger.Warn("cache invalidate user decisions", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

// InvalidateUsersWithRole invalidates the user-level cache of every current
// member of the role, then the role's own cache. The fan-out is best effort:
// a member failing or the context being cancelled leaves the remaining
// members stale no longer than the shared TTL.
func (s *Service) InvalidateUsersWithRole(ctx context.Context, roleID int64) {
	if s.loader == nil {
		s.logger.Warn("cache fan-out skipped, no loader", slog.Int64("role_id", roleID))
		return
	}
	userIDs, err := s.loader.UserIDsWithRole(ctx, roleID)
	if err != nil {
		s.logger.Warn("cache fan-out membership load", slog.Int64("role_id", roleID), slog.Any("error", err))
		s.InvalidateRole(ctx, roleID)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FanOutConcurrency)
	for _, userID := range userIDs {
		userID := userID
		g.Go(func() error {
			s.InvalidateUser(gctx, userID)
			s.InvalidateUserDecisions(gctx, userID)
			return nil
		})
	}
	// Per-member invalidations log their own failures and return nil, so the
	// only error here is context cancellation.
	if err := g.Wait(); err != nil {
		s.logger.Warn("cache fan-out interrupted", slog.Int64("role_id", roleID), slog.Any("error", err))
	}
	s.InvalidateRole(ctx, roleID)
}

// ClearAll drops every entry from both tiers and resets the statistics
// counters.
func (s *Service) ClearAll(ctx context.Context) {
	s.local.purge()
	if err := s.shared.deleteByPattern(ctx, s.shared.allPattern()); err != nil {
		s.logger.Warn("cache clear all", slog.Any("error", err))
	}
	s.stats.reset()
}
