package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sentinel-iam/sentinel/internal/shared"
)

// ErrExpiryInPast rejects overrides created with an expiry that is not in the
// future.
var ErrExpiryInPast = errors.New("rbac: override expiry must be in the future")

// Store defines the persistence operations the service consumes.
type Store interface {
	UserAccess(ctx context.Context, userID int64) (*User, []Role, *Catalog, error)
	Catalog(ctx context.Context) (*Catalog, error)
	UserIDsWithRole(ctx context.Context, roleID int64) ([]int64, error)

	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, name, description string) (Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string, isActive bool) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	AssignRole(ctx context.Context, userID, roleID int64) error
	RemoveRole(ctx context.Context, userID, roleID int64) error

	ListPermissions(ctx context.Context) ([]Permission, error)
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	SetPermissionActive(ctx context.Context, id int64, active bool) error

	ListOverrides(ctx context.Context, userID int64) ([]UserPermission, error)
	UpsertOverride(ctx context.Context, o UserPermission) error
	DeleteOverride(ctx context.Context, userID, permissionID int64) error
}

// CacheStatistics is a point-in-time snapshot of decision cache health. Entry
// counts are approximate by design.
type CacheStatistics struct {
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	HitRatio        float64 `json:"hit_ratio"`
	UserSetEntries  int     `json:"user_set_entries"`
	RoleSetEntries  int     `json:"role_set_entries"`
	DecisionEntries int     `json:"decision_entries"`
}

// DecisionCache defines the tiered cache contract the service consumes. A
// "not present" answer means the service must evaluate and write back; the
// cache never computes.
type DecisionCache interface {
	UserPermissions(ctx context.Context, userID int64) ([]string, bool)
	SetUserPermissions(ctx context.Context, userID int64, perms []string)
	RolePermissions(ctx context.Context, roleID int64) ([]string, bool)
	SetRolePermissions(ctx context.Context, roleID int64, perms []string)
	Decision(ctx context.Context, userID int64, permission string) (bool, bool)
	SetDecision(ctx context.Context, userID int64, permission string, granted bool)

	InvalidateUser(ctx context.Context, userID int64)
	InvalidateRole(ctx context.Context, roleID int64)
	InvalidateUsersWithRole(ctx context.Context, roleID int64)
	InvalidateDecision(ctx context.Context, userID int64, permission string)
	InvalidateUserDecisions(ctx context.Context, userID int64)

	WarmUp(ctx context.Context, userID int64)
	Statistics() CacheStatistics
	ClearAll(ctx context.Context)
}

// AuditRecorder persists audit entries for permission mutations.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// PermissionChange describes a mutation published for asynchronous
// consumers.
type PermissionChange struct {
	Action   string    `json:"action"`
	Entity   string    `json:"entity"`
	EntityID string    `json:"entity_id"`
	ActorID  int64     `json:"actor_id"`
	At       time.Time `json:"at"`
}

// EventPublisher hands permission changes to the background queue.
type EventPublisher interface {
	PublishPermissionChange(ctx context.Context, change PermissionChange) error
}

// Service orchestrates permission evaluation, the decision cache, and
// mutation side effects. Mutations invalidate after the change is durably
// committed, never before.
type Service struct {
	store  Store
	cache  DecisionCache
	audit  AuditRecorder
	events EventPublisher
	logger *slog.Logger
	titler cases.Caser
}

// NewService constructs a Service. Audit recorder and event publisher may be
// nil; the matching side effects are then skipped.
func NewService(store Store, cache DecisionCache, audit AuditRecorder, events EventPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		cache:  cache,
		audit:  audit,
		events: events,
		logger: logger,
		titler: cases.Title(language.English),
	}
}

// HasPermission answers the boolean decision for (user, permission), serving
// from the cache when possible and evaluating plus populating on a total
// miss.
func (s *Service) HasPermission(ctx context.Context, userID int64, permission string) (bool, error) {
	if granted, ok := s.cache.Decision(ctx, userID, permission); ok {
		return granted, nil
	}
	result, err := s.Check(ctx, userID, permission)
	if err != nil {
		return false, err
	}
	return result.HasPermission, nil
}

// Check evaluates the full result for (user, permission) and refreshes the
// cached boolean decision.
func (s *Service) Check(ctx context.Context, userID int64, permission string) (EvaluationResult, error) {
	user, roles, catalog, err := s.store.UserAccess(ctx, userID)
	if err != nil {
		return EvaluationResult{}, err
	}
	result, err := Evaluate(user, permission, catalog, roles)
	if err != nil {
		return EvaluationResult{}, err
	}
	s.cache.SetDecision(ctx, userID, permission, result.HasPermission)
	return result, nil
}

// CheckResourceAction is Check addressed by (resource, action).
func (s *Service) CheckResourceAction(ctx context.Context, userID int64, resource, action string) (EvaluationResult, error) {
	name, err := NewPermissionName(resource, action)
	if err != nil {
		return EvaluationResult{}, err
	}
	return s.Check(ctx, userID, name.String())
}

// HasAnyPermission reports whether the user holds at least one of the named
// permissions, using the cache per name. An empty list denies.
func (s *Service) HasAnyPermission(ctx context.Context, userID int64, permissions []string) (bool, error) {
	for _, name := range permissions {
		granted, err := s.HasPermission(ctx, userID, name)
		if err != nil {
			return false, err
		}
		if granted {
			return true, nil
		}
	}
	return false, nil
}

// EffectivePermissions returns the user's complete permission name set,
// cached when possible.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	if perms, ok := s.cache.UserPermissions(ctx, userID); ok {
		return perms, nil
	}
	user, roles, catalog, err := s.store.UserAccess(ctx, userID)
	if err != nil {
		return nil, err
	}
	perms, err := EffectivePermissions(user, catalog, roles)
	if err != nil {
		return nil, err
	}
	s.cache.SetUserPermissions(ctx, userID, perms)
	return perms, nil
}

// RolePermissionNames returns the permission names a role directly grants,
// cached when possible.
func (s *Service) RolePermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	if perms, ok := s.cache.RolePermissions(ctx, roleID); ok {
		return perms, nil
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(role.Permissions))
	for _, p := range role.Permissions {
		names = append(names, p.Name())
	}
	s.cache.SetRolePermissions(ctx, roleID, names)
	return names, nil
}

// WarmUp pre-populates the user's cache entries.
func (s *Service) WarmUp(ctx context.Context, userID int64) {
	s.cache.WarmUp(ctx, userID)
}

// CacheStatistics exposes decision cache counters.
func (s *Service) CacheStatistics() CacheStatistics {
	return s.cache.Statistics()
}

// ClearCache drops every cached entry and resets counters.
func (s *Service) ClearCache(ctx context.Context) {
	s.cache.ClearAll(ctx)
}

// ListRoles returns all roles with grants.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRole returns one role with grants.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.store.GetRole(ctx, id)
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, name, description string) (Role, error) {
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	role, err := s.store.CreateRole(ctx, name, description)
	if err != nil {
		return Role{}, err
	}
	s.recordChange(ctx, "role.create", "role", strconv.FormatInt(role.ID, 10))
	return role, nil
}

// UpdateRole updates a role and invalidates every member's cache.
func (s *Service) UpdateRole(ctx context.Context, id int64, name, description string, isActive bool) (Role, error) {
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	role, err := s.store.UpdateRole(ctx, id, name, description, isActive)
	if err != nil {
		return Role{}, err
	}
	s.cache.InvalidateUsersWithRole(ctx, id)
	s.recordChange(ctx, "role.update", "role", strconv.FormatInt(id, 10))
	return role, nil
}

// DeleteRole removes a role. Member ids are captured before the delete so
// the fan-out still reaches them afterwards.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	memberIDs, err := s.store.UserIDsWithRole(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	for _, userID := range memberIDs {
		s.cache.InvalidateUser(ctx, userID)
		s.cache.InvalidateUserDecisions(ctx, userID)
	}
	s.cache.InvalidateRole(ctx, id)
	s.recordChange(ctx, "role.delete", "role", strconv.FormatInt(id, 10))
	return nil
}

// SetRolePermissions replaces the role's grant set and fans out the
// invalidation to every member.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if err := s.store.SetRolePermissions(ctx, roleID, permissionIDs); err != nil {
		return err
	}
	s.cache.InvalidateUsersWithRole(ctx, roleID)
	s.recordChange(ctx, "role.permissions", "role", strconv.FormatInt(roleID, 10))
	return nil
}

// AssignRole attaches a role to a user.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) error {
	if err := s.store.AssignRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.cache.InvalidateUser(ctx, userID)
	s.cache.InvalidateUserDecisions(ctx, userID)
	s.recordChange(ctx, "user.role.assign", "user", strconv.FormatInt(userID, 10))
	return nil
}

// RemoveRole detaches a role from a user.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID int64) error {
	if err := s.store.RemoveRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.cache.InvalidateUser(ctx, userID)
	s.cache.InvalidateUserDecisions(ctx, userID)
	s.recordChange(ctx, "user.role.remove", "user", strconv.FormatInt(userID, 10))
	return nil
}

// ListPermissions returns the catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// CreatePermission validates and inserts a new permission definition.
func (s *Service) CreatePermission(ctx context.Context, resource, action, description, category string, parentID *int64) (Permission, error) {
	name, err := NewPermissionName(resource, action)
	if err != nil {
		return Permission{}, err
	}
	if parentID != nil {
		catalog, err := s.store.Catalog(ctx)
		if err != nil {
			return Permission{}, err
		}
		if _, ok := catalog.LookupID(*parentID); !ok {
			return Permission{}, fmt.Errorf("parent permission %d: %w", *parentID, ErrNotFound)
		}
	}
	perm, err := s.store.CreatePermission(ctx, Permission{
		Resource:    name.Resource(),
		Action:      name.Action(),
		Description: description,
		Category:    s.titler.String(category),
		ParentID:    parentID,
	})
	if err != nil {
		return Permission{}, err
	}
	// A new child extends the effective set of every parent-holder, and a
	// denial cached for the name before it existed is now wrong.
	s.cache.ClearAll(ctx)
	s.recordChange(ctx, "permission.create", "permission", strconv.FormatInt(perm.ID, 10))
	return perm, nil
}

// SetPermissionActive toggles a permission's activity. Activity changes
// affect every cached evaluation, so the whole cache is cleared.
func (s *Service) SetPermissionActive(ctx context.Context, id int64, active bool) error {
	if err := s.store.SetPermissionActive(ctx, id, active); err != nil {
		return err
	}
	s.cache.ClearAll(ctx)
	action := "permission.deactivate"
	if active {
		action = "permission.activate"
	}
	s.recordChange(ctx, action, "permission", strconv.FormatInt(id, 10))
	return nil
}

// ListOverrides returns every stored override for the user.
func (s *Service) ListOverrides(ctx context.Context, userID int64) ([]UserPermission, error) {
	return s.store.ListOverrides(ctx, userID)
}

// UpsertOverride stores a per-user override. The expiry, when set, must be in
// the future.
func (s *Service) UpsertOverride(ctx context.Context, o UserPermission) error {
	if o.State != OverrideGrant && o.State != OverrideDeny {
		return fmt.Errorf("rbac: invalid override state %q", o.State)
	}
	if o.ExpiresAt != nil && !o.ExpiresAt.After(time.Now().UTC()) {
		return ErrExpiryInPast
	}
	if err := s.store.UpsertOverride(ctx, o); err != nil {
		return err
	}
	s.cache.InvalidateUser(ctx, o.UserID)
	s.cache.InvalidateUserDecisions(ctx, o.UserID)
	s.recordChange(ctx, "user.override.set", "user", strconv.FormatInt(o.UserID, 10))
	return nil
}

// DeleteOverride removes a per-user override.
func (s *Service) DeleteOverride(ctx context.Context, userID, permissionID int64) error {
	if err := s.store.DeleteOverride(ctx, userID, permissionID); err != nil {
		return err
	}
	s.cache.InvalidateUser(ctx, userID)
	s.cache.InvalidateUserDecisions(ctx, userID)
	s.recordChange(ctx, "user.override.delete", "user", strconv.FormatInt(userID, 10))
	return nil
}

func (s *Service) recordChange(ctx context.Context, action, entity, entityID string) {
	actorID := actorFromContext(ctx)
	if s.audit != nil {
		entry := shared.AuditLog{
			ActorID:  actorID,
			Action:   action,
			Entity:   entity,
			EntityID: entityID,
			At:       time.Now().UTC(),
		}
		if err := s.audit.Record(ctx, entry); err != nil {
			s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
		}
	}
	if s.events != nil {
		change := PermissionChange{
			Action:   action,
			Entity:   entity,
			EntityID: entityID,
			ActorID:  actorID,
			At:       time.Now().UTC(),
		}
		if err := s.events.PublishPermissionChange(ctx, change); err != nil {
			s.logger.Warn("publish permission change", slog.String("action", action), slog.Any("error", err))
		}
	}
}

func actorFromContext(ctx context.Context) int64 {
	sess := shared.SessionFromContext(ctx)
	if sess == nil {
		return 0
	}
	id, err := strconv.ParseInt(sess.User(), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
