package rbac

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"
)

type stubStore struct {
	user    *User
	roles   []Role
	catalog *Catalog

	members []int64

	accessCalls  int
	deletedRoles []int64
	overrides    []UserPermission
}

func (s *stubStore) UserAccess(context.Context, int64) (*User, []Role, *Catalog, error) {
	s.accessCalls++
	return s.user, s.roles, s.catalog, nil
}

func (s *stubStore) Catalog(context.Context) (*Catalog, error) { return s.catalog, nil }

func (s *stubStore) UserIDsWithRole(context.Context, int64) ([]int64, error) {
	return s.members, nil
}

func (s *stubStore) ListRoles(context.Context) ([]Role, error) { return s.roles, nil }

func (s *stubStore) GetRole(_ context.Context, id int64) (Role, error) {
	for _, r := range s.roles {
		if r.ID == id {
			return r, nil
		}
	}
	return Role{}, ErrNotFound
}

func (s *stubStore) CreateRole(_ context.Context, name, description string) (Role, error) {
	role := Role{ID: int64(len(s.roles) + 1), Name: name, Description: description, IsActive: true}
	s.roles = append(s.roles, role)
	return role, nil
}

func (s *stubStore) UpdateRole(_ context.Context, id int64, name, description string, isActive bool) (Role, error) {
	return Role{ID: id, Name: name, Description: description, IsActive: isActive}, nil
}

func (s *stubStore) DeleteRole(_ context.Context, id int64) error {
	s.deletedRoles = append(s.deletedRoles, id)
	s.members = nil
	return nil
}

func (s *stubStore) SetRolePermissions(context.Context, int64, []int64) error { return nil }
func (s *stubStore) AssignRole(context.Context, int64, int64) error           { return nil }
func (s *stubStore) RemoveRole(context.Context, int64, int64) error           { return nil }

func (s *stubStore) ListPermissions(context.Context) ([]Permission, error) {
	return s.catalog.Permissions(), nil
}

func (s *stubStore) CreatePermission(_ context.Context, p Permission) (Permission, error) {
	p.ID = int64(s.catalog.Len() + 100)
	return p, nil
}

func (s *stubStore) SetPermissionActive(context.Context, int64, bool) error { return nil }

func (s *stubStore) ListOverrides(context.Context, int64) ([]UserPermission, error) {
	return s.overrides, nil
}

func (s *stubStore) UpsertOverride(_ context.Context, o UserPermission) error {
	s.overrides = append(s.overrides, o)
	return nil
}

func (s *stubStore) DeleteOverride(context.Context, int64, int64) error { return nil }

type spyCache struct {
	decisions map[string]bool
	userSets  map[int64][]string

	setDecisions     int
	invalidatedUsers []int64
	invalidatedRoles []int64
	fanOutRoles      []int64
	decisionDrops    []int64
	warmedUsers      []int64
	cleared          int
}

func newSpyCache() *spyCache {
	return &spyCache{decisions: make(map[string]bool), userSets: make(map[int64][]string)}
}

func decisionTestKey(userID int64, permission string) string {
	return strconv.FormatInt(userID, 10) + "|" + permission
}

func (c *spyCache) UserPermissions(_ context.Context, userID int64) ([]string, bool) {
	perms, ok := c.userSets[userID]
	return perms, ok
}

func (c *spyCache) SetUserPermissions(_ context.Context, userID int64, perms []string) {
	c.userSets[userID] = perms
}

func (c *spyCache) RolePermissions(context.Context, int64) ([]string, bool) { return nil, false }
func (c *spyCache) SetRolePermissions(context.Context, int64, []string)     {}

func (c *spyCache) Decision(_ context.Context, userID int64, permission string) (bool, bool) {
	granted, ok := c.decisions[decisionTestKey(userID, permission)]
	return granted, ok
}

func (c *spyCache) SetDecision(_ context.Context, userID int64, permission string, granted bool) {
	c.setDecisions++
	c.decisions[decisionTestKey(userID, permission)] = granted
}

func (c *spyCache) InvalidateUser(_ context.Context, userID int64) {
	c.invalidatedUsers = append(c.invalidatedUsers, userID)
	delete(c.userSets, userID)
}

func (c *spyCache) InvalidateRole(_ context.Context, roleID int64) {
	c.invalidatedRoles = append(c.invalidatedRoles, roleID)
}

func (c *spyCache) InvalidateUsersWithRole(_ context.Context, roleID int64) {
	c.fanOutRoles = append(c.fanOutRoles, roleID)
}

func (c *spyCache) InvalidateDecision(context.Context, int64, string) {}

func (c *spyCache) InvalidateUserDecisions(_ context.Context, userID int64) {
	c.decisionDrops = append(c.decisionDrops, userID)
}

func (c *spyCache) WarmUp(_ context.Context, userID int64) {
	c.warmedUsers = append(c.warmedUsers, userID)
}

func (c *spyCache) Statistics() CacheStatistics { return CacheStatistics{} }

func (c *spyCache) ClearAll(context.Context) { c.cleared++ }

func newTestService(store *stubStore, cache *spyCache) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, cache, nil, nil, logger)
}

func serviceFixture() *stubStore {
	return &stubStore{
		user:    &User{ID: 1, Email: "admin@example.com", IsActive: true},
		roles:   []Role{adminRole()},
		catalog: testCatalog(),
	}
}

func TestHasPermissionCachedDecisionSkipsStore(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	cache.decisions[decisionTestKey(1, "users.read")] = true
	svc := newTestService(store, cache)

	granted, err := svc.HasPermission(context.Background(), 1, "users.read")
	if err != nil {
		t.Fatalf("HasPermission: %v", err)
	}
	if !granted {
		t.Fatal("expected cached grant")
	}
	if store.accessCalls != 0 {
		t.Fatalf("expected no store access on cache hit, got %d", store.accessCalls)
	}
}

func TestHasPermissionMissEvaluatesAndCaches(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	svc := newTestService(store, cache)

	granted, err := svc.HasPermission(context.Background(), 1, "users.read")
	if err != nil {
		t.Fatalf("HasPermission: %v", err)
	}
	if !granted {
		t.Fatal("expected grant through role")
	}
	if store.accessCalls != 1 {
		t.Fatalf("expected one store access, got %d", store.accessCalls)
	}
	if cache.setDecisions != 1 {
		t.Fatalf("expected decision write-back, got %d", cache.setDecisions)
	}

	// Second call serves from the cache.
	if _, err := svc.HasPermission(context.Background(), 1, "users.read"); err != nil {
		t.Fatalf("HasPermission again: %v", err)
	}
	if store.accessCalls != 1 {
		t.Fatalf("expected cache to serve second call, got %d store accesses", store.accessCalls)
	}
}

func TestCheckReportsSourceDetail(t *testing.T) {
	store := serviceFixture()
	svc := newTestService(store, newSpyCache())

	result, err := svc.Check(context.Background(), 1, "users.create")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !result.HasPermission {
		t.Fatal("expected inherited grant")
	}
	if result.Source != SourceInheritance {
		t.Fatalf("expected inheritance source, got %s", result.Source)
	}
	if result.ParentPermission != "users.manage" {
		t.Fatalf("expected parent users.manage, got %q", result.ParentPermission)
	}
}

func TestEffectivePermissionsCached(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	svc := newTestService(store, cache)

	first, err := svc.EffectivePermissions(context.Background(), 1)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("expected non-empty effective set")
	}
	second, err := svc.EffectivePermissions(context.Background(), 1)
	if err != nil {
		t.Fatalf("EffectivePermissions again: %v", err)
	}
	if store.accessCalls != 1 {
		t.Fatalf("expected cached second read, got %d store accesses", store.accessCalls)
	}
	if len(second) != len(first) {
		t.Fatalf("cached set differs: %v vs %v", second, first)
	}
}

func TestUpdateRoleFansOutInvalidation(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	svc := newTestService(store, cache)

	if _, err := svc.UpdateRole(context.Background(), 7, "auditor", "", true); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if len(cache.fanOutRoles) != 1 || cache.fanOutRoles[0] != 7 {
		t.Fatalf("expected fan-out for role 7, got %v", cache.fanOutRoles)
	}
}

func TestSetRolePermissionsFansOutInvalidation(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	svc := newTestService(store, cache)

	if err := svc.SetRolePermissions(context.Background(), 7, []int64{1, 2}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if len(cache.fanOutRoles) != 1 || cache.fanOutRoles[0] != 7 {
		t.Fatalf("expected fan-out for role 7, got %v", cache.fanOutRoles)
	}
}

func TestDeleteRoleInvalidatesFormerMembers(t *testing.T) {
	store := serviceFixture()
	store.members = []int64{3, 4}
	cache := newSpyCache()
	svc := newTestService(store, cache)

	if err := svc.DeleteRole(context.Background(), 7); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if len(cache.invalidatedUsers) != 2 {
		t.Fatalf("expected both former members invalidated, got %v", cache.invalidatedUsers)
	}
	if len(cache.invalidatedRoles) != 1 || cache.invalidatedRoles[0] != 7 {
		t.Fatalf("expected role entry invalidated, got %v", cache.invalidatedRoles)
	}
}

func TestAssignRoleInvalidatesUser(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	svc := newTestService(store, cache)

	if err := svc.AssignRole(context.Background(), 9, 7); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if len(cache.invalidatedUsers) != 1 || cache.invalidatedUsers[0] != 9 {
		t.Fatalf("expected user 9 invalidated, got %v", cache.invalidatedUsers)
	}
	if len(cache.decisionDrops) != 1 || cache.decisionDrops[0] != 9 {
		t.Fatalf("expected user 9 decisions dropped, got %v", cache.decisionDrops)
	}
}

func TestSetPermissionActiveClearsCache(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	svc := newTestService(store, cache)

	if err := svc.SetPermissionActive(context.Background(), 2, false); err != nil {
		t.Fatalf("SetPermissionActive: %v", err)
	}
	if cache.cleared != 1 {
		t.Fatalf("activity toggle must clear the whole cache, got %d clears", cache.cleared)
	}
}

func TestCreatePermissionClearsCache(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	cache.userSets[1] = []string{"users.manage"}
	cache.decisions[decisionTestKey(1, "users.update")] = false
	svc := newTestService(store, cache)

	parent := int64(1)
	if _, err := svc.CreatePermission(context.Background(), "users", "update", "", "core", &parent); err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if cache.cleared != 1 {
		t.Fatalf("create must clear the whole cache, got %d clears", cache.cleared)
	}
}

func TestUpsertOverrideRejectsPastExpiry(t *testing.T) {
	store := serviceFixture()
	svc := newTestService(store, newSpyCache())

	past := time.Now().Add(-time.Hour)
	err := svc.UpsertOverride(context.Background(), UserPermission{
		UserID:       1,
		PermissionID: 2,
		State:        OverrideDeny,
		ExpiresAt:    &past,
	})
	if err != ErrExpiryInPast {
		t.Fatalf("expected ErrExpiryInPast, got %v", err)
	}
	if len(store.overrides) != 0 {
		t.Fatalf("nothing must be stored, got %v", store.overrides)
	}
}

func TestUpsertOverrideRejectsUnknownState(t *testing.T) {
	svc := newTestService(serviceFixture(), newSpyCache())

	err := svc.UpsertOverride(context.Background(), UserPermission{
		UserID:       1,
		PermissionID: 2,
		State:        OverrideState("maybe"),
	})
	if err == nil {
		t.Fatal("expected invalid state error")
	}
}

func TestWarmUpDelegatesToCache(t *testing.T) {
	cache := newSpyCache()
	svc := newTestService(serviceFixture(), cache)

	svc.WarmUp(context.Background(), 5)
	if len(cache.warmedUsers) != 1 || cache.warmedUsers[0] != 5 {
		t.Fatalf("expected warm-up for user 5, got %v", cache.warmedUsers)
	}
}

func TestCreatePermissionRequiresKnownParent(t *testing.T) {
	svc := newTestService(serviceFixture(), newSpyCache())

	missing := int64(999)
	if _, err := svc.CreatePermission(context.Background(), "reports", "export", "", "reporting", &missing); err == nil {
		t.Fatal("expected error for unknown parent")
	}
}
