package rbac

import (
	"testing"
	"time"
)

var evalNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testCatalog() *Catalog {
	manage := Permission{ID: 1, Resource: "users", Action: "manage", IsActive: true}
	return NewCatalog([]Permission{
		manage,
		{ID: 2, Resource: "users", Action: "read", IsActive: true},
		{ID: 3, Resource: "users", Action: "create", IsActive: true, ParentID: ptrInt64(1)},
		{ID: 4, Resource: "users", Action: "delete", IsActive: false},
		{ID: 5, Resource: "reports", Action: "view", IsActive: true},
	})
}

func ptrInt64(v int64) *int64 { return &v }

func ptrTime(t time.Time) *time.Time { return &t }

func adminRole() Role {
	return Role{ID: 10, Name: "Admin", IsActive: true, Permissions: []Permission{
		{ID: 2, Resource: "users", Action: "read", IsActive: true},
	}}
}

func managerRole() Role {
	return Role{ID: 11, Name: "Manager", IsActive: true, Permissions: []Permission{
		{ID: 1, Resource: "users", Action: "manage", IsActive: true},
	}}
}

func TestEvaluateInputContract(t *testing.T) {
	catalog := testCatalog()
	if _, err := Evaluate(nil, "users.read", catalog, nil); err != ErrUserRequired {
		t.Fatalf("expected ErrUserRequired, got %v", err)
	}
	if _, err := Evaluate(&User{ID: 1}, "  ", catalog, nil); err != ErrBlankPermission {
		t.Fatalf("expected ErrBlankPermission, got %v", err)
	}
	if _, err := Evaluate(&User{ID: 1}, "users.read", nil, nil); err != ErrCatalogRequired {
		t.Fatalf("expected ErrCatalogRequired, got %v", err)
	}
	if _, err := EvaluateResourceAction(&User{ID: 1}, "users", "", catalog, nil); err == nil {
		t.Fatalf("expected error for blank action")
	}
}

func TestEvaluateUnknownPermission(t *testing.T) {
	result, err := EvaluateAt(&User{ID: 1}, "users.unknown", testCatalog(), []Role{adminRole()}, evalNow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.HasPermission || result.Source != SourceNone {
		t.Fatalf("expected denial with source none, got %s", result)
	}
	if result.Reason != "permission does not exist" {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
}

func TestEvaluateInactivePermissionAlwaysWins(t *testing.T) {
	// An active Grant override and a direct role grant both lose to an
	// inactive permission.
	user := &User{ID: 1, Overrides: []UserPermission{
		{UserID: 1, PermissionID: 4, State: OverrideGrant},
	}}
	role := Role{ID: 12, Name: "Cleaner", IsActive: true, Permissions: []Permission{
		{ID: 4, Resource: "users", Action: "delete"},
	}}
	result, err := EvaluateAt(user, "users.delete", testCatalog(), []Role{role}, evalNow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.HasPermission {
		t.Fatalf("inactive permission must never be granted: %s", result)
	}
	if result.Source != SourceNone || result.Reason != "permission is not active" {
		t.Fatalf("unexpected result %s", result)
	}
}

func TestEvaluateDenyOverrideBeatsRoleGrant(t *testing.T) {
	user := &User{ID: 1, Overrides: []UserPermission{
		{UserID: 1, PermissionID: 2, State: OverrideDeny, Reason: "incident 4021"},
	}}
	result, err := EvaluateAt(user, "users.read", testCatalog(), []Role{adminRole()}, evalNow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.HasPermission {
		t.Fatalf("deny override must beat role grant: %s", result)
	}
	if result.Source != SourceUserOverride {
		t.Fatalf("expected override source, got %s", result.Source)
	}
	if result.Override == nil || result.Override.Reason != "incident 4021" {
		t.Fatalf("expected triggering override reference")
	}
}

func TestEvaluateGrantOverrideWithoutRole(t *testing.T) {
	user := &User{ID: 1, Overrides: []UserPermission{
		{UserID: 1, PermissionID: 5, State: OverrideGrant},
	}}
	result, err := EvaluateAt(user, "reports.view", testCatalog(), nil, evalNow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.HasPermission || result.Source != SourceUserOverride {
		t.Fatalf("grant override must grant without roles: %s", result)
	}
}

func TestEvaluateExpiredOverrideIsInert(t *testing.T) {
	expired := &User{ID: 1, Overrides: []UserPermission{
		{UserID: 1, PermissionID: 2, State: OverrideDeny, ExpiresAt: ptrTime(evalNow.Add(-time.Hour))},
	}}
	bare := &User{ID: 1}
	catalog := testCatalog()
	roles := []Role{adminRole()}

	got, err := EvaluateAt(expired, "users.read", catalog, roles, evalNow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	want, err := EvaluateAt(bare, "users.read", catalog, roles, evalNow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got.HasPermission != want.HasPermission || got.Source != want.Source {
		t.Fatalf("expired override changed outcome: got %s want %s", got, want)
	}
	if !got.HasPermission || got.Source != SourceRole {
		t.Fatalf("expected role grant, got %s", got)
	}
}

func TestEvaluateFutureExpiryStillActive(t *testing.T) {
	user := &User{ID: 1, Overrides: []UserPermission{
		{UserID: 1, PermissionID: 2, State: OverrideDeny, ExpiresAt: ptrTime(evalNow.Add(time.Hour))},
	}}
	result, err := EvaluateAt(user, "users.read", testCatalog(), []Role{adminRole()}, evalNow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.HasPermission || result.Source != SourceUserOverride {
		t.Fatalf("override with future expiry must apply: %s", result)
	}
}

func TestEvaluateDirectRoleGrant(t *testing.T) {
	result, err := EvaluateAt(&User{ID: 1}, "users.read", testCatalog(), []Role{adminRole()}, evalNow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.HasPermission || result.Source != SourceRole {
		t.Fatalf("expected direct role grant, got %s", result)
	}
	if len(result.GrantingRoles) != 1 || result.GrantingRoles[0] != "Admin" {
		t.Fatalf("expected granting roles [Admin], got %v", result.GrantingRoles)
	}
}

func TestEvaluateOneHopInheritance(t *testing.T) {
	result, err := EvaluateAt(&User{ID: 1}, "users.create", testCatalog(), []Role{managerRole()}, evalNow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.HasPermission || result.Source != SourceInheritance {
		t.Fatalf("expected inherited grant, got %s", result)
	}
	if result.ParentPermission != "users.manage" {
		t.Fatalf("expected parent users.manage, got %q", result.ParentPermission)
	}
	if len(result.GrantingRoles) != 1 || result.GrantingRoles[0] != "Manager" {
		t.Fatalf("expected granting roles [Manager], got %v", result.GrantingRoles)
	}
}

func TestEvaluateDirectGrantPreferredOverInheritance(t *testing.T) {
	// Manager holds the parent, Writer holds the child directly. The result
	// must attribute the grant to the direct path.
	writer := Role{ID: 13, Name: "Writer", IsActive: true, Permissions: []Permission{
		{ID: 3, Resource: "users", Action: "create", IsActive: true, ParentID: ptrInt64(1)},
	}}
	result, err := EvaluateAt(&User{ID: 1}, "users.create", testCatalog(), []Role{managerRole(), writer}, evalNow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Source != SourceRole {
		t.Fatalf("direct grant must win over inheritance, got %s", result.Source)
	}
	if len(result.GrantingRoles) != 1 || result.GrantingRoles[0] != "Writer" {
		t.Fatalf("expected granting roles [Writer], got %v", result.GrantingRoles)
	}
}

func TestEvaluateInactiveRoleIgnored(t *testing.T) {
	role := adminRole()
	role.IsActive = false
	result, err := EvaluateAt(&User{ID: 1}, "users.read", testCatalog(), []Role{role}, evalNow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.HasPermission {
		t.Fatalf("inactive role must not grant: %s", result)
	}
	if result.Reason != "user does not have permission through any role" {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
}

func TestEvaluateDenyOverrideBeatsInheritedGrant(t *testing.T) {
	user := &User{ID: 1, Overrides: []UserPermission{
		{UserID: 1, PermissionID: 3, State: OverrideDeny},
	}}
	result, err := EvaluateAt(user, "users.create", testCatalog(), []Role{managerRole()}, evalNow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.HasPermission || result.Source != SourceUserOverride {
		t.Fatalf("deny override must beat inherited grant: %s", result)
	}
}

func TestHasAnyPermission(t *testing.T) {
	user := &User{ID: 1}
	catalog := testCatalog()
	roles := []Role{adminRole()}

	ok, err := HasAnyPermission(user, []string{"reports.view", "users.read"}, catalog, roles)
	if err != nil {
		t.Fatalf("has any: %v", err)
	}
	if !ok {
		t.Fatalf("expected grant via users.read")
	}

	ok, err = HasAnyPermission(user, []string{"reports.view", "users.delete"}, catalog, roles)
	if err != nil {
		t.Fatalf("has any: %v", err)
	}
	if ok {
		t.Fatalf("expected denial for all names")
	}

	ok, err = HasAnyPermission(user, nil, catalog, roles)
	if err != nil {
		t.Fatalf("has any: %v", err)
	}
	if ok {
		t.Fatalf("empty name list must deny")
	}
}

func TestHasHierarchicalPermission(t *testing.T) {
	ok, err := HasHierarchicalPermission(&User{ID: 1}, "users.create", testCatalog(), []Role{managerRole()})
	if err != nil {
		t.Fatalf("hierarchical: %v", err)
	}
	if !ok {
		t.Fatalf("expected one-hop grant through users.manage")
	}
}

func TestPermissionNameValidation(t *testing.T) {
	name, err := NewPermissionName(" Users ", "Read")
	if err != nil {
		t.Fatalf("new permission name: %v", err)
	}
	if name.String() != "users.read" {
		t.Fatalf("expected canonical users.read, got %q", name.String())
	}
	if _, err := NewPermissionName("", "read"); err == nil {
		t.Fatalf("expected error for blank resource")
	}
	if _, err := NewPermissionName("users", " "); err == nil {
		t.Fatalf("expected error for blank action")
	}
}
