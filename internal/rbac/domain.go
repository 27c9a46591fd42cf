package rbac

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PermissionName is the stable unique identity of a permission, derived from
// its resource and action as "resource.action".
type PermissionName struct {
	resource string
	action   string
}

// NewPermissionName validates resource and action and builds the identity.
func NewPermissionName(resource, action string) (PermissionName, error) {
	resource = strings.TrimSpace(strings.ToLower(resource))
	action = strings.TrimSpace(strings.ToLower(action))
	if resource == "" {
		return PermissionName{}, errors.New("rbac: permission resource required")
	}
	if action == "" {
		return PermissionName{}, errors.New("rbac: permission action required")
	}
	return PermissionName{resource: resource, action: action}, nil
}

// Resource returns the resource component.
func (n PermissionName) Resource() string { return n.resource }

// Action returns the action component.
func (n PermissionName) Action() string { return n.action }

// String renders the canonical "resource.action" form.
func (n PermissionName) String() string { return n.resource + "." + n.action }

// Permission represents an atomic capability, optionally parented under a
// broader permission. The catalog of permissions forms a forest.
type Permission struct {
	ID          int64
	Resource    string
	Action      string
	Description string
	Category    string
	IsActive    bool
	ParentID    *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Name returns the derived unique permission name.
func (p Permission) Name() string {
	return strings.ToLower(p.Resource) + "." + strings.ToLower(p.Action)
}

// Role represents a named bundle of directly assigned permissions.
type Role struct {
	ID          int64
	Name        string
	Description string
	IsActive    bool
	Permissions []Permission
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HoldsPermission reports whether the role directly holds the permission with
// the given id.
func (r Role) HoldsPermission(permissionID int64) bool {
	for _, p := range r.Permissions {
		if p.ID == permissionID {
			return true
		}
	}
	return false
}

// OverrideState distinguishes explicit per-user grants from denials.
type OverrideState string

const (
	// OverrideGrant widens access beyond what roles imply.
	OverrideGrant OverrideState = "grant"
	// OverrideDeny narrows access below what roles imply.
	OverrideDeny OverrideState = "deny"
)

// UserPermission is a per-user, per-permission explicit override. At most one
// override exists per (user, permission) pair; the storage layer enforces it.
type UserPermission struct {
	UserID       int64
	PermissionID int64
	State        OverrideState
	Reason       string
	ExpiresAt    *time.Time
	CreatedAt    time.Time
}

// IsActiveAt reports whether the override is in effect at the given instant.
// Expired overrides stay stored but never affect evaluation.
func (o UserPermission) IsActiveAt(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// User is the evaluation snapshot of a user: identity plus override set. Role
// memberships travel separately so callers can reuse role snapshots.
type User struct {
	ID        int64
	Email     string
	IsActive  bool
	Overrides []UserPermission
}

// OverrideFor returns the user's override for the permission, if present.
func (u *User) OverrideFor(permissionID int64) (UserPermission, bool) {
	for _, o := range u.Overrides {
		if o.PermissionID == permissionID {
			return o, true
		}
	}
	return UserPermission{}, false
}

// Catalog is an immutable-during-evaluation snapshot of all permission
// definitions, indexed by id and by derived name.
type Catalog struct {
	permissions []Permission
	byID        map[int64]Permission
	byName      map[string]Permission
}

// NewCatalog builds a catalog snapshot from permission definitions.
func NewCatalog(permissions []Permission) *Catalog {
	c := &Catalog{
		permissions: permissions,
		byID:        make(map[int64]Permission, len(permissions)),
		byName:      make(map[string]Permission, len(permissions)),
	}
	for _, p := range permissions {
		c.byID[p.ID] = p
		c.byName[p.Name()] = p
	}
	return c
}

// Lookup resolves a permission by its derived name.
func (c *Catalog) Lookup(name string) (Permission, bool) {
	p, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// LookupID resolves a permission by id.
func (c *Catalog) LookupID(id int64) (Permission, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Permissions returns every permission in the snapshot.
func (c *Catalog) Permissions() []Permission {
	return c.permissions
}

// Len returns the number of permissions in the snapshot.
func (c *Catalog) Len() int { return len(c.permissions) }

// DecisionSource identifies which precedence rule produced a result.
type DecisionSource string

const (
	// SourceNone marks a denial with no matching rule, including unknown and
	// inactive permissions.
	SourceNone DecisionSource = "none"
	// SourceUserOverride marks a result produced by an explicit override.
	SourceUserOverride DecisionSource = "user_override"
	// SourceRole marks a grant from a role that directly holds the permission.
	SourceRole DecisionSource = "role"
	// SourceInheritance marks a grant from a role holding the permission's parent.
	SourceInheritance DecisionSource = "inheritance"
)

// EvaluationResult explains a single permission decision.
type EvaluationResult struct {
	HasPermission bool
	Source        DecisionSource
	Reason        string
	// Override references the triggering override when Source is
	// SourceUserOverride.
	Override *UserPermission
	// GrantingRoles lists the role names that produced the grant when Source
	// is SourceRole or SourceInheritance.
	GrantingRoles []string
	// ParentPermission names the parent that was actually held when Source is
	// SourceInheritance.
	ParentPermission string
}

func denied(reason string) EvaluationResult {
	return EvaluationResult{HasPermission: false, Source: SourceNone, Reason: reason}
}

func (r EvaluationResult) String() string {
	return fmt.Sprintf("granted=%t source=%s reason=%q", r.HasPermission, r.Source, r.Reason)
}
