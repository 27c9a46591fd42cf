package rbac

import (
	"errors"
	"strings"
	"time"
)

// Input contract violations surfaced before evaluation begins. These are
// caller bugs, never evaluation outcomes.
var (
	ErrUserRequired    = errors.New("rbac: user required")
	ErrCatalogRequired = errors.New("rbac: catalog required")
	ErrBlankPermission = errors.New("rbac: permission name required")
)

// Evaluate decides whether the user holds the named permission, using the
// current wall clock for override expiry. The precedence order is strict:
// existence and activity of the permission, then an active user override,
// then role grants including one-hop parent inheritance, then deny.
func Evaluate(user *User, permissionName string, catalog *Catalog, roles []Role) (EvaluationResult, error) {
	return EvaluateAt(user, permissionName, catalog, roles, time.Now().UTC())
}

// EvaluateAt is Evaluate with an explicit evaluation instant.
func EvaluateAt(user *User, permissionName string, catalog *Catalog, roles []Role, now time.Time) (EvaluationResult, error) {
	if user == nil {
		return EvaluationResult{}, ErrUserRequired
	}
	if catalog == nil {
		return EvaluationResult{}, ErrCatalogRequired
	}
	if strings.TrimSpace(permissionName) == "" {
		return EvaluationResult{}, ErrBlankPermission
	}

	perm, ok := catalog.Lookup(permissionName)
	if !ok {
		return denied("permission does not exist"), nil
	}
	if !perm.IsActive {
		return denied("permission is not active"), nil
	}

	if override, ok := user.OverrideFor(perm.ID); ok && override.IsActiveAt(now) {
		o := override
		if o.State == OverrideDeny {
			return EvaluationResult{
				HasPermission: false,
				Source:        SourceUserOverride,
				Reason:        "explicitly denied by user override",
				Override:      &o,
			}, nil
		}
		return EvaluationResult{
			HasPermission: true,
			Source:        SourceUserOverride,
			Reason:        "explicitly granted by user override",
			Override:      &o,
		}, nil
	}

	var direct, inherited []string
	parentName := ""
	for _, role := range roles {
		if !role.IsActive {
			continue
		}
		if role.HoldsPermission(perm.ID) {
			direct = append(direct, role.Name)
			continue
		}
		if perm.ParentID == nil {
			continue
		}
		// One hop only: holding the direct parent implies holding the child.
		if role.HoldsPermission(*perm.ParentID) {
			inherited = append(inherited, role.Name)
			if parent, ok := catalog.LookupID(*perm.ParentID); ok {
				parentName = parent.Name()
			}
		}
	}
	if len(direct) > 0 {
		return EvaluationResult{
			HasPermission: true,
			Source:        SourceRole,
			Reason:        "granted through role",
			GrantingRoles: direct,
		}, nil
	}
	if len(inherited) > 0 {
		return EvaluationResult{
			HasPermission:    true,
			Source:           SourceInheritance,
			Reason:           "granted through parent permission held by role",
			GrantingRoles:    inherited,
			ParentPermission: parentName,
		}, nil
	}
	return denied("user does not have permission through any role"), nil
}

// EvaluateResourceAction is Evaluate addressed by (resource, action).
func EvaluateResourceAction(user *User, resource, action string, catalog *Catalog, roles []Role) (EvaluationResult, error) {
	name, err := NewPermissionName(resource, action)
	if err != nil {
		return EvaluationResult{}, err
	}
	return Evaluate(user, name.String(), catalog, roles)
}

// HasPermission reports whether the user holds the named permission.
func HasPermission(user *User, permissionName string, catalog *Catalog, roles []Role) (bool, error) {
	result, err := Evaluate(user, permissionName, catalog, roles)
	if err != nil {
		return false, err
	}
	return result.HasPermission, nil
}

// HasResourceAction reports whether the user holds the (resource, action) pair.
func HasResourceAction(user *User, resource, action string, catalog *Catalog, roles []Role) (bool, error) {
	result, err := EvaluateResourceAction(user, resource, action, catalog, roles)
	if err != nil {
		return false, err
	}
	return result.HasPermission, nil
}

// HasAnyPermission reports whether the user holds at least one of the named
// permissions. Evaluations are independent and short-circuit on the first
// grant; an empty list is a denial, not an error.
func HasAnyPermission(user *User, permissionNames []string, catalog *Catalog, roles []Role) (bool, error) {
	for _, name := range permissionNames {
		ok, err := HasPermission(user, name, catalog, roles)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// HasHierarchicalPermission reports whether the user holds the named
// permission either directly or because a role holds the permission's direct
// parent. Inheritance is one hop per call; callers needing deeper ancestor
// chains evaluate per ancestor or use EffectivePermissions, which applies the
// same rule across the whole catalog.
func HasHierarchicalPermission(user *User, permissionName string, catalog *Catalog, roles []Role) (bool, error) {
	return HasPermission(user, permissionName, catalog, roles)
}
