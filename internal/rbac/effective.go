package rbac

import (
	"sort"
	"time"
)

// EffectivePermissions derives the complete set of permission names the user
// currently holds: the union of active permissions held by active roles, plus
// every active permission whose direct parent is held by an active role, minus
// active Deny overrides, plus active Grant overrides. A Grant override never
// revives an inactive permission.
func EffectivePermissions(user *User, catalog *Catalog, roles []Role) ([]string, error) {
	return EffectivePermissionsAt(user, catalog, roles, time.Now().UTC())
}

// EffectivePermissionsAt is EffectivePermissions with an explicit instant for
// override expiry. The returned names are sorted for stable output.
func EffectivePermissionsAt(user *User, catalog *Catalog, roles []Role, now time.Time) ([]string, error) {
	if user == nil {
		return nil, ErrUserRequired
	}
	if catalog == nil {
		return nil, ErrCatalogRequired
	}

	heldIDs := make(map[int64]struct{})
	for _, role := range roles {
		if !role.IsActive {
			continue
		}
		for _, p := range role.Permissions {
			heldIDs[p.ID] = struct{}{}
		}
	}

	base := make(map[string]struct{})
	for _, p := range catalog.Permissions() {
		if !p.IsActive {
			continue
		}
		if _, ok := heldIDs[p.ID]; ok {
			base[p.Name()] = struct{}{}
			continue
		}
		// One-hop rule applied across the whole catalog: a held parent
		// implies every direct child.
		if p.ParentID != nil {
			if _, ok := heldIDs[*p.ParentID]; ok {
				base[p.Name()] = struct{}{}
			}
		}
	}

	// Deny before Grant: a Grant override wins should both ever appear for
	// the same permission.
	for _, o := range user.Overrides {
		if o.State != OverrideDeny || !o.IsActiveAt(now) {
			continue
		}
		if p, ok := catalog.LookupID(o.PermissionID); ok {
			delete(base, p.Name())
		}
	}
	for _, o := range user.Overrides {
		if o.State != OverrideGrant || !o.IsActiveAt(now) {
			continue
		}
		p, ok := catalog.LookupID(o.PermissionID)
		if !ok || !p.IsActive {
			continue
		}
		base[p.Name()] = struct{}{}
	}

	names := make([]string, 0, len(base))
	for name := range base {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
