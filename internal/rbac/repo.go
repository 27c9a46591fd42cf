package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentinel-iam/sentinel/internal/platform/db"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrConflict indicates a uniqueness violation, such as a duplicate role
	// name or permission identity.
	ErrConflict = errors.New("rbac: conflict")
)

// Repository provides PostgreSQL backed persistence for the permission
// domain. All reads hand out snapshots; evaluation never touches the pool.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UserAccess fetches the user with overrides, their roles with grants, and
// the full catalog in one logical load.
func (r *Repository) UserAccess(ctx context.Context, userID int64) (*User, []Role, *Catalog, error) {
	user, err := r.getUser(ctx, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	roles, err := r.userRoles(ctx, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	catalog, err := r.Catalog(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return user, roles, catalog, nil
}

func (r *Repository) getUser(ctx context.Context, userID int64) (*User, error) {
	var user User
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, is_active FROM users WHERE id = $1`, userID,
	).Scan(&user.ID, &user.Email, &user.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
		}
		return nil, err
	}
	overrides, err := r.ListOverrides(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.Overrides = overrides
	return &user, nil
}

func (r *Repository) userRoles(ctx context.Context, userID int64) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.id, r.name, r.description, r.is_active, r.created_at, r.updated_at
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range roles {
		perms, err := r.rolePermissions(ctx, roles[i].ID)
		if err != nil {
			return nil, err
		}
		roles[i].Permissions = perms
	}
	return roles, nil
}

func (r *Repository) rolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.resource, p.action, p.description, p.category, p.is_active, p.parent_permission_id, p.created_at, p.updated_at
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

// Catalog fetches every permission definition as an immutable snapshot.
func (r *Repository) Catalog(ctx context.Context) (*Catalog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, resource, action, description, category, is_active, parent_permission_id, created_at, updated_at
		FROM permissions
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	permissions, err := scanPermissions(rows)
	if err != nil {
		return nil, err
	}
	return NewCatalog(permissions), nil
}

func scanPermissions(rows pgx.Rows) ([]Permission, error) {
	var permissions []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.Category, &p.IsActive, &p.ParentID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		permissions = append(permissions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return permissions, nil
}

// UserIDsWithRole fetches the ids of every user currently holding the role.
func (r *Repository) UserIDsWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id FROM user_roles WHERE role_id = $1 ORDER BY user_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveUserIDs returns users eligible for scheduled cache warm-up.
func (r *Repository) ActiveUserIDs(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM users WHERE is_active ORDER BY last_seen_at DESC NULLS LAST LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRoles returns all roles with their grant sets.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description, is_active, created_at, updated_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range roles {
		perms, err := r.rolePermissions(ctx, roles[i].ID)
		if err != nil {
			return nil, err
		}
		roles[i].Permissions = perms
	}
	return roles, nil
}

// GetRole fetches one role with its grant set.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, description, is_active, created_at, updated_at FROM roles WHERE id = $1`, id,
	).Scan(&role.ID, &role.Name, &role.Description, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("role %d: %w", id, ErrNotFound)
		}
		return Role{}, err
	}
	perms, err := r.rolePermissions(ctx, id)
	if err != nil {
		return Role{}, err
	}
	role.Permissions = perms
	return role, nil
}

// CreateRole inserts a new role.
func (r *Repository) CreateRole(ctx context.Context, name, description string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `
		INSERT INTO roles (name, description, is_active, created_at, updated_at)
		VALUES ($1, $2, TRUE, NOW(), NOW())
		RETURNING id, name, description, is_active, created_at, updated_at`,
		name, description,
	).Scan(&role.ID, &role.Name, &role.Description, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, translateError(err)
	}
	return role, nil
}

// UpdateRole updates name, description, and activity of an existing role.
func (r *Repository) UpdateRole(ctx context.Context, id int64, name, description string, isActive bool) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `
		UPDATE roles SET name = $2, description = $3, is_active = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING id, name, description, is_active, created_at, updated_at`,
		id, name, description, isActive,
	).Scan(&role.ID, &role.Name, &role.Description, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("role %d: %w", id, ErrNotFound)
		}
		return Role{}, translateError(err)
	}
	return role, nil
}

// DeleteRole removes a role and its assignments.
func (r *Repository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("role %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetRolePermissions replaces the role's grant set with the given permission
// ids, attaching and detaching the difference.
func (r *Repository) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	// Replace the whole grant set in one transaction; a mid-sequence error
	// must never leave the role with a partial set.
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, id := range permissionIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO role_permissions (role_id, permission_id, created_at) VALUES ($1, $2, NOW()) ON CONFLICT DO NOTHING`,
				roleID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// AssignRole attaches a role to a user.
func (r *Repository) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id, created_at) VALUES ($1, $2, NOW()) ON CONFLICT DO NOTHING`,
		userID, roleID)
	return err
}

// RemoveRole detaches a role from a user.
func (r *Repository) RemoveRole(ctx context.Context, userID, roleID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	return err
}

// ListPermissions returns the full catalog as a slice.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	catalog, err := r.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return catalog.Permissions(), nil
}

// CreatePermission inserts a new permission definition. The (resource,
// action) pair is unique; duplicates surface as ErrConflict.
func (r *Repository) CreatePermission(ctx context.Context, p Permission) (Permission, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (resource, action, description, category, is_active, parent_permission_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, NOW(), NOW())
		RETURNING id, resource, action, description, category, is_active, parent_permission_id, created_at, updated_at`,
		p.Resource, p.Action, p.Description, p.Category, p.ParentID,
	).Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.Category, &p.IsActive, &p.ParentID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Permission{}, translateError(err)
	}
	return p, nil
}

// SetPermissionActive activates or deactivates a permission. Referenced
// permissions are deactivated rather than deleted.
func (r *Repository) SetPermissionActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE permissions SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("permission %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListOverrides returns every override stored for the user, expired ones
// included.
func (r *Repository) ListOverrides(ctx context.Context, userID int64) ([]UserPermission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, permission_id, state, reason, expires_at, created_at
		FROM user_permissions
		WHERE user_id = $1
		ORDER BY permission_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []UserPermission
	for rows.Next() {
		var o UserPermission
		var reason *string
		if err := rows.Scan(&o.UserID, &o.PermissionID, &o.State, &reason, &o.ExpiresAt, &o.CreatedAt); err != nil {
			return nil, err
		}
		if reason != nil {
			o.Reason = *reason
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// UpsertOverride stores the override, replacing any previous one for the
// same (user, permission) pair. The pair's unique constraint keeps the
// one-override invariant.
func (r *Repository) UpsertOverride(ctx context.Context, o UserPermission) error {
	var reason *string
	if o.Reason != "" {
		reason = &o.Reason
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_permissions (user_id, permission_id, state, reason, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, permission_id)
		DO UPDATE SET state = EXCLUDED.state, reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at`,
		o.UserID, o.PermissionID, o.State, reason, o.ExpiresAt)
	return translateError(err)
}

// DeleteOverride removes the override for the (user, permission) pair.
func (r *Repository) DeleteOverride(ctx context.Context, userID, permissionID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`, userID, permissionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("override (%d,%d): %w", userID, permissionID, ErrNotFound)
	}
	return nil
}

// TouchUserSeen records activity for warm-up candidate selection.
func (r *Repository) TouchUserSeen(ctx context.Context, userID int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_seen_at = $2 WHERE id = $1`, userID, at)
	return err
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
