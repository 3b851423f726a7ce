package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casafleet/casafleet/internal/platform/db"
	"github.com/casafleet/casafleet/internal/shared"
)

const uniqueViolation = "23505"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("authz: %s: %w: %w", op, shared.ErrUnavailable, err)
}

// GrantedPermissions returns the full permission snapshot for a user in one query.
func (r *PGRepository) GrantedPermissions(ctx context.Context, userID int64) ([]GrantedPermission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT g.id, g.role_id, ro.is_active, g.status, g.expires_at, p.name, rp.conditions
		FROM role_grants g
		JOIN roles ro ON ro.id = g.role_id
		JOIN role_permissions rp ON rp.role_id = g.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE g.user_id = $1`, userID)
	if err != nil {
		return nil, storeErr("granted permissions", err)
	}
	defer rows.Close()
	var out []GrantedPermission
	for rows.Next() {
		var gp GrantedPermission
		var conditions []byte
		if err := rows.Scan(&gp.GrantID, &gp.RoleID, &gp.RoleActive, &gp.Status, &gp.ExpiresAt, &gp.Permission, &conditions); err != nil {
			return nil, storeErr("scan granted permission", err)
		}
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &gp.Conditions); err != nil {
				return nil, storeErr("decode conditions", err)
			}
		}
		out = append(out, gp)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("granted permissions rows", err)
	}
	return out, nil
}

// UpsertPermission creates a catalog entry or refreshes its description and category.
func (r *PGRepository) UpsertPermission(ctx context.Context, def PermissionDef) (Permission, error) {
	var p Permission
	err := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (name, resource, action, description, category, is_system)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description, category = EXCLUDED.category
		RETURNING id, name, resource, action, description, category, is_system`,
		def.Name, def.Resource, def.Action, def.Description, def.Category).
		Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.Category, &p.IsSystem)
	if err != nil {
		return Permission{}, storeErr("upsert permission", err)
	}
	return p, nil
}

// ReplaceSystemRole upserts a system role and replaces its permission bundle
// in a single transaction so repeated seeding converges.
func (r *PGRepository) ReplaceSystemRole(ctx context.Context, def RoleDef) (Role, error) {
	var role Role
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO roles (name, description, is_system, is_active)
			VALUES ($1, $2, TRUE, TRUE)
			ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description, is_system = TRUE, is_active = TRUE, updated_at = NOW()
			RETURNING id, name, description, is_system, is_active, created_at, updated_at`,
			def.Name, def.Description).
			Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
		if err != nil {
			return err
		}
		return replaceBundle(ctx, tx, role.ID, def.Permissions)
	})
	if err != nil {
		return Role{}, storeErr("replace system role", err)
	}
	return role, nil
}

// ListRoles returns all roles ordered by name.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, description, is_system, is_active, created_at, updated_at
		FROM roles ORDER BY name`)
	if err != nil {
		return nil, storeErr("list roles", err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, storeErr("scan role", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list roles rows", err)
	}
	return roles, nil
}

// RoleByID fetches a role by ID.
func (r *PGRepository) RoleByID(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, description, is_system, is_active, created_at, updated_at
		FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("authz: role %d: %w", id, shared.ErrNotFound)
		}
		return Role{}, storeErr("role by id", err)
	}
	return role, nil
}

// CreateRole inserts a custom role.
func (r *PGRepository) CreateRole(ctx context.Context, name, description string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `
		INSERT INTO roles (name, description, is_system, is_active)
		VALUES ($1, $2, FALSE, TRUE)
		RETURNING id, name, description, is_system, is_active, created_at, updated_at`,
		name, description).
		Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, fmt.Errorf("authz: role %q already exists: %w", name, shared.ErrConflict)
		}
		return Role{}, storeErr("create role", err)
	}
	return role, nil
}

// UpdateRole renames or redescribes a role.
func (r *PGRepository) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `
		UPDATE roles SET name = $2, description = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING id, name, description, is_system, is_active, created_at, updated_at`,
		id, name, description).
		Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("authz: role %d: %w", id, shared.ErrNotFound)
		}
		if isUniqueViolation(err) {
			return Role{}, fmt.Errorf("authz: role %q already exists: %w", name, shared.ErrConflict)
		}
		return Role{}, storeErr("update role", err)
	}
	return role, nil
}

// DeactivateRole soft-deletes a role. Rows are never removed.
func (r *PGRepository) DeactivateRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE roles SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return storeErr("deactivate role", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("authz: role %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

// RolePermissions returns the bundle rows for a role.
func (r *PGRepository) RolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT rp.role_id, rp.permission_id, p.name, rp.conditions
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.name`, roleID)
	if err != nil {
		return nil, storeErr("role permissions", err)
	}
	defer rows.Close()
	var out []RolePermission
	for rows.Next() {
		var rp RolePermission
		var conditions []byte
		if err := rows.Scan(&rp.RoleID, &rp.PermissionID, &rp.Permission, &conditions); err != nil {
			return nil, storeErr("scan role permission", err)
		}
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &rp.Conditions); err != nil {
				return nil, storeErr("decode conditions", err)
			}
		}
		out = append(out, rp)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("role permissions rows", err)
	}
	return out, nil
}

// ReplaceRolePermissions swaps the bundle of a custom role transactionally.
func (r *PGRepository) ReplaceRolePermissions(ctx context.Context, roleID int64, perms []RolePermissionDef) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return replaceBundle(ctx, tx, roleID, perms)
	})
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return err
		}
		return storeErr("replace role permissions", err)
	}
	return nil
}

// ListPermissions returns the full catalog ordered by name.
func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, resource, action, description, category, is_system
		FROM permissions ORDER BY name`)
	if err != nil {
		return nil, storeErr("list permissions", err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.Category, &p.IsSystem); err != nil {
			return nil, storeErr("scan permission", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list permissions rows", err)
	}
	return perms, nil
}

// InsertGrant appends a new grant row.
func (r *PGRepository) InsertGrant(ctx context.Context, grant Grant) (Grant, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO role_grants (user_id, role_id, assigned_by, expires_at, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, assigned_at`,
		grant.UserID, grant.RoleID, grant.AssignedBy, grant.ExpiresAt, GrantActive).
		Scan(&grant.ID, &grant.AssignedAt)
	if err != nil {
		return Grant{}, storeErr("insert grant", err)
	}
	grant.Status = GrantActive
	return grant, nil
}

// RevokeGrants flips every active grant for (user, role) to revoked and
// returns the number of rows touched. Rows are never deleted.
func (r *PGRepository) RevokeGrants(ctx context.Context, userID, roleID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE role_grants SET status = $3
		WHERE user_id = $1 AND role_id = $2 AND status = $4`,
		userID, roleID, GrantRevoked, GrantActive)
	if err != nil {
		return 0, storeErr("revoke grants", err)
	}
	return tag.RowsAffected(), nil
}

// UserExists reports whether the user row exists.
func (r *PGRepository) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return false, storeErr("user exists", err)
	}
	return exists, nil
}

func replaceBundle(ctx context.Context, tx pgx.Tx, roleID int64, perms []RolePermissionDef) error {
	if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return err
	}
	for _, def := range perms {
		var conditions any
		if len(def.Conditions) > 0 {
			data, err := json.Marshal(def.Conditions)
			if err != nil {
				return err
			}
			conditions = data
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO role_permissions (role_id, permission_id, conditions)
			SELECT $1, id, $3 FROM permissions WHERE name = $2`,
			roleID, def.Permission, conditions)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("authz: permission %q: %w", def.Permission, shared.ErrNotFound)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
