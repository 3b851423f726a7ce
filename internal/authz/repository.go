package authz

import (
	"context"

	"github.com/casafleet/casafleet/internal/shared"
)

// Repository defines persistence operations for the authorization engine.
type Repository interface {
	// GrantedPermissions returns every permission reachable through the
	// user's grants in a single snapshot query, without filtering by
	// effectiveness; the resolver decides that at read time.
	GrantedPermissions(ctx context.Context, userID int64) ([]GrantedPermission, error)

	// Catalog seeding.
	UpsertPermission(ctx context.Context, def PermissionDef) (Permission, error)
	ReplaceSystemRole(ctx context.Context, def RoleDef) (Role, error)

	// Role registry.
	ListRoles(ctx context.Context) ([]Role, error)
	RoleByID(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, name, description string) (Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string) (Role, error)
	DeactivateRole(ctx context.Context, id int64) error
	RolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error)
	ReplaceRolePermissions(ctx context.Context, roleID int64, perms []RolePermissionDef) error

	// Permission catalog reads.
	ListPermissions(ctx context.Context) ([]Permission, error)

	// Grants.
	InsertGrant(ctx context.Context, grant Grant) (Grant, error)
	RevokeGrants(ctx context.Context, userID, roleID int64) (int64, error)
	UserExists(ctx context.Context, userID int64) (bool, error)
}

// AuditRecorder captures the audit collaborator surface the engine emits to.
type AuditRecorder interface {
	Record(ctx context.Context, ev shared.AuditEvent) error
}
