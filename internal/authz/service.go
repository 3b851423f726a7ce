package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/casafleet/casafleet/internal/observability"
	"github.com/casafleet/casafleet/internal/shared"
)

// Service is the authorization resolver and role registry. It is stateless
// between invocations; all durable state lives in the repository, so any
// number of instances may run concurrently.
type Service struct {
	repo    Repository
	audit   AuditRecorder
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group
}

// NewService constructs the authorization service. audit and metrics may be nil.
func NewService(repo Repository, audit AuditRecorder, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		audit:   audit,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// InitializeCatalog seeds the canonical permission catalog and system role
// bundles. Convergent: permissions are upserted by name, each system role's
// bundle is replaced wholesale, and nothing outside the canonical set is
// touched. Safe to call at any time, including concurrently with itself.
func (s *Service) InitializeCatalog(ctx context.Context) error {
	for _, def := range CatalogDefs() {
		if _, err := s.repo.UpsertPermission(ctx, def); err != nil {
			return fmt.Errorf("seed permission %q: %w", def.Name, err)
		}
	}
	for _, def := range SystemRoles() {
		if _, err := s.repo.ReplaceSystemRole(ctx, def); err != nil {
			return fmt.Errorf("seed role %q: %w", def.Name, err)
		}
	}
	return nil
}

// HoldsPermission reports whether the user holds the named permission under
// the supplied context conditions. This is the error-returning core; guards
// that must not fail open use it directly.
func (s *Service) HoldsPermission(ctx context.Context, userID int64, name string, conds map[string]any) (bool, error) {
	snapshot, err := s.repo.GrantedPermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	now := s.now()
	for _, row := range snapshot {
		if row.Permission != name || !row.EffectiveAt(now) {
			continue
		}
		if conditionsSatisfied(row.Conditions, conds) {
			return true, nil
		}
	}
	return false, nil
}

// HasPermission is the fail-closed permission check: any internal failure
// resolves to false and is logged. It never panics or errors past this
// boundary and never defaults to permit.
func (s *Service) HasPermission(ctx context.Context, userID int64, name string, conds map[string]any) bool {
	ok, err := s.HoldsPermission(ctx, userID, name, conds)
	if err != nil {
		s.logger.Error("permission check failed closed",
			slog.Int64("user_id", userID),
			slog.String("permission", name),
			slog.Any("error", err))
		s.metrics.PermissionCheck(observability.CheckFailClosed)
		return false
	}
	if ok {
		s.metrics.PermissionCheck(observability.CheckGranted)
	} else {
		s.metrics.PermissionCheck(observability.CheckDenied)
	}
	return ok
}

// UserPermissions returns the deduplicated, sorted names of permissions the
// user holds unconditionally across effective grants. Condition-bearing rows
// are excluded: they confer only under a matching request context, so listing
// them here would claim more than a context-free HasPermission probe grants.
// Concurrent calls for the same user collapse into one snapshot read.
func (s *Service) UserPermissions(ctx context.Context, userID int64) ([]string, error) {
	v, err, _ := s.group.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		snapshot, err := s.repo.GrantedPermissions(ctx, userID)
		if err != nil {
			return nil, err
		}
		now := s.now()
		set := make(map[string]struct{})
		for _, row := range snapshot {
			if row.EffectiveAt(now) && len(row.Conditions) == 0 {
				set[row.Permission] = struct{}{}
			}
		}
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// AssignRole appends a grant of roleID to userID. Pure append: it does not
// deduplicate against existing active grants for the same pair; callers that
// care must check first.
func (s *Service) AssignRole(ctx context.Context, userID, roleID, assignedBy int64, expiresAt *time.Time) (Grant, error) {
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return Grant{}, fmt.Errorf("authz: expiry must be in the future: %w", shared.ErrValidation)
	}
	exists, err := s.repo.UserExists(ctx, userID)
	if err != nil {
		return Grant{}, err
	}
	if !exists {
		return Grant{}, fmt.Errorf("authz: user %d: %w", userID, shared.ErrNotFound)
	}
	if _, err := s.repo.RoleByID(ctx, roleID); err != nil {
		return Grant{}, err
	}
	grant, err := s.repo.InsertGrant(ctx, Grant{
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: assignedBy,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return Grant{}, err
	}
	s.recordAudit(ctx, shared.AuditEvent{
		ActorID:  assignedBy,
		Action:   shared.AuditRoleAssigned,
		Entity:   "user",
		EntityID: strconv.FormatInt(userID, 10),
		Meta:     map[string]any{"role_id": roleID, "grant_id": grant.ID, "expires_at": expiresAt},
	})
	return grant, nil
}

// RemoveRole revokes every active grant of roleID held by userID and returns
// the number of grants revoked. Grant rows are retained for audit history.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID, removedBy int64) (int64, error) {
	count, err := s.repo.RevokeGrants(ctx, userID, roleID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.recordAudit(ctx, shared.AuditEvent{
			ActorID:  removedBy,
			Action:   shared.AuditRoleRevoked,
			Entity:   "user",
			EntityID: strconv.FormatInt(userID, 10),
			Meta:     map[string]any{"role_id": roleID, "revoked": count},
		})
	}
	return count, nil
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.RoleByID(ctx, id)
}

// CreateRole inserts a new custom role.
func (s *Service) CreateRole(ctx context.Context, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("authz: role name required: %w", shared.ErrValidation)
	}
	return s.repo.CreateRole(ctx, name, strings.TrimSpace(description))
}

// UpdateRole renames or redescribes a custom role. System roles are immutable.
func (s *Service) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("authz: role name required: %w", shared.ErrValidation)
	}
	role, err := s.repo.RoleByID(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystem {
		return Role{}, fmt.Errorf("authz: role %q: %w", role.Name, shared.ErrSystemRole)
	}
	return s.repo.UpdateRole(ctx, id, name, strings.TrimSpace(description))
}

// DeleteRole deactivates a custom role. The row is retained; resolver reads
// ignore inactive roles. System roles cannot be deleted.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	role, err := s.repo.RoleByID(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("authz: role %q: %w", role.Name, shared.ErrSystemRole)
	}
	return s.repo.DeactivateRole(ctx, id)
}

// RolePermissions returns the bundle rows for a role.
func (s *Service) RolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error) {
	if _, err := s.repo.RoleByID(ctx, roleID); err != nil {
		return nil, err
	}
	return s.repo.RolePermissions(ctx, roleID)
}

// SetRolePermissions replaces a custom role's bundle. System role bundles are
// owned by catalog initialization and cannot be edited. Condition values must
// be scalars; the matcher has no semantics for arrays or objects.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, perms []RolePermissionDef) error {
	for _, def := range perms {
		for key, v := range def.Conditions {
			if !scalarCondition(v) {
				return fmt.Errorf("authz: condition %q on %q must be a string, bool or number: %w", key, def.Permission, shared.ErrValidation)
			}
		}
	}
	role, err := s.repo.RoleByID(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("authz: role %q: %w", role.Name, shared.ErrSystemRole)
	}
	return s.repo.ReplaceRolePermissions(ctx, roleID, perms)
}

// ListPermissions returns the full permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

func (s *Service) recordAudit(ctx context.Context, ev shared.AuditEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Warn("audit record", slog.String("action", ev.Action), slog.Any("error", err))
	}
}
