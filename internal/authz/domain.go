package authz

import "time"

// GrantStatus tags the lifecycle state of a role grant. Grants are never
// deleted; revocation flips the status so the assignment history survives.
type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
)

// Permission represents an atomic capability in the catalog.
type Permission struct {
	ID          int64
	Name        string
	Resource    string
	Action      string
	Description string
	Category    string
	IsSystem    bool
}

// Role represents a named bundle of permissions.
type Role struct {
	ID          int64
	Name        string
	Description string
	IsSystem    bool
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RolePermission ties a permission to a role, optionally narrowed by
// equality conditions. A role may hold the same permission both
// unconditionally and conditionally via separate rows.
type RolePermission struct {
	RoleID       int64
	PermissionID int64
	Permission   string
	Conditions   map[string]any
}

// Grant confers a role on a user for an optional validity window.
type Grant struct {
	ID         int64
	UserID     int64
	RoleID     int64
	AssignedBy int64
	AssignedAt time.Time
	ExpiresAt  *time.Time
	Status     GrantStatus
}

// EffectiveAt reports whether the grant confers its role at the given instant.
func (g Grant) EffectiveAt(now time.Time) bool {
	if g.Status != GrantActive {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return false
	}
	return true
}

// GrantedPermission is one row of the resolver snapshot: a permission
// reachable through a grant's role, with the fields needed to decide
// whether the grant is effective.
type GrantedPermission struct {
	GrantID    int64
	RoleID     int64
	RoleActive bool
	Status     GrantStatus
	ExpiresAt  *time.Time
	Permission string
	Conditions map[string]any
}

// EffectiveAt reports whether the backing grant and role are live at the given instant.
func (p GrantedPermission) EffectiveAt(now time.Time) bool {
	if !p.RoleActive {
		return false
	}
	g := Grant{Status: p.Status, ExpiresAt: p.ExpiresAt}
	return g.EffectiveAt(now)
}

// conditionsSatisfied reports whether every key declared on a role-permission
// row is present in the supplied context with an equal scalar value. Rows
// without conditions always match. There is no partial, range or negation
// matching.
func conditionsSatisfied(declared, supplied map[string]any) bool {
	for key, want := range declared {
		got, ok := supplied[key]
		if !ok || !scalarEqual(want, got) {
			return false
		}
	}
	return true
}

// scalarEqual compares two condition scalars. Numeric values compare across
// Go's int kinds and the float64 produced by JSON decoding. Non-scalar values
// (JSON arrays and objects decode to []any and map[string]any) never match:
// comparing those with == would panic, and a permission check must not.
func scalarEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch a.(type) {
	case string, bool, nil:
		return a == b
	}
	return false
}

// scalarCondition reports whether v is a value condition matching can compare:
// a string, bool or numeric scalar. Bundle writes reject anything else.
func scalarCondition(v any) bool {
	if _, ok := toFloat(v); ok {
		return true
	}
	switch v.(type) {
	case string, bool:
		return true
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
