package impersonation

import (
	"context"
	"time"

	"github.com/casafleet/casafleet/internal/shared"
)

// Repository defines persistence operations for impersonation sessions.
type Repository interface {
	// StartSession atomically ends every active session owned by the admin
	// and inserts the new one. A race on the single-active-session constraint
	// surfaces as shared.ErrConflict; callers may retry.
	StartSession(ctx context.Context, sess Session) (Session, error)

	// EndActiveSession closes the admin's active session, stamping endedAt.
	// Returns shared.ErrNotFound when no session is active; no rows altered.
	EndActiveSession(ctx context.Context, adminID int64, endedAt time.Time) (Session, error)

	// ActiveSession returns the admin's active session, or nil when none.
	ActiveSession(ctx context.Context, adminID int64) (*Session, error)

	// ListActive returns every active session system-wide, newest first.
	ListActive(ctx context.Context) ([]Session, error)

	// ListHistory returns a page of sessions ordered by startedAt descending,
	// plus the total row count for the filter.
	ListHistory(ctx context.Context, filter HistoryFilter) ([]Session, int, error)
}

// CredentialIssuer is the external collaborator minting bearer credentials.
// The engine treats the returned token as opaque.
type CredentialIssuer interface {
	Issue(ctx context.Context, subject string, claims map[string]any, ttl time.Duration) (string, error)
}

// Directory answers user-existence questions.
type Directory interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
}

// Resolver is the error-returning permission check surface. The manager uses
// it for privilege guards, where a store failure must reject rather than
// skip the check.
type Resolver interface {
	HoldsPermission(ctx context.Context, userID int64, name string, conds map[string]any) (bool, error)
}

// AuditRecorder captures the audit collaborator surface.
type AuditRecorder interface {
	Record(ctx context.Context, ev shared.AuditEvent) error
}
