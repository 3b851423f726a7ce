package impersonation

import "time"

// SessionStatus tags the lifecycle state of an impersonation session.
// Sessions are never deleted; ending one flips the status and stamps endedAt.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session records one administrator acting as another identity. At most one
// session per admin is active at any instant; the storage layer enforces it.
type Session struct {
	ID           int64
	AdminID      int64
	TargetUserID int64
	Reason       string
	IPAddress    string
	UserAgent    string
	StartedAt    time.Time
	EndedAt      *time.Time
	Status       SessionStatus
}

// StartParams carries the inputs for opening a session.
type StartParams struct {
	AdminID      int64
	TargetUserID int64
	Reason       string
	IPAddress    string
	UserAgent    string
}

// Credential is an opaque bearer token plus its validity window. The engine
// never inspects the token; the issuer owns its format.
type Credential struct {
	Token     string
	TTL       time.Duration
	ExpiresAt time.Time
}

// StartResult is the outcome of a successful Start.
type StartResult struct {
	Session    Session
	Credential Credential
}

// EndResult is the outcome of a successful End: the closed session and a
// fresh full-scope credential for the admin's own identity.
type EndResult struct {
	Session    Session
	Credential Credential
}

// Status is the read-only projection of an admin's impersonation state.
type Status struct {
	IsImpersonating bool
	Session         *Session
}

// HistoryFilter narrows and pages ListHistory. Zero IDs mean no filter.
type HistoryFilter struct {
	AdminID      int64
	TargetUserID int64
	Page         int
	PerPage      int
}
