package shared

import (
	"errors"
	"fmt"
)

// Error taxonomy for the authorization engine. Operations wrap one of these
// sentinels with fmt.Errorf("...: %w", ...) so callers classify failures with
// errors.Is while the message stays specific.
var (
	// ErrValidation indicates missing or malformed input. Recoverable by resubmission.
	ErrValidation = errors.New("invalid input")
	// ErrNotFound indicates an unknown user, role, permission or session.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a duplicate name or a lost race on a storage invariant.
	ErrConflict = errors.New("conflict")
	// ErrPrivilege indicates the caller lacks the privilege for the operation.
	// Never downgraded to success.
	ErrPrivilege = errors.New("insufficient privilege")
	// ErrUnavailable indicates a persistence failure. Permission checks resolve
	// it to a denial; mutations propagate it after rolling back.
	ErrUnavailable = errors.New("store unavailable")

	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

// Specific privilege failures. Static wraps of ErrPrivilege so both
// errors.Is(err, ErrSelfImpersonation) and errors.Is(err, ErrPrivilege) hold.
var (
	// ErrSelfImpersonation rejects sessions where admin and target coincide.
	ErrSelfImpersonation = fmt.Errorf("cannot impersonate own account: %w", ErrPrivilege)
	// ErrSystemRole rejects rename or deletion of system owned roles.
	ErrSystemRole = fmt.Errorf("system role is immutable: %w", ErrPrivilege)
)
