package impersonation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/casafleet/casafleet/internal/authz"
	"github.com/casafleet/casafleet/internal/observability"
	"github.com/casafleet/casafleet/internal/shared"
)

// Manager governs the impersonation state machine: NONE -> ACTIVE -> ENDED,
// with at most one ACTIVE session per admin. It is stateless between calls;
// the repository owns the invariant and the manager treats a conflict as a
// retryable race.
type Manager struct {
	repo      Repository
	resolver  Resolver
	directory Directory
	issuer    CredentialIssuer
	audit     AuditRecorder
	metrics   *observability.Metrics
	logger    *slog.Logger
	accessTTL time.Duration
	now       func() time.Time
}

// impersonationTTLDivisor shrinks the credential window for impersonated
// access relative to a normal session credential.
const impersonationTTLDivisor = 4

// NewManager constructs the impersonation session manager. audit and metrics
// may be nil; accessTTL is the full-scope credential lifetime.
func NewManager(repo Repository, resolver Resolver, directory Directory, issuer CredentialIssuer, audit AuditRecorder, metrics *observability.Metrics, logger *slog.Logger, accessTTL time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:      repo,
		resolver:  resolver,
		directory: directory,
		issuer:    issuer,
		audit:     audit,
		metrics:   metrics,
		logger:    logger,
		accessTTL: accessTTL,
		now:       time.Now,
	}
}

// ImpersonationTTL returns the shortened credential lifetime for
// impersonated access.
func (m *Manager) ImpersonationTTL() time.Duration {
	return m.accessTTL / impersonationTTLDivisor
}

// Start opens an impersonation session for the admin against the target and
// mints a short-lived credential bound to it. Any session the admin already
// has active is ended atomically with the insert.
func (m *Manager) Start(ctx context.Context, params StartParams) (StartResult, error) {
	if params.AdminID <= 0 || params.TargetUserID <= 0 {
		return StartResult{}, fmt.Errorf("impersonation: admin and target required: %w", shared.ErrValidation)
	}
	if strings.TrimSpace(params.Reason) == "" {
		return StartResult{}, fmt.Errorf("impersonation: reason required: %w", shared.ErrValidation)
	}
	if params.TargetUserID == params.AdminID {
		m.metrics.ImpersonationDenied()
		return StartResult{}, fmt.Errorf("impersonation: admin %d: %w", params.AdminID, shared.ErrSelfImpersonation)
	}

	exists, err := m.directory.UserExists(ctx, params.TargetUserID)
	if err != nil {
		return StartResult{}, fmt.Errorf("impersonation: target lookup: %w", err)
	}
	if !exists {
		return StartResult{}, fmt.Errorf("impersonation: target %d: %w", params.TargetUserID, shared.ErrNotFound)
	}

	// Privilege guards use the error-returning resolver path: a store failure
	// rejects the attempt instead of skipping the check.
	elevated, err := m.resolver.HoldsPermission(ctx, params.TargetUserID, authz.PermAdminAccess, nil)
	if err != nil {
		return StartResult{}, fmt.Errorf("impersonation: target privilege check: %w", err)
	}
	if elevated {
		allowed, err := m.resolver.HoldsPermission(ctx, params.AdminID, authz.PermImpersonateAdmins, nil)
		if err != nil {
			return StartResult{}, fmt.Errorf("impersonation: actor privilege check: %w", err)
		}
		if !allowed {
			m.metrics.ImpersonationDenied()
			return StartResult{}, fmt.Errorf("impersonation: target %d is an administrative account: %w", params.TargetUserID, shared.ErrPrivilege)
		}
	}

	now := m.now()
	sess := Session{
		AdminID:      params.AdminID,
		TargetUserID: params.TargetUserID,
		Reason:       strings.TrimSpace(params.Reason),
		IPAddress:    params.IPAddress,
		UserAgent:    params.UserAgent,
		StartedAt:    now,
		Status:       SessionActive,
	}

	created, err := m.repo.StartSession(ctx, sess)
	if errors.Is(err, shared.ErrConflict) {
		// Lost a race against a concurrent Start for the same admin: the
		// close-then-open step re-reads under a fresh snapshot on retry.
		created, err = m.repo.StartSession(ctx, sess)
	}
	if err != nil {
		return StartResult{}, err
	}

	ttl := m.ImpersonationTTL()
	token, err := m.issuer.Issue(ctx, strconv.FormatInt(params.TargetUserID, 10), map[string]any{
		"sid":           created.ID,
		"act":           params.AdminID,
		"impersonation": true,
	}, ttl)
	if err != nil {
		// Without a credential the session is unusable; close it again so the
		// admin is not left impersonating with no way to act.
		if _, endErr := m.repo.EndActiveSession(ctx, params.AdminID, m.now()); endErr != nil && !errors.Is(endErr, shared.ErrNotFound) {
			m.logger.Error("close session after issuer failure", slog.Int64("admin_id", params.AdminID), slog.Any("error", endErr))
		}
		return StartResult{}, fmt.Errorf("impersonation: issue credential: %w", err)
	}

	m.metrics.ImpersonationStarted()
	m.recordAudit(ctx, shared.AuditEvent{
		ActorID:   params.AdminID,
		Action:    shared.AuditImpersonationStart,
		Entity:    "impersonation_session",
		EntityID:  strconv.FormatInt(created.ID, 10),
		IP:        params.IPAddress,
		UserAgent: params.UserAgent,
		Meta:      map[string]any{"target_user_id": params.TargetUserID, "reason": created.Reason},
	})

	return StartResult{
		Session:    created,
		Credential: Credential{Token: token, TTL: ttl, ExpiresAt: now.Add(ttl)},
	}, nil
}

// End closes the admin's active session and mints a fresh full-scope
// credential for the admin's own identity. Returns shared.ErrNotFound when
// no session is active; nothing is altered in that case.
func (m *Manager) End(ctx context.Context, adminID int64) (EndResult, error) {
	if adminID <= 0 {
		return EndResult{}, fmt.Errorf("impersonation: admin required: %w", shared.ErrValidation)
	}
	now := m.now()
	sess, err := m.repo.EndActiveSession(ctx, adminID, now)
	if err != nil {
		return EndResult{}, err
	}

	token, err := m.issuer.Issue(ctx, strconv.FormatInt(adminID, 10), nil, m.accessTTL)
	if err != nil {
		return EndResult{}, fmt.Errorf("impersonation: issue credential: %w", err)
	}

	m.recordAudit(ctx, shared.AuditEvent{
		ActorID:  adminID,
		Action:   shared.AuditImpersonationEnd,
		Entity:   "impersonation_session",
		EntityID: strconv.FormatInt(sess.ID, 10),
		Meta:     map[string]any{"target_user_id": sess.TargetUserID},
	})

	return EndResult{
		Session:    sess,
		Credential: Credential{Token: token, TTL: m.accessTTL, ExpiresAt: now.Add(m.accessTTL)},
	}, nil
}

// CurrentStatus is the read-only projection of the admin's impersonation state.
func (m *Manager) CurrentStatus(ctx context.Context, adminID int64) (Status, error) {
	sess, err := m.repo.ActiveSession(ctx, adminID)
	if err != nil {
		return Status{}, err
	}
	return Status{IsImpersonating: sess != nil, Session: sess}, nil
}

// ListActive returns every active session system-wide, newest first.
func (m *Manager) ListActive(ctx context.Context) ([]Session, error) {
	return m.repo.ListActive(ctx)
}

// ListHistory returns a page of sessions ordered by startedAt descending.
func (m *Manager) ListHistory(ctx context.Context, filter HistoryFilter) ([]Session, shared.Pagination, error) {
	sessions, total, err := m.repo.ListHistory(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return sessions, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

func (m *Manager) recordAudit(ctx context.Context, ev shared.AuditEvent) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, ev); err != nil {
		m.logger.Warn("audit record", slog.String("action", ev.Action), slog.Any("error", err))
	}
}
