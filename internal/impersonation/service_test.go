package impersonation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/casafleet/casafleet/internal/authz"
	"github.com/casafleet/casafleet/internal/impersonation"
	"github.com/casafleet/casafleet/internal/shared"
	_ "github.com/casafleet/casafleet/testing"
)

// memSessions keeps impersonation sessions in memory and enforces the
// one-active-session-per-admin invariant the way the storage layer does.
type memSessions struct {
	sessions   []impersonation.Session
	nextID     int64
	startErrs  []error
	startCalls int
	endCalls   int
}

func (m *memSessions) StartSession(ctx context.Context, sess impersonation.Session) (impersonation.Session, error) {
	m.startCalls++
	if len(m.startErrs) > 0 {
		err := m.startErrs[0]
		m.startErrs = m.startErrs[1:]
		if err != nil {
			return impersonation.Session{}, err
		}
	}
	now := sess.StartedAt
	for i := range m.sessions {
		if m.sessions[i].AdminID == sess.AdminID && m.sessions[i].Status == impersonation.SessionActive {
			m.sessions[i].Status = impersonation.SessionEnded
			m.sessions[i].EndedAt = &now
		}
	}
	m.nextID++
	sess.ID = m.nextID
	m.sessions = append(m.sessions, sess)
	return sess, nil
}

func (m *memSessions) EndActiveSession(ctx context.Context, adminID int64, endedAt time.Time) (impersonation.Session, error) {
	m.endCalls++
	for i := range m.sessions {
		if m.sessions[i].AdminID == adminID && m.sessions[i].Status == impersonation.SessionActive {
			m.sessions[i].Status = impersonation.SessionEnded
			m.sessions[i].EndedAt = &endedAt
			return m.sessions[i], nil
		}
	}
	return impersonation.Session{}, shared.ErrNotFound
}

func (m *memSessions) ActiveSession(ctx context.Context, adminID int64) (*impersonation.Session, error) {
	for i := range m.sessions {
		if m.sessions[i].AdminID == adminID && m.sessions[i].Status == impersonation.SessionActive {
			sess := m.sessions[i]
			return &sess, nil
		}
	}
	return nil, nil
}

func (m *memSessions) ListActive(ctx context.Context) ([]impersonation.Session, error) {
	var out []impersonation.Session
	for _, sess := range m.sessions {
		if sess.Status == impersonation.SessionActive {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (m *memSessions) ListHistory(ctx context.Context, filter impersonation.HistoryFilter) ([]impersonation.Session, int, error) {
	var matched []impersonation.Session
	for _, sess := range m.sessions {
		if filter.AdminID != 0 && sess.AdminID != filter.AdminID {
			continue
		}
		if filter.TargetUserID != 0 && sess.TargetUserID != filter.TargetUserID {
			continue
		}
		matched = append(matched, sess)
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, len(matched))
	start := page.Offset()
	if start > len(matched) {
		return nil, len(matched), nil
	}
	end := start + page.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

func (m *memSessions) active(adminID int64) *impersonation.Session {
	for i := range m.sessions {
		if m.sessions[i].AdminID == adminID && m.sessions[i].Status == impersonation.SessionActive {
			return &m.sessions[i]
		}
	}
	return nil
}

type stubResolver struct {
	holds map[int64]map[string]bool
	err   error
}

func (s stubResolver) HoldsPermission(ctx context.Context, userID int64, name string, conds map[string]any) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.holds[userID][name], nil
}

type stubDirectory struct {
	users map[int64]bool
	err   error
}

func (s stubDirectory) UserExists(ctx context.Context, userID int64) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.users[userID], nil
}

type stubIssuer struct {
	err      error
	subjects []string
	claims   []map[string]any
	ttls     []time.Duration
}

func (s *stubIssuer) Issue(ctx context.Context, subject string, claims map[string]any, ttl time.Duration) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.subjects = append(s.subjects, subject)
	s.claims = append(s.claims, claims)
	s.ttls = append(s.ttls, ttl)
	return "signed-token", nil
}

type fixture struct {
	repo     *memSessions
	resolver stubResolver
	dir      stubDirectory
	issuer   *stubIssuer
	manager  *impersonation.Manager
}

func newFixture(t *testing.T, mutate ...func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		repo: &memSessions{},
		resolver: stubResolver{holds: map[int64]map[string]bool{
			1: {authz.PermImpersonate: true},
		}},
		dir:    stubDirectory{users: map[int64]bool{1: true, 2: true, 3: true}},
		issuer: &stubIssuer{},
	}
	for _, m := range mutate {
		m(f)
	}
	f.manager = impersonation.NewManager(f.repo, f.resolver, f.dir, f.issuer, nil, nil, nil, time.Hour)
	return f
}

func startParams(admin, target int64) impersonation.StartParams {
	return impersonation.StartParams{
		AdminID:      admin,
		TargetUserID: target,
		Reason:       "billing dispute follow-up",
		IPAddress:    "203.0.113.9",
		UserAgent:    "test-agent",
	}
}

func TestStartRejectsSelfImpersonation(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Start(context.Background(), startParams(1, 1))
	if !errors.Is(err, shared.ErrSelfImpersonation) {
		t.Fatalf("expected self-impersonation error, got %v", err)
	}
	if !errors.Is(err, shared.ErrPrivilege) {
		t.Fatal("self-impersonation must classify as a privilege failure")
	}
	if f.repo.startCalls != 0 {
		t.Fatal("no session must be opened")
	}
}

func TestStartRequiresReason(t *testing.T) {
	f := newFixture(t)
	params := startParams(1, 2)
	params.Reason = "   "

	_, err := f.manager.Start(context.Background(), params)
	if !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStartUnknownTarget(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Start(context.Background(), startParams(1, 99))
	if !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStartElevatedTargetRequiresPrivilege(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.resolver.holds[2] = map[string]bool{authz.PermAdminAccess: true}
	})

	_, err := f.manager.Start(context.Background(), startParams(1, 2))
	if !errors.Is(err, shared.ErrPrivilege) {
		t.Fatalf("expected privilege error, got %v", err)
	}
	if f.repo.startCalls != 0 {
		t.Fatal("denied attempt must not open a session")
	}
}

func TestStartElevatedTargetAllowedWithPrivilege(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.resolver.holds[1][authz.PermImpersonateAdmins] = true
		f.resolver.holds[2] = map[string]bool{authz.PermAdminAccess: true}
	})

	result, err := f.manager.Start(context.Background(), startParams(1, 2))
	require.NoError(t, err)
	require.Equal(t, impersonation.SessionActive, result.Session.Status)
}

func TestStartFailsClosedOnResolverError(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.resolver.err = shared.ErrUnavailable
	})

	_, err := f.manager.Start(context.Background(), startParams(1, 2))
	if !errors.Is(err, shared.ErrUnavailable) {
		t.Fatalf("expected store error to reject the attempt, got %v", err)
	}
	if f.repo.startCalls != 0 {
		t.Fatal("privilege check failure must not open a session")
	}
}

func TestStartMintsQuarterTTLCredential(t *testing.T) {
	f := newFixture(t)

	result, err := f.manager.Start(context.Background(), startParams(1, 2))
	require.NoError(t, err)

	require.Equal(t, "signed-token", result.Credential.Token)
	require.Equal(t, 15*time.Minute, result.Credential.TTL)
	require.Equal(t, []string{"2"}, f.issuer.subjects, "credential subject is the target")
	require.Equal(t, []time.Duration{15 * time.Minute}, f.issuer.ttls)

	claims := f.issuer.claims[0]
	require.Equal(t, result.Session.ID, claims["sid"])
	require.Equal(t, int64(1), claims["act"])
	require.Equal(t, true, claims["impersonation"])
}

func TestStartSupersedesActiveSession(t *testing.T) {
	f := newFixture(t)

	first, err := f.manager.Start(context.Background(), startParams(1, 2))
	require.NoError(t, err)
	second, err := f.manager.Start(context.Background(), startParams(1, 3))
	require.NoError(t, err)

	require.NotEqual(t, first.Session.ID, second.Session.ID)
	active := f.repo.active(1)
	require.NotNil(t, active)
	require.Equal(t, second.Session.ID, active.ID, "only the newest session stays active")
	require.Equal(t, int64(3), active.TargetUserID)
}

func TestStartRetriesOnceOnConflict(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.repo.startErrs = []error{shared.ErrConflict}
	})

	result, err := f.manager.Start(context.Background(), startParams(1, 2))
	require.NoError(t, err)
	require.Equal(t, 2, f.repo.startCalls)
	require.Equal(t, impersonation.SessionActive, result.Session.Status)
}

func TestStartGivesUpAfterSecondConflict(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.repo.startErrs = []error{shared.ErrConflict, shared.ErrConflict}
	})

	_, err := f.manager.Start(context.Background(), startParams(1, 2))
	if !errors.Is(err, shared.ErrConflict) {
		t.Fatalf("expected conflict after retry, got %v", err)
	}
	require.Equal(t, 2, f.repo.startCalls)
}

func TestStartClosesSessionWhenIssuerFails(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.issuer.err = errors.New("signer offline")
	})

	_, err := f.manager.Start(context.Background(), startParams(1, 2))
	require.Error(t, err)
	require.Nil(t, f.repo.active(1), "unusable session must not stay active")
}

func TestEndWithoutActiveSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.End(context.Background(), 1)
	if !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEndMintsFullScopeCredential(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Start(context.Background(), startParams(1, 2))
	require.NoError(t, err)

	result, err := f.manager.End(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, impersonation.SessionEnded, result.Session.Status)
	require.NotNil(t, result.Session.EndedAt)
	require.Equal(t, time.Hour, result.Credential.TTL)

	// Second issuance belongs to End: subject is the admin, no impersonation claims.
	require.Equal(t, "1", f.issuer.subjects[1])
	require.Nil(t, f.issuer.claims[1])

	status, err := f.manager.CurrentStatus(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, status.IsImpersonating)
	require.Nil(t, status.Session)
}

func TestCurrentStatusReflectsActiveSession(t *testing.T) {
	f := newFixture(t)

	result, err := f.manager.Start(context.Background(), startParams(1, 2))
	require.NoError(t, err)

	status, err := f.manager.CurrentStatus(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, status.IsImpersonating)
	require.NotNil(t, status.Session)
	require.Equal(t, result.Session.ID, status.Session.ID)
}

func TestListHistoryPaginatesAndFilters(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		_, err := f.manager.Start(context.Background(), startParams(1, 2))
		require.NoError(t, err)
	}
	_, err := f.manager.Start(context.Background(), startParams(1, 3))
	require.NoError(t, err)

	sessions, page, err := f.manager.ListHistory(context.Background(), impersonation.HistoryFilter{
		TargetUserID: 2,
		Page:         1,
		PerPage:      2,
	})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, 3, page.Total)
	require.Equal(t, 2, page.TotalPages)
}
