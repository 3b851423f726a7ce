package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/casafleet/casafleet/internal/auth"
	"github.com/casafleet/casafleet/internal/shared"
	_ "github.com/casafleet/casafleet/testing"
)

type stubRepo struct {
	user            *auth.User
	sessionsCreated int
	sessionsDeleted int
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.user == nil || s.user.Email != email {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	s.sessionsCreated++
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	s.sessionsDeleted++
	return nil
}

func newAuthHandler(t *testing.T, repo auth.Repository) (*auth.Handler, *shared.SessionManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessionManager := shared.NewSessionManager(redisClient, "test_session", "secret", time.Hour, false)
	csrfManager := shared.NewCSRFManager("csrfsecret")
	handler := auth.NewHandler(nil, auth.NewService(repo), sessionManager, csrfManager)
	return handler, sessionManager
}

func sessionRequest(t *testing.T, sm *shared.SessionManager, method, target, body string) (*http.Request, *shared.Session) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	sess, err := sm.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	return req.WithContext(shared.ContextWithSession(req.Context(), sess)), sess
}

func activeUser(t *testing.T, password string) *auth.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return &auth.User{ID: 1, Email: "admin@test.local", Name: "Admin", PasswordHash: string(hash), IsActive: true}
}

func TestLoginSuccess(t *testing.T) {
	repo := &stubRepo{user: activeUser(t, "correct-horse")}
	handler, sm := newAuthHandler(t, repo)

	req, sess := sessionRequest(t, sm, http.MethodPost, "/auth/login",
		`{"email": "admin@test.local", "password": "correct-horse"}`)
	res := httptest.NewRecorder()
	handler.HandleLoginForTest(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var payload struct {
		UserID    int64  `json:"user_id"`
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.UserID != 1 {
		t.Fatalf("expected user 1, got %d", payload.UserID)
	}
	if payload.CSRFToken == "" {
		t.Fatal("expected csrf token in response")
	}
	if sess.User() != "1" {
		t.Fatalf("expected session user 1, got %q", sess.User())
	}
	if repo.sessionsCreated != 1 {
		t.Fatalf("expected session row, got %d", repo.sessionsCreated)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	handler, sm := newAuthHandler(t, &stubRepo{user: activeUser(t, "correct-horse")})

	req, _ := sessionRequest(t, sm, http.MethodPost, "/auth/login",
		`{"email": "admin@test.local", "password": "wrong-password"}`)
	res := httptest.NewRecorder()
	handler.HandleLoginForTest(res, req)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	user := activeUser(t, "correct-horse")
	user.IsActive = false
	handler, sm := newAuthHandler(t, &stubRepo{user: user})

	req, _ := sessionRequest(t, sm, http.MethodPost, "/auth/login",
		`{"email": "admin@test.local", "password": "correct-horse"}`)
	res := httptest.NewRecorder()
	handler.HandleLoginForTest(res, req)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestLoginMalformedBody(t *testing.T) {
	handler, sm := newAuthHandler(t, &stubRepo{})

	req, _ := sessionRequest(t, sm, http.MethodPost, "/auth/login", `{"email": "not-an-email"`)
	res := httptest.NewRecorder()
	handler.HandleLoginForTest(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestLogoutDestroysSession(t *testing.T) {
	repo := &stubRepo{}
	handler, sm := newAuthHandler(t, repo)

	req, _ := sessionRequest(t, sm, http.MethodPost, "/auth/logout", "")
	res := httptest.NewRecorder()
	handler.HandleLogoutForTest(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.Code)
	}
	if repo.sessionsDeleted != 1 {
		t.Fatalf("expected session delete, got %d", repo.sessionsDeleted)
	}
}
