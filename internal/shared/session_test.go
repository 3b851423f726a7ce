package shared_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/casafleet/casafleet/internal/shared"
	_ "github.com/casafleet/casafleet/testing"
)

func newSessionManager(t *testing.T) *shared.SessionManager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return shared.NewSessionManager(client, "test_session", "secret", time.Hour, false)
}

func TestSessionRoundTrip(t *testing.T) {
	sm := newSessionManager(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(ctx, req)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sess.SetUser("42")
	sess.Set("csrf_token", "abc")

	res := httptest.NewRecorder()
	if err := sm.Commit(ctx, res, req, sess); err != nil {
		t.Fatalf("commit: %v", err)
	}

	cookies := res.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected session cookie")
	}

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	next.AddCookie(&http.Cookie{Name: sm.CookieName(), Value: sess.ID})
	reloaded, err := sm.Load(ctx, next)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.User() != "42" {
		t.Fatalf("expected user 42, got %q", reloaded.User())
	}
	if reloaded.Get("csrf_token") != "abc" {
		t.Fatalf("expected stored value to survive, got %q", reloaded.Get("csrf_token"))
	}
}

func TestSessionDestroyClearsState(t *testing.T) {
	sm := newSessionManager(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(ctx, req)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sess.SetUser("42")
	if err := sm.Commit(ctx, httptest.NewRecorder(), req, sess); err != nil {
		t.Fatalf("commit: %v", err)
	}

	sm.Destroy(sess)
	res := httptest.NewRecorder()
	if err := sm.Commit(ctx, res, req, sess); err != nil {
		t.Fatalf("commit destroy: %v", err)
	}

	var cleared bool
	for _, c := range res.Result().Cookies() {
		if c.Name == sm.CookieName() && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("expected expired cookie after destroy")
	}

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	next.AddCookie(&http.Cookie{Name: sm.CookieName(), Value: sess.ID})
	reloaded, err := sm.Load(ctx, next)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.User() != "" {
		t.Fatal("expected no user after destroy")
	}
}

func TestCSRFTokenLifecycle(t *testing.T) {
	cm := shared.NewCSRFManager("csrfsecret")
	sess := &shared.Session{ID: "sess-1"}

	token, err := cm.EnsureToken(context.Background(), sess)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if token == "" {
		t.Fatal("expected token")
	}

	again, err := cm.EnsureToken(context.Background(), sess)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again != token {
		t.Fatal("token must be stable per session")
	}

	if err := cm.VerifyToken(context.Background(), sess, token); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := cm.VerifyToken(context.Background(), sess, "forged"); err == nil {
		t.Fatal("expected mismatch error")
	}
	if err := cm.VerifyToken(context.Background(), sess, ""); err == nil {
		t.Fatal("expected missing token error")
	}
}
