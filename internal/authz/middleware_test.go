package authz_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/casafleet/casafleet/internal/authz"
	"github.com/casafleet/casafleet/internal/shared"
)

type stubChecker struct {
	allowed map[string]bool
}

func (s stubChecker) HasPermission(ctx context.Context, userID int64, name string, conds map[string]any) bool {
	return s.allowed[name]
}

func protectedRequest(t *testing.T, userID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/admin/roles", nil)
	sess := &shared.Session{ID: "test"}
	if userID != "" {
		sess.SetUser(userID)
	}
	return req.WithContext(shared.ContextWithSession(req.Context(), sess))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAnyGrantsOnFirstMatch(t *testing.T) {
	mw := authz.Middleware{Checker: stubChecker{allowed: map[string]bool{"roles.view": true}}}
	handler := mw.RequireAny("roles.manage", "roles.view")(okHandler())

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, protectedRequest(t, "7"))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestRequireAnyDeniesWithoutMatch(t *testing.T) {
	mw := authz.Middleware{Checker: stubChecker{allowed: map[string]bool{}}}
	handler := mw.RequireAny("roles.manage")(okHandler())

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, protectedRequest(t, "7"))
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
}

func TestRequireAnyDeniesAnonymous(t *testing.T) {
	mw := authz.Middleware{Checker: stubChecker{allowed: map[string]bool{"roles.view": true}}}
	handler := mw.RequireAny("roles.view")(okHandler())

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, protectedRequest(t, ""))
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for anonymous request, got %d", res.Code)
	}
}

func TestRequireAllDeniesPartialMatch(t *testing.T) {
	mw := authz.Middleware{Checker: stubChecker{allowed: map[string]bool{"users.view": true}}}

	res := httptest.NewRecorder()
	mw.RequireAll("users.view", "users.manage")(okHandler()).ServeHTTP(res, protectedRequest(t, "7"))
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}

	mw.Checker = stubChecker{allowed: map[string]bool{"users.view": true, "users.manage": true}}
	res = httptest.NewRecorder()
	mw.RequireAll("users.view", "users.manage")(okHandler()).ServeHTTP(res, protectedRequest(t, "7"))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestRequireAnyNormalizesNames(t *testing.T) {
	mw := authz.Middleware{Checker: stubChecker{allowed: map[string]bool{"roles.view": true}}}
	handler := mw.RequireAny("  ROLES.VIEW  ", "roles.view")(okHandler())

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, protectedRequest(t, "7"))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 after normalization, got %d", res.Code)
	}
}
