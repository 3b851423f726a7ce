package authz

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/casafleet/casafleet/internal/shared"
)

// PermissionChecker is the fail-closed check surface the middleware needs.
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID int64, name string, conds map[string]any) bool
}

// Middleware wires authorization helpers for HTTP handlers.
type Middleware struct {
	Checker PermissionChecker
	Logger  *slog.Logger
}

// RequireAny ensures the current user has at least one of the required
// permissions. Checks are fail-closed: any resolver failure denies.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := shared.ActorIDFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			for _, perm := range normalized {
				if m.Checker.HasPermission(r.Context(), userID, perm, nil) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if m.Logger != nil {
				m.Logger.Info("request denied",
					slog.Int64("user_id", userID),
					slog.String("path", r.URL.Path))
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll ensures the current user has every required permission.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := shared.ActorIDFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			for _, perm := range normalized {
				if !m.Checker.HasPermission(r.Context(), userID, perm, nil) {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}
