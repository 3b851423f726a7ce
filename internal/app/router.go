package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/casafleet/casafleet/internal/auth"
	"github.com/casafleet/casafleet/internal/authz"
	"github.com/casafleet/casafleet/internal/impersonation"
	"github.com/casafleet/casafleet/internal/observability"
	"github.com/casafleet/casafleet/internal/shared"
	"github.com/casafleet/casafleet/internal/users"
	"github.com/casafleet/casafleet/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Metrics        *observability.Metrics

	AuthHandler          *auth.Handler
	UsersHandler         *users.Handler
	AuthzHandler         *authz.Handler
	ImpersonationHandler *impersonation.Handler
	JobsHandler          *jobs.Handler
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)

	r.Route("/api/admin", func(r chi.Router) {
		if params.AuthzHandler != nil {
			params.AuthzHandler.MountRoutes(r)
		}
		if params.UsersHandler != nil {
			params.UsersHandler.MountRoutes(r)
		}
		if params.ImpersonationHandler != nil {
			r.Route("/impersonation", params.ImpersonationHandler.MountRoutes)
		}
		if params.JobsHandler != nil {
			r.Route("/jobs", params.JobsHandler.MountRoutes)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
