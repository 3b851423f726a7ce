package users

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/casafleet/casafleet/internal/authz"
	"github.com/casafleet/casafleet/internal/platform/httpx"
)

// Handler exposes the user directory over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
	mw      authz.Middleware
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw authz.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, mw: mw}
}

// MountRoutes registers user routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.mw.RequireAny(authz.PermUsersView, authz.PermUsersManage)).Get("/users", h.listUsers)
	r.With(h.mw.RequireAny(authz.PermUsersView, authz.PermUsersManage)).Get("/users/{userID}", h.getUser)
}

type userResponse struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListUsers(r.Context())
	if err != nil {
		h.logger.Error("list users", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]userResponse, 0, len(list))
	for _, user := range list {
		out = append(out, toUserResponse(user))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": out})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid userID")
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toUserResponse(user))
}

func toUserResponse(user User) userResponse {
	return userResponse{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		IsActive:  user.IsActive,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}
