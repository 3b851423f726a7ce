package impersonation

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/casafleet/casafleet/internal/authz"
	"github.com/casafleet/casafleet/internal/platform/httpx"
	"github.com/casafleet/casafleet/internal/shared"
)

// Handler exposes impersonation operations over JSON.
type Handler struct {
	logger    *slog.Logger
	manager   *Manager
	mw        authz.Middleware
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, manager *Manager, mw authz.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		manager:   manager,
		mw:        mw,
		validator: validator.New(),
	}
}

// MountRoutes registers impersonation routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.mw.RequireAny(authz.PermImpersonate)).Post("/start", h.start)
	r.With(h.mw.RequireAny(authz.PermImpersonate)).Post("/end", h.end)
	r.With(h.mw.RequireAny(authz.PermImpersonate)).Get("/status", h.status)
	r.With(h.mw.RequireAny(authz.PermImpersonationAudit)).Get("/active", h.listActive)
	r.With(h.mw.RequireAny(authz.PermImpersonationAudit)).Get("/history", h.listHistory)
}

type startRequest struct {
	TargetUserID int64  `json:"target_user_id" validate:"required,gt=0"`
	Reason       string `json:"reason" validate:"required,min=3,max=500"`
}

type sessionResponse struct {
	ID           int64      `json:"id"`
	AdminID      int64      `json:"admin_id"`
	TargetUserID int64      `json:"target_user_id"`
	Reason       string     `json:"reason"`
	IPAddress    string     `json:"ip_address,omitempty"`
	UserAgent    string     `json:"user_agent,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Status       string     `json:"status"`
}

type credentialResponse struct {
	Token     string    `json:"token"`
	ExpiresIn int64     `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	adminID, ok := shared.ActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	var req startRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.manager.Start(r.Context(), StartParams{
		AdminID:      adminID,
		TargetUserID: req.TargetUserID,
		Reason:       req.Reason,
		IPAddress:    r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.fail(w, r, "start impersonation", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"session":    toSessionResponse(result.Session),
		"credential": toCredentialResponse(result.Credential),
	})
}

func (h *Handler) end(w http.ResponseWriter, r *http.Request) {
	adminID, ok := shared.ActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	result, err := h.manager.End(r.Context(), adminID)
	if err != nil {
		h.fail(w, r, "end impersonation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"session":    toSessionResponse(result.Session),
		"credential": toCredentialResponse(result.Credential),
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	adminID, ok := shared.ActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	status, err := h.manager.CurrentStatus(r.Context(), adminID)
	if err != nil {
		h.fail(w, r, "impersonation status", err)
		return
	}
	payload := map[string]any{"is_impersonating": status.IsImpersonating}
	if status.Session != nil {
		payload["session"] = toSessionResponse(*status.Session)
	}
	httpx.JSON(w, http.StatusOK, payload)
}

func (h *Handler) listActive(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.manager.ListActive(r.Context())
	if err != nil {
		h.fail(w, r, "list active impersonations", err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	filter := HistoryFilter{
		AdminID:      queryID(r, "admin_id"),
		TargetUserID: queryID(r, "target_id"),
		Page:         queryInt(r, "page"),
		PerPage:      queryInt(r, "per_page"),
	}
	sessions, paging, err := h.manager.ListHistory(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "list impersonation history", err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"sessions": out,
		"pagination": map[string]int{
			"page":        paging.Page,
			"per_page":    paging.PerPage,
			"total":       paging.Total,
			"total_pages": paging.TotalPages,
		},
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if h.logger != nil {
		h.logger.Error(op, slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func toSessionResponse(sess Session) sessionResponse {
	return sessionResponse{
		ID:           sess.ID,
		AdminID:      sess.AdminID,
		TargetUserID: sess.TargetUserID,
		Reason:       sess.Reason,
		IPAddress:    sess.IPAddress,
		UserAgent:    sess.UserAgent,
		StartedAt:    sess.StartedAt,
		EndedAt:      sess.EndedAt,
		Status:       string(sess.Status),
	}
}

func toCredentialResponse(cred Credential) credentialResponse {
	return credentialResponse{
		Token:     cred.Token,
		ExpiresIn: int64(cred.TTL.Seconds()),
		ExpiresAt: cred.ExpiresAt,
	}
}

func queryID(r *http.Request, name string) int64 {
	id, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
