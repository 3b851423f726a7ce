package authz

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/casafleet/casafleet/internal/platform/httpx"
	"github.com/casafleet/casafleet/internal/shared"
)

// Handler exposes the role registry and grant management over JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	mw        Middleware
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		mw:        mw,
		validator: validator.New(),
	}
}

// MountRoutes registers authorization routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.mw.RequireAny(PermRolesView, PermRolesManage)).Get("/roles", h.listRoles)
	r.With(h.mw.RequireAny(PermRolesManage)).Post("/roles", h.createRole)
	r.Route("/roles/{roleID}", func(r chi.Router) {
		r.With(h.mw.RequireAny(PermRolesView, PermRolesManage)).Get("/", h.getRole)
		r.With(h.mw.RequireAny(PermRolesManage)).Put("/", h.updateRole)
		r.With(h.mw.RequireAny(PermRolesManage)).Delete("/", h.deleteRole)
		r.With(h.mw.RequireAny(PermRolesManage)).Put("/permissions", h.setRolePermissions)
	})
	r.With(h.mw.RequireAny(PermPermissionsView, PermRolesManage)).Get("/permissions", h.listPermissions)
	r.Route("/users/{userID}", func(r chi.Router) {
		r.With(h.mw.RequireAny(PermUsersManage)).Post("/roles", h.assignRole)
		r.With(h.mw.RequireAny(PermUsersManage)).Delete("/roles/{roleID}", h.removeRole)
		r.With(h.mw.RequireAny(PermUsersView, PermUsersManage)).Get("/permissions", h.userPermissions)
	})
}

type roleResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type permissionResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Category    string `json:"category"`
	IsSystem    bool   `json:"is_system"`
}

type rolePermissionResponse struct {
	Permission string         `json:"permission"`
	Conditions map[string]any `json:"conditions,omitempty"`
}

type grantResponse struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	RoleID     int64      `json:"role_id"`
	AssignedBy int64      `json:"assigned_by"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Status     string     `json:"status"`
}

type roleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=64"`
	Description string `json:"description" validate:"max=255"`
}

type bundleRequest struct {
	Permissions []struct {
		Permission string         `json:"permission" validate:"required"`
		Conditions map[string]any `json:"conditions"`
	} `json:"permissions" validate:"required,dive"`
}

type assignRoleRequest struct {
	RoleID    int64      `json:"role_id" validate:"required,gt=0"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, r, "list roles", err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		h.fail(w, r, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), roleID)
	if err != nil {
		h.fail(w, r, "get role", err)
		return
	}
	perms, err := h.service.RolePermissions(r.Context(), roleID)
	if err != nil {
		h.fail(w, r, "get role permissions", err)
		return
	}
	bundle := make([]rolePermissionResponse, 0, len(perms))
	for _, p := range perms {
		bundle = append(bundle, rolePermissionResponse{Permission: p.Permission, Conditions: p.Conditions})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role": toRoleResponse(role), "permissions": bundle})
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), roleID, req.Name, req.Description)
	if err != nil {
		h.fail(w, r, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), roleID); err != nil {
		h.fail(w, r, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req bundleRequest
	if !h.decode(w, r, &req) {
		return
	}
	defs := make([]RolePermissionDef, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		defs = append(defs, RolePermissionDef{Permission: p.Permission, Conditions: p.Conditions})
	}
	if err := h.service.SetRolePermissions(r.Context(), roleID, defs); err != nil {
		h.fail(w, r, "set role permissions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, r, "list permissions", err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionResponse{
			ID:          p.ID,
			Name:        p.Name,
			Resource:    p.Resource,
			Action:      p.Action,
			Description: p.Description,
			Category:    p.Category,
			IsSystem:    p.IsSystem,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	actorID, ok := shared.ActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	var req assignRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	grant, err := h.service.AssignRole(r.Context(), userID, req.RoleID, actorID, req.ExpiresAt)
	if err != nil {
		h.fail(w, r, "assign role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grantResponse{
		ID:         grant.ID,
		UserID:     grant.UserID,
		RoleID:     grant.RoleID,
		AssignedBy: grant.AssignedBy,
		AssignedAt: grant.AssignedAt,
		ExpiresAt:  grant.ExpiresAt,
		Status:     string(grant.Status),
	})
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	actorID, ok := shared.ActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	count, err := h.service.RemoveRole(r.Context(), userID, roleID, actorID)
	if err != nil {
		h.fail(w, r, "remove role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"revoked": count})
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	perms, err := h.service.UserPermissions(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "user permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "permissions": perms})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if h.logger != nil {
		h.logger.Error(op, slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+name)
		return 0, false
	}
	return id, true
}

func toRoleResponse(role Role) roleResponse {
	return roleResponse{
		ID:          role.ID,
		Name:        role.Name,
		Description: role.Description,
		IsSystem:    role.IsSystem,
		IsActive:    role.IsActive,
		CreatedAt:   role.CreatedAt,
		UpdatedAt:   role.UpdatedAt,
	}
}
