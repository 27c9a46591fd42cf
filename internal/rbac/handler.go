package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sentinel-iam/sentinel/internal/platform/httpx"
	"github.com/sentinel-iam/sentinel/internal/shared"
)

// DecisionObserver counts authorization decision outcomes.
type DecisionObserver interface {
	CountDecision(granted bool)
}

// Handler exposes the permission management and authorization API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     Middleware
	observer  DecisionObserver
	validator *validator.Validate
}

// NewHandler builds a Handler instance. The observer may be nil.
func NewHandler(logger *slog.Logger, service *Service, guard Middleware, observer DecisionObserver) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		guard:     guard,
		observer:  observer,
		validator: validator.New(),
	}
}

// MountRoutes registers the API routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/roles", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.guard.RequireAny(shared.PermRolesView, shared.PermRolesEdit))
			r.Get("/", h.listRoles)
			r.Get("/{roleID}", h.getRole)
			r.Get("/{roleID}/permissions", h.rolePermissions)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.guard.RequireAll(shared.PermRolesEdit))
			r.Post("/", h.createRole)
			r.Put("/{roleID}", h.updateRole)
			r.Delete("/{roleID}", h.deleteRole)
			r.Put("/{roleID}/permissions", h.setRolePermissions)
		})
	})

	r.Route("/permissions", func(r chi.Router) {
		r.With(h.guard.RequireAny(shared.PermPermissionsView, shared.PermPermissionsEdit)).
			Get("/", h.listPermissions)
		r.Group(func(r chi.Router) {
			r.Use(h.guard.RequireAll(shared.PermPermissionsEdit))
			r.Post("/", h.createPermission)
			r.Patch("/{permissionID}/active", h.setPermissionActive)
		})
	})

	r.Route("/users/{userID}", func(r chi.Router) {
		r.With(h.guard.RequireAny(shared.PermUsersView, shared.PermUsersEdit)).
			Get("/permissions", h.effectivePermissions)
		r.Group(func(r chi.Router) {
			r.Use(h.guard.RequireAll(shared.PermUsersEdit))
			r.Post("/roles", h.assignRole)
			r.Delete("/roles/{roleID}", h.removeRole)
		})
		r.With(h.guard.RequireAny(shared.PermOverridesView, shared.PermOverridesEdit)).
			Get("/overrides", h.listOverrides)
		r.Group(func(r chi.Router) {
			r.Use(h.guard.RequireAll(shared.PermOverridesEdit))
			r.Put("/overrides", h.upsertOverride)
			r.Delete("/overrides/{permissionID}", h.deleteOverride)
		})
	})

	r.With(h.guard.RequireAny(shared.PermUsersView, shared.PermUsersEdit)).
		Post("/authz/check", h.checkPermission)

	r.Route("/cache", func(r chi.Router) {
		r.Use(h.guard.RequireAll(shared.PermCacheAdmin))
		r.Get("/stats", h.cacheStats)
		r.Post("/clear", h.clearCache)
		r.Post("/warmup", h.warmUp)
	})
}

type roleResponse struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	IsActive    bool     `json:"is_active"`
	Permissions []string `json:"permissions"`
}

func toRoleResponse(role Role) roleResponse {
	names := make([]string, 0, len(role.Permissions))
	for _, p := range role.Permissions {
		names = append(names, p.Name())
	}
	return roleResponse{
		ID:          role.ID,
		Name:        role.Name,
		Description: role.Description,
		IsActive:    role.IsActive,
		Permissions: names,
	}
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

type roleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=64"`
	Description string `json:"description" validate:"max=255"`
	IsActive    *bool  `json:"is_active"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	role, err := h.service.UpdateRole(r.Context(), id, req.Name, req.Description, active)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rolePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required"`
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req rolePermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), id, req.PermissionIDs); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	names, err := h.service.RolePermissionNames(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": id, "permissions": names})
}

type permissionResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Category    string `json:"category"`
	IsActive    bool   `json:"is_active"`
	ParentID    *int64 `json:"parent_id,omitempty"`
}

func toPermissionResponse(p Permission) permissionResponse {
	return permissionResponse{
		ID:          p.ID,
		Name:        p.Name(),
		Resource:    p.Resource,
		Action:      p.Action,
		Description: p.Description,
		Category:    p.Category,
		IsActive:    p.IsActive,
		ParentID:    p.ParentID,
	}
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	pagination := shared.NewPagination(page, perPage, len(perms))

	start := (pagination.Page - 1) * pagination.PerPage
	if start > len(perms) {
		start = len(perms)
	}
	end := start + pagination.PerPage
	if end > len(perms) {
		end = len(perms)
	}

	out := make([]permissionResponse, 0, end-start)
	for _, p := range perms[start:end] {
		out = append(out, toPermissionResponse(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"permissions": out,
		"pagination": map[string]int{
			"page":        pagination.Page,
			"per_page":    pagination.PerPage,
			"total":       pagination.Total,
			"total_pages": pagination.TotalPages,
		},
	})
}

type permissionRequest struct {
	Resource    string `json:"resource" validate:"required,min=2,max=64"`
	Action      string `json:"action" validate:"required,min=2,max=64"`
	Description string `json:"description" validate:"max=255"`
	Category    string `json:"category" validate:"max=64"`
	ParentID    *int64 `json:"parent_id"`
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), req.Resource, req.Action, req.Description, req.Category, req.ParentID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPermissionResponse(perm))
}

type activeRequest struct {
	IsActive bool `json:"is_active"`
}

func (h *Handler) setPermissionActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	var req activeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.service.SetPermissionActive(r.Context(), id, req.IsActive); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	perms, err := h.service.EffectivePermissions(r.Context(), userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "permissions": perms})
}

type assignRoleRequest struct {
	RoleID int64 `json:"role_id" validate:"required,gt=0"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req assignRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.AssignRole(r.Context(), userID, req.RoleID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
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
	if err := h.service.RemoveRole(r.Context(), userID, roleID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type overrideResponse struct {
	PermissionID int64      `json:"permission_id"`
	State        string     `json:"state"`
	Reason       string     `json:"reason,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (h *Handler) listOverrides(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	overrides, err := h.service.ListOverrides(r.Context(), userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]overrideResponse, 0, len(overrides))
	for _, o := range overrides {
		out = append(out, overrideResponse{
			PermissionID: o.PermissionID,
			State:        string(o.State),
			Reason:       o.Reason,
			ExpiresAt:    o.ExpiresAt,
			CreatedAt:    o.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "overrides": out})
}

type overrideRequest struct {
	PermissionID int64      `json:"permission_id" validate:"required,gt=0"`
	State        string     `json:"state" validate:"required,oneof=grant deny"`
	Reason       string     `json:"reason" validate:"max=255"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

func (h *Handler) upsertOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req overrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.service.UpsertOverride(r.Context(), UserPermission{
		UserID:       userID,
		PermissionID: req.PermissionID,
		State:        OverrideState(req.State),
		Reason:       req.Reason,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	permissionID, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	if err := h.service.DeleteOverride(r.Context(), userID, permissionID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkRequest struct {
	UserID     int64  `json:"user_id" validate:"required,gt=0"`
	Permission string `json:"permission"`
	Resource   string `json:"resource"`
	Action     string `json:"action"`
}

type checkResponse struct {
	UserID        int64    `json:"user_id"`
	Permission    string   `json:"permission"`
	Granted       bool     `json:"granted"`
	Source        string   `json:"source"`
	Reason        string   `json:"reason"`
	GrantingRoles []string `json:"granting_roles,omitempty"`
	Parent        string   `json:"parent_permission,omitempty"`
}

func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		result EvaluationResult
		name   string
		err    error
	)
	switch {
	case req.Permission != "":
		name = req.Permission
		result, err = h.service.Check(r.Context(), req.UserID, req.Permission)
	case req.Resource != "" && req.Action != "":
		name = req.Resource + "." + req.Action
		result, err = h.service.CheckResourceAction(r.Context(), req.UserID, req.Resource, req.Action)
	default:
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "permission or resource/action is required")
		return
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if h.observer != nil {
		h.observer.CountDecision(result.HasPermission)
	}

	httpx.JSON(w, http.StatusOK, checkResponse{
		UserID:        req.UserID,
		Permission:    name,
		Granted:       result.HasPermission,
		Source:        string(result.Source),
		Reason:        result.Reason,
		GrantingRoles: result.GrantingRoles,
		Parent:        result.ParentPermission,
	})
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.service.CacheStatistics())
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	h.service.ClearCache(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type warmUpRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

func (h *Handler) warmUp(w http.ResponseWriter, r *http.Request) {
	var req warmUpRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.service.WarmUp(r.Context(), req.UserID)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrExpiryInPast), errors.Is(err, ErrBlankPermission):
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid "+name)
		return 0, false
	}
	return id, true
}
