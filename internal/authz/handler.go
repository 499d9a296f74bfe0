package authz

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/scholaris-sms/scholaris-sms/internal/platform/httpx"
	"github.com/scholaris-sms/scholaris-sms/internal/shared"
)

// Handler exposes the authorization admin and introspection API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	mw        Middleware
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw Middleware) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		mw:        mw,
		validator: validator.New(),
	}
}

// MountRoutes registers authorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/me/permissions", h.myPermissions)
	r.Get("/me/check", h.check)

	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(shared.PermPermissionsView, shared.PermRolesView))
		r.Get("/modules", h.listModules)
		r.Get("/permissions", h.listPermissions)
		r.Get("/roles/{roleID}/permissions", h.rolePermissions)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(shared.PermRolesEdit))
		r.Put("/roles/{roleID}/permissions", h.syncRolePermissions)
		r.Post("/roles/{roleID}/permissions/{permissionID}", h.grantRolePermission)
		r.Delete("/roles/{roleID}/permissions/{permissionID}", h.revokeRolePermission)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(shared.PermUsersEdit))
		r.Post("/users/{userID}/roles", h.assignUserRole)
		r.Delete("/users/{userID}/roles/{roleID}", h.removeUserRole)
		r.Post("/users/{userID}/overrides", h.setUserOverride)
		r.Delete("/users/{userID}/overrides/{permissionID}", h.clearUserOverride)
	})
}

type moduleResponse struct {
	ID           int64  `json:"id"`
	Slug         string `json:"slug"`
	Name         string `json:"name"`
	DisplayOrder int    `json:"display_order"`
}

type permissionResponse struct {
	ID       int64  `json:"id"`
	ModuleID int64  `json:"module_id"`
	Action   string `json:"action"`
	Slug     string `json:"slug"`
}

type decisionResponse struct {
	UserID     int64     `json:"user_id"`
	Permission string    `json:"permission"`
	Allowed    bool      `json:"allowed"`
	CheckedAt  time.Time `json:"checked_at"`
}

func (h *Handler) listModules(w http.ResponseWriter, r *http.Request) {
	modules := h.service.Catalog().Modules()
	out := make([]moduleResponse, 0, len(modules))
	for _, m := range modules {
		out = append(out, moduleResponse{ID: m.ID, Slug: m.Slug, Name: m.Name, DisplayOrder: m.DisplayOrder})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"modules": out})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms := h.service.Catalog().Permissions()
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionResponse{ID: p.ID, ModuleID: p.ModuleID, Action: p.Action, Slug: p.Slug})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.mw.currentUserID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	scope, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	perms, err := h.service.EffectivePermissions(r.Context(), userID, scope)
	if err != nil {
		h.logger.Error("effective permissions", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	slugs := make([]string, 0, len(perms))
	for _, p := range perms {
		slugs = append(slugs, p.Slug)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "scope": scope.String(), "permissions": slugs})
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.mw.currentUserID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	slug := strings.TrimSpace(r.URL.Query().Get("slug"))
	if slug == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "slug query parameter is required")
		return
	}
	scope, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	allowed, err := h.service.HasPermission(r.Context(), userID, slug, scope)
	if err != nil {
		h.logger.Error("permission check", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, decisionResponse{
		UserID:     userID,
		Permission: slug,
		Allowed:    allowed,
		CheckedAt:  time.Now().UTC(),
	})
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	perms, err := h.service.RolePermissions(r.Context(), roleID)
	if err != nil {
		h.logger.Error("role permissions", slog.Any("error", err), slog.Int64("role_id", roleID))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionResponse{ID: p.ID, ModuleID: p.ModuleID, Action: p.Action, Slug: p.Slug})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": roleID, "permissions": out})
}

type syncRolePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required"`
}

func (h *Handler) syncRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req syncRolePermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actorID, _ := h.mw.currentUserID(r)
	if err := h.service.SyncRolePermissions(r.Context(), actorID, roleID, req.PermissionIDs); err != nil {
		h.logger.Error("sync role permissions", slog.Any("error", err), slog.Int64("role_id", roleID))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": roleID, "permission_ids": req.PermissionIDs})
}

func (h *Handler) grantRolePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	permissionID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	actorID, _ := h.mw.currentUserID(r)
	if err := h.service.GrantRolePermission(r.Context(), actorID, roleID, permissionID); err != nil {
		h.logger.Error("grant role permission", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeRolePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	permissionID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	actorID, _ := h.mw.currentUserID(r)
	if err := h.service.RevokeRolePermission(r.Context(), actorID, roleID, permissionID); err != nil {
		h.logger.Error("revoke role permission", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRoleRequest struct {
	RoleID    int64  `json:"role_id" validate:"required,gt=0"`
	BranchID  *int64 `json:"branch_id" validate:"omitempty,gt=0"`
	IsPrimary bool   `json:"is_primary"`
}

func (h *Handler) assignUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actorID, _ := h.mw.currentUserID(r)
	assignment := RoleAssignment{
		UserID:    userID,
		RoleID:    req.RoleID,
		Scope:     scopeFromOptionalBranch(req.BranchID),
		IsPrimary: req.IsPrimary,
	}
	if err := h.service.AssignUserRole(r.Context(), actorID, assignment); err != nil {
		h.logger.Error("assign user role", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	scope, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	actorID, _ := h.mw.currentUserID(r)
	if err := h.service.RemoveUserRole(r.Context(), actorID, userID, roleID, scope); err != nil {
		h.logger.Error("remove user role", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setOverrideRequest struct {
	PermissionID int64  `json:"permission_id" validate:"required,gt=0"`
	BranchID     *int64 `json:"branch_id" validate:"omitempty,gt=0"`
	Granted      *bool  `json:"granted" validate:"required"`
}

func (h *Handler) setUserOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	var req setOverrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actorID, _ := h.mw.currentUserID(r)
	err := h.service.SetUserOverride(r.Context(), actorID, userID, req.PermissionID, scopeFromOptionalBranch(req.BranchID), *req.Granted)
	if err != nil {
		if err == shared.ErrNotFound {
			httpx.RespondError(w, httpx.ErrNotFound)
			return
		}
		h.logger.Error("set user override", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearUserOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	permissionID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	scope, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	actorID, _ := h.mw.currentUserID(r)
	if err := h.service.ClearUserOverride(r.Context(), actorID, userID, permissionID, scope); err != nil {
		h.logger.Error("clear user override", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestScope parses the optional branch_id query parameter. Unlike the
// guard middleware it never applies the bypass convention: introspection
// and mutations always target the scope the caller named.
func (h *Handler) requestScope(w http.ResponseWriter, r *http.Request) (Scope, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("branch_id"))
	if raw == "" {
		return GlobalScope(), true
	}
	branchID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || branchID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "branch_id must be a positive integer")
		return Scope{}, false
	}
	return BranchScope(branchID), true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+name)
		return 0, false
	}
	return id, true
}

func scopeFromOptionalBranch(branchID *int64) Scope {
	if branchID == nil {
		return GlobalScope()
	}
	return BranchScope(*branchID)
}
