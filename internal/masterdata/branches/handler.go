package branches

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/scholaris-sms/scholaris-sms/internal/authz"
	"github.com/scholaris-sms/scholaris-sms/internal/masterdata/shared"
	"github.com/scholaris-sms/scholaris-sms/internal/platform/httpx"
	internalShared "github.com/scholaris-sms/scholaris-sms/internal/shared"
)

type Handler struct {
	logger    *slog.Logger
	service   *Service
	mw        authz.Middleware
	validator *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service, mw authz.Middleware) *Handler {
	return &Handler{logger: logger, service: service, mw: mw, validator: validator.New()}
}

// MountRoutes registers branch routes. Reads require branches.view, the
// tree endpoints included; writes require branches.edit.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(internalShared.PermBranchesView))
		r.Get("/", h.List)
		r.Get("/{id}", h.Show)
		r.Get("/{id}/descendants", h.Descendants)
		r.Get("/{id}/ancestors", h.Ancestors)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(internalShared.PermBranchesEdit))
		r.Post("/", h.Create)
		r.Put("/{id}", h.Update)
		r.Delete("/{id}", h.Delete)
	})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = shared.DefaultPage
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = shared.DefaultLimit
	}

	filters := shared.ListFilters{
		Page:    page,
		Limit:   limit,
		Search:  r.URL.Query().Get("search"),
		SortBy:  r.URL.Query().Get("sort"),
		SortDir: r.URL.Query().Get("dir"),
	}

	if raw := r.URL.Query().Get("parent_id"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filters.ParentID = &parsed
		}
	}

	list, total, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.logger.Error("list branches failed", "error", err)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	httpx.JSON(w, http.StatusOK, map[string]any{"branches": list, "total": total})
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	branch, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	httpx.JSON(w, http.StatusOK, branch)
}

// Descendants returns the closure of branches below the given one.
func (h *Handler) Descendants(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	includeSelf := r.URL.Query().Get("include_self") == "true"
	ids, err := h.service.DescendantIDs(r.Context(), id, includeSelf)
	if err != nil {
		h.logger.Error("branch descendants failed", "error", err, "id", id)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	out := make([]int64, 0, len(ids))
	for bid := range ids {
		out = append(out, bid)
	}
	sortIDs(out)
	httpx.JSON(w, http.StatusOK, map[string]any{"branch_id": id, "include_self": includeSelf, "descendant_ids": out})
}

// Ancestors returns the parent chain, nearest first.
func (h *Handler) Ancestors(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	ancestors, err := h.service.Ancestors(r.Context(), id)
	if err != nil {
		h.logger.Error("branch ancestors failed", "error", err, "id", id)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"branch_id": id, "ancestors": ancestors})
}

type branchForm struct {
	ParentID *int64 `json:"parent_id" validate:"omitempty,gt=0"`
	Code     string `json:"code" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Address  string `json:"address"`
	IsActive *bool  `json:"is_active"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	form, ok := h.decodeForm(w, r)
	if !ok {
		return
	}
	branch := Branch{
		ParentID: form.ParentID,
		Code:     form.Code,
		Name:     form.Name,
		Address:  form.Address,
		IsActive: form.IsActive == nil || *form.IsActive,
	}
	created, err := h.service.Create(r.Context(), branch)
	if err != nil {
		h.logger.Error("create branch failed", "error", err)
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	form, ok := h.decodeForm(w, r)
	if !ok {
		return
	}
	branch := Branch{
		ParentID: form.ParentID,
		Code:     form.Code,
		Name:     form.Name,
		Address:  form.Address,
		IsActive: form.IsActive == nil || *form.IsActive,
	}
	if err := h.service.Update(r.Context(), id, branch); err != nil {
		h.logger.Error("update branch failed", "error", err, "id", id)
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.logger.Error("delete branch failed", "error", err, "id", id)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeForm(w http.ResponseWriter, r *http.Request) (branchForm, bool) {
	var form branchForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return form, false
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return form, false
	}
	return form, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid branch ID")
		return 0, false
	}
	return id, true
}

func sortIDs(ids []int64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
