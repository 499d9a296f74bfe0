package authz

import (
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"github.com/scholaris-sms/scholaris-sms/internal/shared"
)

// Middleware wires authorization guards for HTTP handlers. It also owns
// the cross-branch bypass convention: a user holding any of the
// system.cross_branch_access / system.manage_all_branches /
// system.view_all_branches slugs at global scope is checked without
// branch filtering. This is a convention of the consuming layer; the
// resolution engine itself has no notion of bypass.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := m.currentUserID(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			scope, ok := m.requestScope(w, r, userID)
			if !ok {
				return
			}
			allowed, err := m.Service.HasAnyPermission(r.Context(), userID, normalized, scope)
			if err != nil {
				m.logError("authz require any", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if allowed {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := m.currentUserID(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			scope, ok := m.requestScope(w, r, userID)
			if !ok {
				return
			}
			allowed, err := m.Service.HasAllPermissions(r.Context(), userID, normalized, scope)
			if err != nil {
				m.logError("authz require all", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if allowed {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// BypassesBranchFilter reports whether branch filtering should be skipped
// for the user, per the cross-branch access convention.
func (m Middleware) BypassesBranchFilter(r *http.Request, userID int64) (bool, error) {
	return m.Service.HasAnyPermission(r.Context(), userID, shared.CrossBranchScopes(), GlobalScope())
}

// requestScope derives the check scope from the branch_id query parameter.
// Reports false after writing a response when the request cannot proceed.
func (m Middleware) requestScope(w http.ResponseWriter, r *http.Request, userID int64) (Scope, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("branch_id"))
	if raw == "" {
		return GlobalScope(), true
	}
	branchID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return Scope{}, false
	}
	bypass, err := m.BypassesBranchFilter(r, userID)
	if err != nil {
		m.logError("authz bypass check", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return Scope{}, false
	}
	if bypass {
		return GlobalScope(), true
	}
	return BranchScope(branchID), true
}

func (m Middleware) currentUserID(r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("authz parse user id", slog.String("value", raw))
		}
		return 0, false
	}
	return id, true
}

func (m Middleware) logError(msg string, err error) {
	if m.Logger != nil {
		m.Logger.Error(msg, slog.Any("error", err))
	}
}

// normalizePermissions trims and deduplicates the requested slugs. Slugs
// stay case-sensitive: the catalog matches them exactly.
func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
