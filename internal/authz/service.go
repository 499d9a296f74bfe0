package authz

import (
	"context"
	"log/slog"
	"sort"
	"strconv"

	"github.com/scholaris-sms/scholaris-sms/internal/observability"
	"github.com/scholaris-sms/scholaris-sms/internal/shared"
)

// Service is the permission resolution engine. Every check is a fresh,
// read-only computation over the stores: no resolution result is cached.
// Unknown users, slugs and branches resolve to a denial, never an error;
// storage failures always propagate, because a silent false would be
// indistinguishable from a correct denial.
type Service struct {
	repo    Repository
	catalog *Catalog
	audit   shared.AuditRecorder
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewService constructs the resolution engine.
func NewService(repo Repository, catalog *Catalog, audit shared.AuditRecorder, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, catalog: catalog, audit: audit, logger: logger, metrics: metrics}
}

// Catalog exposes the permission catalog snapshot.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// HasPermission reports whether the user holds the permission under the
// scope. An override for the exact (user, permission, scope) key is final;
// role membership is only consulted when no override exists.
func (s *Service) HasPermission(ctx context.Context, userID int64, slug string, scope Scope) (bool, error) {
	perm, ok := s.catalog.ResolveSlug(slug)
	if !ok {
		return s.decide(false), nil
	}

	overrides, err := s.repo.Overrides(ctx, userID, scope, []int64{perm.ID})
	if err != nil {
		return false, err
	}
	if len(overrides) > 0 {
		s.noteConflicts(userID, overrides)
		return s.decide(overrides[0].Granted), nil
	}

	granted, err := s.repo.HasRolePermission(ctx, userID, scope, []int64{perm.ID})
	if err != nil {
		return false, err
	}
	return s.decide(granted), nil
}

// HasAnyPermission reports whether the user holds at least one of the
// slugs under the scope. Equivalent to folding HasPermission over the
// slugs, but batched: one catalog resolution, one override fetch and at
// most one role existence query. A permission denied by an override is
// never resurrected by a role.
func (s *Service) HasAnyPermission(ctx context.Context, userID int64, slugs []string, scope Scope) (bool, error) {
	resolved := s.catalog.ResolveSlugs(slugs)
	if len(resolved) == 0 {
		return s.decide(false), nil
	}
	ids := make([]int64, 0, len(resolved))
	for _, perm := range resolved {
		ids = append(ids, perm.ID)
	}

	overrides, err := s.repo.Overrides(ctx, userID, scope, ids)
	if err != nil {
		return false, err
	}
	s.noteConflicts(userID, overrides)

	denied := make(map[int64]struct{})
	settled := make(map[int64]struct{})
	for _, o := range overrides {
		if _, dup := settled[o.PermissionID]; dup {
			continue
		}
		settled[o.PermissionID] = struct{}{}
		if o.Granted {
			return s.decide(true), nil
		}
		denied[o.PermissionID] = struct{}{}
	}

	remaining := ids[:0]
	for _, id := range ids {
		if _, ok := denied[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		return s.decide(false), nil
	}

	granted, err := s.repo.HasRolePermission(ctx, userID, scope, remaining)
	if err != nil {
		return false, err
	}
	return s.decide(granted), nil
}

// HasAllPermissions reports whether the user holds every slug under the
// scope. Stops at the first denial.
func (s *Service) HasAllPermissions(ctx context.Context, userID int64, slugs []string, scope Scope) (bool, error) {
	for _, slug := range slugs {
		ok, err := s.HasPermission(ctx, userID, slug, scope)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// EffectivePermissions computes the user's full permission set under the
// scope: the union of all role-derived permissions, with granted overrides
// added and revoked overrides removed. For every catalog permission p,
// p is in the result exactly when HasPermission(p.Slug) is true.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64, scope Scope) ([]Permission, error) {
	baseIDs, err := s.repo.RolePermissionsOf(ctx, userID, scope)
	if err != nil {
		return nil, err
	}
	base := make(map[int64]struct{}, len(baseIDs))
	for _, id := range baseIDs {
		base[id] = struct{}{}
	}

	overrides, err := s.repo.Overrides(ctx, userID, scope, nil)
	if err != nil {
		return nil, err
	}
	s.noteConflicts(userID, overrides)

	settled := make(map[int64]struct{}, len(overrides))
	for _, o := range overrides {
		if _, dup := settled[o.PermissionID]; dup {
			continue
		}
		settled[o.PermissionID] = struct{}{}
		if o.Granted {
			base[o.PermissionID] = struct{}{}
		} else {
			delete(base, o.PermissionID)
		}
	}

	perms := make([]Permission, 0, len(base))
	for id := range base {
		if perm, ok := s.catalog.PermissionByID(id); ok {
			perms = append(perms, perm)
		}
	}
	sortPermissions(perms)
	return perms, nil
}

// GrantRolePermission adds one permission to a role.
func (s *Service) GrantRolePermission(ctx context.Context, actorID, roleID, permissionID int64) error {
	if err := s.repo.AttachRolePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "authz.role.grant_permission", "role", roleID, map[string]any{"permission_id": permissionID})
	return nil
}

// RevokeRolePermission removes one permission from a role.
func (s *Service) RevokeRolePermission(ctx context.Context, actorID, roleID, permissionID int64) error {
	if err := s.repo.DetachRolePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "authz.role.revoke_permission", "role", roleID, map[string]any{"permission_id": permissionID})
	return nil
}

// SyncRolePermissions replaces the role's permission set with exactly the
// given set, in one transaction. Idempotent; anything not listed is
// detached.
func (s *Service) SyncRolePermissions(ctx context.Context, actorID, roleID int64, permissionIDs []int64) error {
	if err := s.repo.ReplaceRolePermissions(ctx, roleID, permissionIDs); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "authz.role.sync_permissions", "role", roleID, map[string]any{"permission_ids": permissionIDs})
	return nil
}

// RolePermissions lists the role's permission set as catalog entries.
func (s *Service) RolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	ids, err := s.repo.RolePermissionIDs(ctx, roleID)
	if err != nil {
		return nil, err
	}
	perms := make([]Permission, 0, len(ids))
	for _, id := range ids {
		if perm, ok := s.catalog.PermissionByID(id); ok {
			perms = append(perms, perm)
		}
	}
	sortPermissions(perms)
	return perms, nil
}

// SetUserOverride upserts a per-user grant or revoke of one permission.
func (s *Service) SetUserOverride(ctx context.Context, actorID, userID, permissionID int64, scope Scope, granted bool) error {
	if _, ok := s.catalog.PermissionByID(permissionID); !ok {
		return shared.ErrNotFound
	}
	err := s.repo.UpsertOverride(ctx, Override{
		UserID:       userID,
		PermissionID: permissionID,
		Scope:        scope,
		Granted:      granted,
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "authz.user.set_override", "user", userID, map[string]any{
		"permission_id": permissionID,
		"scope":         scope.String(),
		"granted":       granted,
	})
	return nil
}

// ClearUserOverride removes an override, restoring role-derived behaviour.
func (s *Service) ClearUserOverride(ctx context.Context, actorID, userID, permissionID int64, scope Scope) error {
	if err := s.repo.DeleteOverride(ctx, userID, permissionID, scope); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "authz.user.clear_override", "user", userID, map[string]any{
		"permission_id": permissionID,
		"scope":         scope.String(),
	})
	return nil
}

// AssignUserRole attaches a role to a user, optionally scoped to a branch.
func (s *Service) AssignUserRole(ctx context.Context, actorID int64, assignment RoleAssignment) error {
	if err := s.repo.AssignRole(ctx, assignment); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "authz.user.assign_role", "user", assignment.UserID, map[string]any{
		"role_id":    assignment.RoleID,
		"scope":      assignment.Scope.String(),
		"is_primary": assignment.IsPrimary,
	})
	return nil
}

// RemoveUserRole detaches a role assignment.
func (s *Service) RemoveUserRole(ctx context.Context, actorID, userID, roleID int64, scope Scope) error {
	if err := s.repo.RemoveRole(ctx, userID, roleID, scope); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "authz.user.remove_role", "user", userID, map[string]any{
		"role_id": roleID,
		"scope":   scope.String(),
	})
	return nil
}

func (s *Service) decide(allowed bool) bool {
	if s.metrics != nil {
		s.metrics.AuthzDecision(allowed)
	}
	return allowed
}

// noteConflicts flags duplicate override rows for the same permission.
// The rows arrive most recent first, so the first row per permission wins;
// the rest indicate a data-integrity problem worth surfacing.
func (s *Service) noteConflicts(userID int64, overrides []Override) {
	seen := make(map[int64]struct{}, len(overrides))
	for _, o := range overrides {
		if _, dup := seen[o.PermissionID]; dup {
			if s.metrics != nil {
				s.metrics.OverrideConflict()
			}
			s.logger.Warn("conflicting override rows, most recent wins",
				slog.Int64("user_id", userID),
				slog.Int64("permission_id", o.PermissionID),
				slog.String("scope", o.Scope.String()))
			continue
		}
		seen[o.PermissionID] = struct{}{}
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}

func sortPermissions(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool { return perms[i].Slug < perms[j].Slug })
}
