package authz

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/scholaris-sms/scholaris-sms/internal/shared"
)

type stubRepo struct {
	modules     []Module
	perms       []Permission
	rolePerms   map[int64][]int64
	roleActive  map[int64]bool
	assignments []RoleAssignment
	overrides   []Override
	overrideSeq int64
	failWith    error

	attached []int64
	detached []int64
}

func (s *stubRepo) ListModules(context.Context) ([]Module, error) {
	return append([]Module(nil), s.modules...), nil
}

func (s *stubRepo) ListPermissions(context.Context) ([]Permission, error) {
	return append([]Permission(nil), s.perms...), nil
}

func (s *stubRepo) EnsureModule(_ context.Context, slug, name string, displayOrder int) (Module, error) {
	for _, m := range s.modules {
		if m.Slug == slug {
			return m, nil
		}
	}
	m := Module{ID: int64(len(s.modules) + 1), Slug: slug, Name: name, DisplayOrder: displayOrder}
	s.modules = append(s.modules, m)
	return m, nil
}

func (s *stubRepo) EnsurePermission(_ context.Context, moduleID int64, action, slug string) (Permission, error) {
	for _, p := range s.perms {
		if p.Slug == slug {
			return p, nil
		}
	}
	p := Permission{ID: int64(len(s.perms) + 1), ModuleID: moduleID, Action: action, Slug: slug}
	s.perms = append(s.perms, p)
	return p, nil
}

func (s *stubRepo) RolePermissionIDs(_ context.Context, roleID int64) ([]int64, error) {
	return append([]int64(nil), s.rolePerms[roleID]...), nil
}

func (s *stubRepo) AttachRolePermission(_ context.Context, roleID, permissionID int64) error {
	if s.rolePerms == nil {
		s.rolePerms = make(map[int64][]int64)
	}
	s.rolePerms[roleID] = append(s.rolePerms[roleID], permissionID)
	s.attached = append(s.attached, permissionID)
	return nil
}

func (s *stubRepo) DetachRolePermission(_ context.Context, roleID, permissionID int64) error {
	kept := s.rolePerms[roleID][:0]
	for _, id := range s.rolePerms[roleID] {
		if id != permissionID {
			kept = append(kept, id)
		}
	}
	s.rolePerms[roleID] = kept
	s.detached = append(s.detached, permissionID)
	return nil
}

func (s *stubRepo) ReplaceRolePermissions(_ context.Context, roleID int64, permissionIDs []int64) error {
	if s.rolePerms == nil {
		s.rolePerms = make(map[int64][]int64)
	}
	keep := make(map[int64]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		keep[id] = struct{}{}
	}
	current := make(map[int64]struct{}, len(s.rolePerms[roleID]))
	kept := s.rolePerms[roleID][:0]
	for _, id := range s.rolePerms[roleID] {
		current[id] = struct{}{}
		if _, ok := keep[id]; ok {
			kept = append(kept, id)
		} else {
			s.detached = append(s.detached, id)
		}
	}
	for _, id := range permissionIDs {
		if _, ok := current[id]; !ok {
			kept = append(kept, id)
			s.attached = append(s.attached, id)
		}
	}
	s.rolePerms[roleID] = kept
	return nil
}

func (s *stubRepo) AssignRole(_ context.Context, assignment RoleAssignment) error {
	s.assignments = append(s.assignments, assignment)
	return nil
}

func (s *stubRepo) RemoveRole(_ context.Context, userID, roleID int64, scope Scope) error {
	kept := s.assignments[:0]
	for _, a := range s.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.Scope == scope {
			continue
		}
		kept = append(kept, a)
	}
	s.assignments = kept
	return nil
}

func (s *stubRepo) UpsertOverride(_ context.Context, override Override) error {
	for i, o := range s.overrides {
		if o.UserID == override.UserID && o.PermissionID == override.PermissionID && o.Scope == override.Scope {
			s.overrides[i].Granted = override.Granted
			s.overrides[i].UpdatedAt = time.Now()
			return nil
		}
	}
	s.overrideSeq++
	override.ID = s.overrideSeq
	override.UpdatedAt = time.Now()
	s.overrides = append(s.overrides, override)
	return nil
}

func (s *stubRepo) DeleteOverride(_ context.Context, userID, permissionID int64, scope Scope) error {
	kept := s.overrides[:0]
	for _, o := range s.overrides {
		if o.UserID == userID && o.PermissionID == permissionID && o.Scope == scope {
			continue
		}
		kept = append(kept, o)
	}
	s.overrides = kept
	return nil
}

func (s *stubRepo) assignmentMatches(a RoleAssignment, userID int64, scope Scope) bool {
	if a.UserID != userID {
		return false
	}
	if s.roleActive != nil && !s.roleActive[a.RoleID] {
		return false
	}
	branchID, specific := scope.BranchID()
	if !specific {
		return true
	}
	aBranch, aSpecific := a.Scope.BranchID()
	return !aSpecific || aBranch == branchID
}

func (s *stubRepo) HasRolePermission(_ context.Context, userID int64, scope Scope, permissionIDs []int64) (bool, error) {
	if s.failWith != nil {
		return false, s.failWith
	}
	wanted := make(map[int64]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		wanted[id] = struct{}{}
	}
	for _, a := range s.assignments {
		if !s.assignmentMatches(a, userID, scope) {
			continue
		}
		for _, id := range s.rolePerms[a.RoleID] {
			if _, ok := wanted[id]; ok {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *stubRepo) Overrides(_ context.Context, userID int64, scope Scope, permissionIDs []int64) ([]Override, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	var wanted map[int64]struct{}
	if permissionIDs != nil {
		wanted = make(map[int64]struct{}, len(permissionIDs))
		for _, id := range permissionIDs {
			wanted[id] = struct{}{}
		}
	}
	branchID, specific := scope.BranchID()
	var rows []Override
	for _, o := range s.overrides {
		if o.UserID != userID {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[o.PermissionID]; !ok {
				continue
			}
		}
		if specific {
			oBranch, oSpecific := o.Scope.BranchID()
			if oSpecific && oBranch != branchID {
				continue
			}
		}
		rows = append(rows, o)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].UpdatedAt.Equal(rows[j].UpdatedAt) {
			return rows[i].UpdatedAt.After(rows[j].UpdatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	return rows, nil
}

func (s *stubRepo) RolePermissionsOf(_ context.Context, userID int64, scope Scope) ([]int64, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	seen := make(map[int64]struct{})
	var ids []int64
	for _, a := range s.assignments {
		if !s.assignmentMatches(a, userID, scope) {
			continue
		}
		for _, id := range s.rolePerms[a.RoleID] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type stubAudit struct {
	logs []shared.AuditLog
}

func (s *stubAudit) Record(_ context.Context, log shared.AuditLog) error {
	s.logs = append(s.logs, log)
	return nil
}

// newTestRepo models a school with a teacher role: exams.view and
// attendance.mark granted, exams.publish not. User 42 holds the role at
// branch 7 only.
func newTestRepo() *stubRepo {
	return &stubRepo{
		modules: []Module{
			{ID: 1, Slug: "exams", Name: "Exams", DisplayOrder: 10},
			{ID: 2, Slug: "attendance", Name: "Attendance", DisplayOrder: 20},
		},
		perms: []Permission{
			{ID: 100, ModuleID: 1, Action: "view", Slug: "exams.view"},
			{ID: 101, ModuleID: 1, Action: "publish", Slug: "exams.publish"},
			{ID: 102, ModuleID: 2, Action: "mark", Slug: "attendance.mark"},
		},
		rolePerms:  map[int64][]int64{5: {100, 102}},
		roleActive: map[int64]bool{5: true},
		assignments: []RoleAssignment{
			{UserID: 42, RoleID: 5, Scope: BranchScope(7)},
		},
	}
}

func newTestService(t *testing.T, repo *stubRepo, audit shared.AuditRecorder) *Service {
	t.Helper()
	catalog, err := NewCatalog(context.Background(), repo)
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return NewService(repo, catalog, audit, slog.Default(), nil)
}

func TestHasPermissionRoleGrant(t *testing.T) {
	svc := newTestService(t, newTestRepo(), nil)
	ctx := context.Background()

	ok, err := svc.HasPermission(ctx, 42, "exams.view", BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Fatal("expected role-derived grant at assigned branch")
	}

	ok, err = svc.HasPermission(ctx, 42, "exams.view", BranchScope(9))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("assignment at branch 7 must not grant access at branch 9")
	}

	ok, err = svc.HasPermission(ctx, 42, "exams.publish", BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("role does not carry exams.publish")
	}
}

func TestHasPermissionUnknownsDeny(t *testing.T) {
	svc := newTestService(t, newTestRepo(), nil)
	ctx := context.Background()

	ok, err := svc.HasPermission(ctx, 42, "no.such_permission", BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("unknown slug must deny")
	}

	// Slugs are case-sensitive exact matches.
	ok, err = svc.HasPermission(ctx, 42, "Exams.View", BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("slug lookup must be case-sensitive")
	}

	ok, err = svc.HasPermission(ctx, 9999, "exams.view", BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("unknown user must deny")
	}
}

func TestOverrideBeatsRole(t *testing.T) {
	repo := newTestRepo()
	svc := newTestService(t, repo, nil)
	ctx := context.Background()

	// Revoke override on a role-granted permission.
	if err := svc.SetUserOverride(ctx, 1, 42, 100, BranchScope(7), false); err != nil {
		t.Fatalf("set override: %v", err)
	}
	ok, err := svc.HasPermission(ctx, 42, "exams.view", BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("deny override must beat role grant")
	}

	// Grant override on a permission no role carries.
	if err := svc.SetUserOverride(ctx, 1, 42, 101, BranchScope(7), true); err != nil {
		t.Fatalf("set override: %v", err)
	}
	ok, err = svc.HasPermission(ctx, 42, "exams.publish", BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Fatal("grant override must add the permission without a role")
	}

	// Clearing restores role-derived behaviour.
	if err := svc.ClearUserOverride(ctx, 1, 42, 100, BranchScope(7)); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	ok, err = svc.HasPermission(ctx, 42, "exams.view", BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Fatal("clearing the override must restore the role grant")
	}
}

func TestHasAnyPermission(t *testing.T) {
	repo := newTestRepo()
	svc := newTestService(t, repo, nil)
	ctx := context.Background()

	ok, err := svc.HasAnyPermission(ctx, 42, []string{"exams.publish", "attendance.mark"}, BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Fatal("attendance.mark is role-granted, any-of must pass")
	}

	// A permission denied by override must not be resurrected by the role.
	if err := svc.SetUserOverride(ctx, 1, 42, 100, BranchScope(7), false); err != nil {
		t.Fatalf("set override: %v", err)
	}
	if err := svc.SetUserOverride(ctx, 1, 42, 102, BranchScope(7), false); err != nil {
		t.Fatalf("set override: %v", err)
	}
	ok, err = svc.HasAnyPermission(ctx, 42, []string{"exams.view", "attendance.mark"}, BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("all candidates are deny-overridden, any-of must fail")
	}

	// A granted override short-circuits without consulting roles.
	if err := svc.SetUserOverride(ctx, 1, 42, 101, BranchScope(7), true); err != nil {
		t.Fatalf("set override: %v", err)
	}
	ok, err = svc.HasAnyPermission(ctx, 42, []string{"exams.view", "exams.publish"}, BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Fatal("granted override must satisfy any-of")
	}

	ok, err = svc.HasAnyPermission(ctx, 42, nil, BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("empty slug set must deny")
	}
}

func TestHasAnyMatchesFoldedHasPermission(t *testing.T) {
	repo := newTestRepo()
	svc := newTestService(t, repo, nil)
	ctx := context.Background()

	if err := svc.SetUserOverride(ctx, 1, 42, 100, BranchScope(7), false); err != nil {
		t.Fatalf("set override: %v", err)
	}

	slugs := []string{"exams.view", "exams.publish", "attendance.mark", "no.such"}
	for _, scope := range []Scope{GlobalScope(), BranchScope(7), BranchScope(9)} {
		folded := false
		for _, slug := range slugs {
			ok, err := svc.HasPermission(ctx, 42, slug, scope)
			if err != nil {
				t.Fatalf("fold %s: %v", slug, err)
			}
			folded = folded || ok
		}
		batched, err := svc.HasAnyPermission(ctx, 42, slugs, scope)
		if err != nil {
			t.Fatalf("batch %s: %v", scope, err)
		}
		if folded != batched {
			t.Fatalf("scope %s: folded=%v batched=%v", scope, folded, batched)
		}
	}
}

func TestHasAllPermissions(t *testing.T) {
	svc := newTestService(t, newTestRepo(), nil)
	ctx := context.Background()

	ok, err := svc.HasAllPermissions(ctx, 42, []string{"exams.view", "attendance.mark"}, BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Fatal("both permissions are role-granted")
	}

	ok, err = svc.HasAllPermissions(ctx, 42, []string{"exams.view", "exams.publish"}, BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("exams.publish is missing, all-of must fail")
	}

	ok, err = svc.HasAllPermissions(ctx, 42, nil, BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Fatal("empty slug set is vacuously true")
	}
}

func TestEffectivePermissionsAgreesWithChecks(t *testing.T) {
	repo := newTestRepo()
	svc := newTestService(t, repo, nil)
	ctx := context.Background()

	if err := svc.SetUserOverride(ctx, 1, 42, 100, BranchScope(7), false); err != nil {
		t.Fatalf("set override: %v", err)
	}
	if err := svc.SetUserOverride(ctx, 1, 42, 101, BranchScope(7), true); err != nil {
		t.Fatalf("set override: %v", err)
	}

	scope := BranchScope(7)
	perms, err := svc.EffectivePermissions(ctx, 42, scope)
	if err != nil {
		t.Fatalf("effective: %v", err)
	}

	got := make(map[string]bool, len(perms))
	for _, p := range perms {
		got[p.Slug] = true
	}
	for _, p := range svc.Catalog().Permissions() {
		want, err := svc.HasPermission(ctx, 42, p.Slug, scope)
		if err != nil {
			t.Fatalf("check %s: %v", p.Slug, err)
		}
		if got[p.Slug] != want {
			t.Fatalf("%s: effective=%v check=%v", p.Slug, got[p.Slug], want)
		}
	}

	for i := 1; i < len(perms); i++ {
		if perms[i-1].Slug >= perms[i].Slug {
			t.Fatalf("effective permissions not sorted by slug: %q before %q", perms[i-1].Slug, perms[i].Slug)
		}
	}
}

func TestInactiveRoleGrantsNothing(t *testing.T) {
	repo := newTestRepo()
	repo.roleActive[5] = false
	svc := newTestService(t, repo, nil)

	ok, err := svc.HasPermission(context.Background(), 42, "exams.view", BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("inactive role must not grant permissions")
	}
}

func TestConflictingOverridesMostRecentWins(t *testing.T) {
	repo := newTestRepo()
	now := time.Now()
	// Two rows for the same key, as left behind by a race. Most recent denies.
	repo.overrides = []Override{
		{ID: 1, UserID: 42, PermissionID: 101, Scope: BranchScope(7), Granted: true, UpdatedAt: now.Add(-time.Hour)},
		{ID: 2, UserID: 42, PermissionID: 101, Scope: BranchScope(7), Granted: false, UpdatedAt: now},
	}
	svc := newTestService(t, repo, nil)
	ctx := context.Background()

	ok, err := svc.HasPermission(ctx, 42, "exams.publish", BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("most recent override denies, stale grant must not win")
	}

	ok, err = svc.HasAnyPermission(ctx, 42, []string{"exams.publish"}, BranchScope(7))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("stale granted row must not short-circuit the batch path")
	}
}

func TestStorageErrorsPropagate(t *testing.T) {
	repo := newTestRepo()
	boom := errors.New("connection reset")
	repo.failWith = boom
	svc := newTestService(t, repo, nil)
	ctx := context.Background()

	if _, err := svc.HasPermission(ctx, 42, "exams.view", BranchScope(7)); !errors.Is(err, boom) {
		t.Fatalf("HasPermission err = %v, want storage error", err)
	}
	if _, err := svc.HasAnyPermission(ctx, 42, []string{"exams.view"}, BranchScope(7)); !errors.Is(err, boom) {
		t.Fatalf("HasAnyPermission err = %v, want storage error", err)
	}
	if _, err := svc.EffectivePermissions(ctx, 42, BranchScope(7)); !errors.Is(err, boom) {
		t.Fatalf("EffectivePermissions err = %v, want storage error", err)
	}
}

func TestSetUserOverrideUnknownPermission(t *testing.T) {
	svc := newTestService(t, newTestRepo(), nil)

	err := svc.SetUserOverride(context.Background(), 1, 42, 9999, GlobalScope(), true)
	if !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSyncRolePermissionsDiffs(t *testing.T) {
	repo := newTestRepo()
	audit := &stubAudit{}
	svc := newTestService(t, repo, audit)

	if err := svc.SyncRolePermissions(context.Background(), 1, 5, []int64{100, 101}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if len(repo.attached) != 1 || repo.attached[0] != 101 {
		t.Fatalf("attached = %v, want [101]", repo.attached)
	}
	if len(repo.detached) != 1 || repo.detached[0] != 102 {
		t.Fatalf("detached = %v, want [102]", repo.detached)
	}
	if len(audit.logs) != 1 || audit.logs[0].Action != "authz.role.sync_permissions" {
		t.Fatalf("audit logs = %+v", audit.logs)
	}

	perms, err := svc.RolePermissions(context.Background(), 5)
	if err != nil {
		t.Fatalf("role permissions: %v", err)
	}
	if len(perms) != 2 || perms[0].Slug != "exams.publish" || perms[1].Slug != "exams.view" {
		t.Fatalf("role permissions = %+v", perms)
	}
}

func TestMutationsRecordAudit(t *testing.T) {
	repo := newTestRepo()
	audit := &stubAudit{}
	svc := newTestService(t, repo, audit)
	ctx := context.Background()

	if err := svc.AssignUserRole(ctx, 1, RoleAssignment{UserID: 77, RoleID: 5, Scope: BranchScope(3)}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := svc.SetUserOverride(ctx, 1, 77, 100, GlobalScope(), true); err != nil {
		t.Fatalf("override: %v", err)
	}
	if err := svc.RemoveUserRole(ctx, 1, 77, 5, BranchScope(3)); err != nil {
		t.Fatalf("remove: %v", err)
	}

	want := []string{"authz.user.assign_role", "authz.user.set_override", "authz.user.remove_role"}
	if len(audit.logs) != len(want) {
		t.Fatalf("audit logs = %d, want %d", len(audit.logs), len(want))
	}
	for i, action := range want {
		if audit.logs[i].Action != action {
			t.Fatalf("audit[%d] = %s, want %s", i, audit.logs[i].Action, action)
		}
	}
}
