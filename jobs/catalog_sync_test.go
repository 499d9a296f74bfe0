package jobs

import (
	"context"
	"log/slog"
	"testing"

	"github.com/scholaris-sms/scholaris-sms/internal/authz"
	"github.com/scholaris-sms/scholaris-sms/internal/shared"
	_ "github.com/scholaris-sms/scholaris-sms/testing"
)

type seedRepo struct {
	authz.Repository
	modules map[string]authz.Module
	perms   map[string]authz.Permission
}

func newSeedRepo() *seedRepo {
	return &seedRepo{
		modules: make(map[string]authz.Module),
		perms:   make(map[string]authz.Permission),
	}
}

func (s *seedRepo) ListModules(context.Context) ([]authz.Module, error) {
	out := make([]authz.Module, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m)
	}
	return out, nil
}

func (s *seedRepo) ListPermissions(context.Context) ([]authz.Permission, error) {
	out := make([]authz.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p)
	}
	return out, nil
}

func (s *seedRepo) EnsureModule(_ context.Context, slug, name string, displayOrder int) (authz.Module, error) {
	if m, ok := s.modules[slug]; ok {
		return m, nil
	}
	m := authz.Module{ID: int64(len(s.modules) + 1), Slug: slug, Name: name, DisplayOrder: displayOrder}
	s.modules[slug] = m
	return m, nil
}

func (s *seedRepo) EnsurePermission(_ context.Context, moduleID int64, action, slug string) (authz.Permission, error) {
	if p, ok := s.perms[slug]; ok {
		return p, nil
	}
	p := authz.Permission{ID: int64(len(s.perms) + 1), ModuleID: moduleID, Action: action, Slug: slug}
	s.perms[slug] = p
	return p, nil
}

func TestCatalogSyncSeedsAndReloads(t *testing.T) {
	repo := newSeedRepo()
	catalog, err := authz.NewCatalog(context.Background(), repo)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	if _, ok := catalog.ResolveSlug(shared.PermExamsView); ok {
		t.Fatal("catalog must start empty")
	}

	job := NewCatalogSyncJob(repo, catalog, slog.Default())
	task, err := NewCatalogSyncTask(CatalogSyncPayload{Reason: "test"})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := job.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}

	for _, slug := range permissionSlugs() {
		if _, ok := catalog.ResolveSlug(slug); !ok {
			t.Fatalf("slug %s missing after sync", slug)
		}
	}
	if _, ok := repo.modules["system"]; !ok {
		t.Fatal("system module not seeded")
	}

	// Idempotent: a second run must not duplicate anything.
	before := len(repo.perms)
	if err := job.Handle(context.Background(), task); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if len(repo.perms) != before {
		t.Fatalf("permissions grew from %d to %d on resync", before, len(repo.perms))
	}
}
