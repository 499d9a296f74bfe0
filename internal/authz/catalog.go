package authz

import (
	"context"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// CatalogLoader reads the permission catalog from storage.
type CatalogLoader interface {
	ListModules(ctx context.Context) ([]Module, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// Catalog is an immutable in-memory snapshot of modules and permissions.
// Slugs are stable identifiers, so the snapshot is loaded once at boot and
// only swapped when an administrator changes the catalog; role, assignment
// and override reads always go to storage fresh.
type Catalog struct {
	loader  CatalogLoader
	group   singleflight.Group
	current atomic.Pointer[catalogSnapshot]
}

type catalogSnapshot struct {
	bySlug  map[string]Permission
	byID    map[int64]Permission
	modules []Module
}

// NewCatalog loads the initial snapshot from the loader.
func NewCatalog(ctx context.Context, loader CatalogLoader) (*Catalog, error) {
	c := &Catalog{loader: loader}
	snap, err := c.buildSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	c.current.Store(snap)
	return c, nil
}

// ResolveSlug maps a slug to its permission. Slugs are case-sensitive
// exact matches; a miss means the permission does not exist and callers
// must fail closed.
func (c *Catalog) ResolveSlug(slug string) (Permission, bool) {
	perm, ok := c.snapshot().bySlug[slug]
	return perm, ok
}

// ResolveSlugs maps slugs to permissions, omitting unknown slugs.
func (c *Catalog) ResolveSlugs(slugs []string) map[string]Permission {
	snap := c.snapshot()
	resolved := make(map[string]Permission, len(slugs))
	for _, slug := range slugs {
		if perm, ok := snap.bySlug[slug]; ok {
			resolved[slug] = perm
		}
	}
	return resolved
}

// PermissionByID maps a permission identifier back to the catalog entry.
func (c *Catalog) PermissionByID(id int64) (Permission, bool) {
	perm, ok := c.snapshot().byID[id]
	return perm, ok
}

// Permissions returns every catalog permission ordered by slug.
func (c *Catalog) Permissions() []Permission {
	snap := c.snapshot()
	perms := make([]Permission, 0, len(snap.bySlug))
	for _, perm := range snap.bySlug {
		perms = append(perms, perm)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Slug < perms[j].Slug })
	return perms
}

// Modules returns the catalog modules in display order.
func (c *Catalog) Modules() []Module {
	snap := c.snapshot()
	modules := make([]Module, len(snap.modules))
	copy(modules, snap.modules)
	return modules
}

// Reload swaps in a fresh snapshot. Concurrent reloads are collapsed into
// a single storage read.
func (c *Catalog) Reload(ctx context.Context) error {
	_, err, _ := c.group.Do("reload", func() (any, error) {
		snap, err := c.buildSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		c.current.Store(snap)
		return nil, nil
	})
	return err
}

func (c *Catalog) snapshot() *catalogSnapshot {
	return c.current.Load()
}

func (c *Catalog) buildSnapshot(ctx context.Context) (*catalogSnapshot, error) {
	modules, err := c.loader.ListModules(ctx)
	if err != nil {
		return nil, err
	}
	perms, err := c.loader.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}

	// Display names may be localised; collate instead of byte order.
	coll := collate.New(language.English)
	sort.SliceStable(modules, func(i, j int) bool {
		if modules[i].DisplayOrder != modules[j].DisplayOrder {
			return modules[i].DisplayOrder < modules[j].DisplayOrder
		}
		return coll.CompareString(modules[i].Name, modules[j].Name) < 0
	})

	snap := &catalogSnapshot{
		bySlug:  make(map[string]Permission, len(perms)),
		byID:    make(map[int64]Permission, len(perms)),
		modules: modules,
	}
	for _, perm := range perms {
		snap.bySlug[perm.Slug] = perm
		snap.byID[perm.ID] = perm
	}
	return snap, nil
}
