package authz

import "time"

// Module groups related permissions in the catalog.
type Module struct {
	ID           int64
	Slug         string
	Name         string
	DisplayOrder int
}

// Permission represents an atomic capability owned by a module.
// Slug is derived as "<module-slug>.<action>" and is unique and stable;
// roles and overrides reference permissions by ID, callers by slug.
type Permission struct {
	ID       int64
	ModuleID int64
	Action   string
	Slug     string
}

// Role represents a named permission grouping. A role's permission set is
// branch-independent. Lower Level means more authority.
type Role struct {
	ID        int64
	Slug      string
	Name      string
	Level     int
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoleAssignment links a user to a role, optionally narrowed to a branch.
// A user may hold the same role in several branches and several roles in
// one branch; IsPrimary marks the assignment shown as the user's main role.
type RoleAssignment struct {
	UserID    int64
	RoleID    int64
	Scope     Scope
	IsPrimary bool
}

// Override is a per-user grant or revoke of a single permission. An
// override beats role membership unconditionally for its exact scope:
// Granted adds the permission even when no role supplies it, !Granted
// removes it even when a role does.
type Override struct {
	ID           int64
	UserID       int64
	PermissionID int64
	Scope        Scope
	Granted      bool
	UpdatedAt    time.Time
}
