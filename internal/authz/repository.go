package authz

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scholaris-sms/scholaris-sms/internal/platform/db"
)

// Repository defines persistence operations for the authorization stores.
// Scope filtering follows one rule everywhere: a branch scope matches rows
// with that exact branch or no branch at all, the global scope matches
// every row. No merge logic lives here; that belongs to the Service.
type Repository interface {
	ListModules(ctx context.Context) ([]Module, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	EnsureModule(ctx context.Context, slug, name string, displayOrder int) (Module, error)
	EnsurePermission(ctx context.Context, moduleID int64, action, slug string) (Permission, error)

	RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	AttachRolePermission(ctx context.Context, roleID, permissionID int64) error
	DetachRolePermission(ctx context.Context, roleID, permissionID int64) error
	// ReplaceRolePermissions swaps the role's permission set for exactly
	// the given ids, atomically.
	ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error

	AssignRole(ctx context.Context, assignment RoleAssignment) error
	RemoveRole(ctx context.Context, userID, roleID int64, scope Scope) error

	UpsertOverride(ctx context.Context, override Override) error
	DeleteOverride(ctx context.Context, userID, permissionID int64, scope Scope) error

	// HasRolePermission reports whether any active role assigned to the
	// user under the scope holds one of the permissions.
	HasRolePermission(ctx context.Context, userID int64, scope Scope, permissionIDs []int64) (bool, error)
	// Overrides returns the user's override rows under the scope, most
	// recently written first. A nil permissionIDs fetches all of them.
	Overrides(ctx context.Context, userID int64, scope Scope, permissionIDs []int64) ([]Override, error)
	// RolePermissionsOf returns the distinct permission ids granted to the
	// user through active roles under the scope.
	RolePermissionsOf(ctx context.Context, userID int64, scope Scope) ([]int64, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) ListModules(ctx context.Context) ([]Module, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, slug, name, display_order FROM modules ORDER BY display_order, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var modules []Module
	for rows.Next() {
		var m Module
		if err := rows.Scan(&m.ID, &m.Slug, &m.Name, &m.DisplayOrder); err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	return modules, rows.Err()
}

func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, module_id, action, slug FROM permissions ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.ModuleID, &p.Action, &p.Slug); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r *PGRepository) EnsureModule(ctx context.Context, slug, name string, displayOrder int) (Module, error) {
	query := `INSERT INTO modules (slug, name, display_order)
		VALUES ($1, $2, $3)
		ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name, display_order = EXCLUDED.display_order
		RETURNING id, slug, name, display_order`
	var m Module
	err := r.pool.QueryRow(ctx, query, slug, name, displayOrder).Scan(&m.ID, &m.Slug, &m.Name, &m.DisplayOrder)
	return m, err
}

func (r *PGRepository) EnsurePermission(ctx context.Context, moduleID int64, action, slug string) (Permission, error) {
	query := `INSERT INTO permissions (module_id, action, slug)
		VALUES ($1, $2, $3)
		ON CONFLICT (slug) DO UPDATE SET module_id = EXCLUDED.module_id, action = EXCLUDED.action
		RETURNING id, module_id, action, slug`
	var p Permission
	err := r.pool.QueryRow(ctx, query, moduleID, action, slug).Scan(&p.ID, &p.ModuleID, &p.Action, &p.Slug)
	return p, err
}

func (r *PGRepository) RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1 ORDER BY permission_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PGRepository) AttachRolePermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, permissionID)
	return err
}

func (r *PGRepository) DetachRolePermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	return err
}

func (r *PGRepository) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if permissionIDs == nil {
		permissionIDs = []int64{}
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND NOT (permission_id = ANY($2))`, roleID, permissionIDs); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id)
			SELECT $1, unnest($2::bigint[])
			ON CONFLICT DO NOTHING`, roleID, permissionIDs)
		return err
	})
}

func (r *PGRepository) AssignRole(ctx context.Context, assignment RoleAssignment) error {
	branchID := scopeBranchParam(assignment.Scope)
	query := `INSERT INTO user_roles (user_id, role_id, branch_id, is_primary)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, role_id, COALESCE(branch_id, 0)) DO UPDATE SET is_primary = EXCLUDED.is_primary`
	_, err := r.pool.Exec(ctx, query, assignment.UserID, assignment.RoleID, branchID, assignment.IsPrimary)
	return err
}

func (r *PGRepository) RemoveRole(ctx context.Context, userID, roleID int64, scope Scope) error {
	query := `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2 AND ` + scopeEqualPredicate("branch_id", "$3")
	_, err := r.pool.Exec(ctx, query, userID, roleID, scopeBranchParam(scope))
	return err
}

func (r *PGRepository) UpsertOverride(ctx context.Context, override Override) error {
	branchID := scopeBranchParam(override.Scope)
	update := `UPDATE user_permission_overrides
		SET granted = $4, updated_at = NOW()
		WHERE user_id = $1 AND permission_id = $2 AND ` + scopeEqualPredicate("branch_id", "$3")
	tag, err := r.pool.Exec(ctx, update, override.UserID, override.PermissionID, branchID, override.Granted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	insert := `INSERT INTO user_permission_overrides (user_id, permission_id, branch_id, granted, updated_at)
		VALUES ($1, $2, $3, $4, NOW())`
	_, err = r.pool.Exec(ctx, insert, override.UserID, override.PermissionID, branchID, override.Granted)
	return err
}

func (r *PGRepository) DeleteOverride(ctx context.Context, userID, permissionID int64, scope Scope) error {
	query := `DELETE FROM user_permission_overrides WHERE user_id = $1 AND permission_id = $2 AND ` + scopeEqualPredicate("branch_id", "$3")
	_, err := r.pool.Exec(ctx, query, userID, permissionID, scopeBranchParam(scope))
	return err
}

func (r *PGRepository) HasRolePermission(ctx context.Context, userID int64, scope Scope, permissionIDs []int64) (bool, error) {
	if len(permissionIDs) == 0 {
		return false, nil
	}
	query := `SELECT EXISTS (
		SELECT 1
		FROM user_roles ur
		JOIN roles ro ON ro.id = ur.role_id AND ro.is_active
		JOIN role_permissions rp ON rp.role_id = ur.role_id
		WHERE ur.user_id = $1 AND rp.permission_id = ANY($2)`
	args := []any{userID, permissionIDs}
	if branchID, ok := scope.BranchID(); ok {
		query += ` AND (ur.branch_id = $3 OR ur.branch_id IS NULL)`
		args = append(args, branchID)
	}
	query += `)`
	var exists bool
	err := r.pool.QueryRow(ctx, query, args...).Scan(&exists)
	return exists, err
}

func (r *PGRepository) Overrides(ctx context.Context, userID int64, scope Scope, permissionIDs []int64) ([]Override, error) {
	query := `SELECT id, user_id, permission_id, branch_id, granted, updated_at
		FROM user_permission_overrides
		WHERE user_id = $1`
	args := []any{userID}
	if permissionIDs != nil {
		args = append(args, permissionIDs)
		query += ` AND permission_id = ANY($2)`
	}
	if branchID, ok := scope.BranchID(); ok {
		args = append(args, branchID)
		query += ` AND (branch_id = $` + strconv.Itoa(len(args)) + ` OR branch_id IS NULL)`
	}
	// Most recent first so that conflicting rows resolve deterministically.
	query += ` ORDER BY updated_at DESC, id DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var overrides []Override
	for rows.Next() {
		var (
			o        Override
			branchID *int64
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.PermissionID, &branchID, &o.Granted, &o.UpdatedAt); err != nil {
			return nil, err
		}
		if branchID != nil {
			o.Scope = BranchScope(*branchID)
		} else {
			o.Scope = GlobalScope()
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

func (r *PGRepository) RolePermissionsOf(ctx context.Context, userID int64, scope Scope) ([]int64, error) {
	query := `SELECT DISTINCT rp.permission_id
		FROM user_roles ur
		JOIN roles ro ON ro.id = ur.role_id AND ro.is_active
		JOIN role_permissions rp ON rp.role_id = ur.role_id
		WHERE ur.user_id = $1`
	args := []any{userID}
	if branchID, ok := scope.BranchID(); ok {
		query += ` AND (ur.branch_id = $2 OR ur.branch_id IS NULL)`
		args = append(args, branchID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scopeBranchParam renders the scope as a nullable branch id parameter.
func scopeBranchParam(scope Scope) *int64 {
	if branchID, ok := scope.BranchID(); ok {
		return &branchID
	}
	return nil
}

// scopeEqualPredicate matches a row against the exact scope key: the given
// branch, or NULL when the parameter is NULL. Used by mutations, which key
// on the exact (user, permission, branch) tuple rather than the
// null-or-exact read rule.
func scopeEqualPredicate(column, param string) string {
	return `(` + column + ` = ` + param + ` OR (` + column + ` IS NULL AND ` + param + `::bigint IS NULL))`
}

var _ Repository = (*PGRepository)(nil)
