package shared

// System-level permissions. The three cross-branch slugs are a convention
// consumed by the HTTP layer: holding any of them (checked at global scope)
// means branch filtering is skipped for subsequent queries. The resolution
// engine itself treats them as ordinary permissions.
const (
	PermCrossBranchAccess  = "system.cross_branch_access"
	PermManageAllBranches  = "system.manage_all_branches"
	PermViewAllBranches    = "system.view_all_branches"
	PermSystemSettingsView = "system.settings_view"
	PermSystemSettingsEdit = "system.settings_edit"
)

// CrossBranchScopes lists the slugs that bypass branch filtering.
// PermManageAllBranches implies write access across branches,
// PermViewAllBranches read-only access.
func CrossBranchScopes() []string {
	return []string{
		PermCrossBranchAccess,
		PermManageAllBranches,
		PermViewAllBranches,
	}
}

// SystemScopes lists all system permissions.
func SystemScopes() []string {
	return []string{
		PermCrossBranchAccess,
		PermManageAllBranches,
		PermViewAllBranches,
		PermSystemSettingsView,
		PermSystemSettingsEdit,
	}
}
