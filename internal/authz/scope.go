package authz

import "strconv"

// Scope narrows an assignment or a check to a branch. The zero value is
// the global scope and matches every assignment regardless of branch. A
// branch scope matches assignments tagged with that exact branch plus
// branch-less (platform-wide) assignments; it never expands to the
// branch's ancestors or descendants.
type Scope struct {
	branchID int64
	specific bool
}

// GlobalScope returns the scope matching all assignments.
func GlobalScope() Scope { return Scope{} }

// BranchScope returns the scope for a single branch.
func BranchScope(branchID int64) Scope {
	return Scope{branchID: branchID, specific: true}
}

// BranchID returns the branch the scope is narrowed to and whether one is set.
func (s Scope) BranchID() (int64, bool) {
	return s.branchID, s.specific
}

// IsGlobal reports whether the scope matches all branches.
func (s Scope) IsGlobal() bool { return !s.specific }

func (s Scope) String() string {
	if !s.specific {
		return "global"
	}
	return "branch:" + strconv.FormatInt(s.branchID, 10)
}
