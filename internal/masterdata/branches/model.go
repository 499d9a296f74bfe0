package branches

import (
	"time"
)

// Branch represents one campus in the branch hierarchy. ParentID is nil
// for root branches; the parent relation forms a forest, never a cycle.
type Branch struct {
	ID        int64     `json:"id"`
	ParentID  *int64    `json:"parent_id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Edge is one parent/child adjacency pair of the branch tree.
type Edge struct {
	ID       int64
	ParentID *int64
}
