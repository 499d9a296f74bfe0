package branches

import (
	"context"

	"github.com/scholaris-sms/scholaris-sms/internal/masterdata/shared"
)

// Service wraps branch CRUD and the hierarchy computations. The tree
// operations work on an adjacency snapshot fetched in a single query;
// absence (unknown branch, no parent, no children) yields empty results,
// never an error.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, filters shared.ListFilters) ([]Branch, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) Get(ctx context.Context, id int64) (Branch, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Create(ctx context.Context, branch Branch) (Branch, error) {
	if err := s.validate(ctx, 0, branch); err != nil {
		return Branch{}, err
	}
	return s.repo.Create(ctx, branch)
}

func (s *Service) Update(ctx context.Context, id int64, branch Branch) error {
	if err := s.validate(ctx, id, branch); err != nil {
		return err
	}
	return s.repo.Update(ctx, id, branch)
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}

// DescendantIDs returns every branch reachable from branchID by following
// parent-to-child edges, computed as a worklist closure over the full
// adjacency snapshot: one storage read regardless of tree depth. An
// unknown branch yields an empty set, or just itself when includeSelf.
func (s *Service) DescendantIDs(ctx context.Context, branchID int64, includeSelf bool) (map[int64]struct{}, error) {
	edges, err := s.repo.ListEdges(ctx)
	if err != nil {
		return nil, err
	}

	children := make(map[int64][]int64, len(edges))
	known := make(map[int64]struct{}, len(edges))
	for _, e := range edges {
		known[e.ID] = struct{}{}
		if e.ParentID != nil {
			children[*e.ParentID] = append(children[*e.ParentID], e.ID)
		}
	}

	result := make(map[int64]struct{})
	if _, ok := known[branchID]; !ok {
		return result, nil
	}
	if includeSelf {
		result[branchID] = struct{}{}
	}

	// Worklist walk; the visited set guards against malformed cyclic data.
	visited := map[int64]struct{}{branchID: {}}
	queue := []int64{branchID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			if _, ok := visited[child]; ok {
				continue
			}
			visited[child] = struct{}{}
			result[child] = struct{}{}
			queue = append(queue, child)
		}
	}
	return result, nil
}

// Ancestors returns the chain of parents above branchID, nearest first,
// ending at a root. Unknown branches and roots yield an empty slice.
func (s *Service) Ancestors(ctx context.Context, branchID int64) ([]Branch, error) {
	all, _, err := s.repo.List(ctx, shared.ListFilters{})
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Branch, len(all))
	for _, b := range all {
		byID[b.ID] = b
	}

	var ancestors []Branch
	visited := map[int64]struct{}{branchID: {}}
	current, ok := byID[branchID]
	if !ok {
		return ancestors, nil
	}
	for current.ParentID != nil {
		parent, ok := byID[*current.ParentID]
		if !ok {
			break
		}
		if _, seen := visited[parent.ID]; seen {
			break
		}
		visited[parent.ID] = struct{}{}
		ancestors = append(ancestors, parent)
		current = parent
	}
	return ancestors, nil
}
