package branches

import (
	"context"
	"errors"
	"strings"
)

func (s *Service) validate(ctx context.Context, id int64, b Branch) error {
	if strings.TrimSpace(b.Code) == "" {
		return errors.New("branch code is required")
	}
	if strings.TrimSpace(b.Name) == "" {
		return errors.New("branch name is required")
	}
	if b.ParentID == nil {
		return nil
	}
	if id != 0 && *b.ParentID == id {
		return errors.New("branch cannot be its own parent")
	}
	if id != 0 {
		// Re-parenting under one of its own descendants would close a cycle.
		descendants, err := s.DescendantIDs(ctx, id, false)
		if err != nil {
			return err
		}
		if _, ok := descendants[*b.ParentID]; ok {
			return errors.New("branch cannot be moved under its own descendant")
		}
	}
	return nil
}
