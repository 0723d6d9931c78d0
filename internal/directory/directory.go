// Package directory answers organization questions for route resolution:
// who manages whom and who holds a role.
package directory

import (
	"context"
	"errors"
	"fmt"

	"signoff/internal/domain"
	"signoff/internal/repo"
)

var (
	ErrCycle   = errors.New("hierarchy cycle detected")
	ErrTooDeep = errors.New("hierarchy too deep")
)

// DefaultMaxDepth bounds the manager walk when no limit is configured.
const DefaultMaxDepth = 16

// LookupFunc returns a member by id. ok is false for unknown ids.
type LookupFunc func(id string) (m domain.OrgMember, ok bool, err error)

// Walk follows manager links upward from start and returns the chain of
// managers, nearest first. The start member itself is not included.
func Walk(start domain.OrgMember, lookup LookupFunc, maxDepth int) ([]domain.OrgMember, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	seen := map[string]bool{start.ID: true}
	chain := []domain.OrgMember{}
	next := start.ManagerID
	for next != nil && *next != "" {
		id := *next
		if seen[id] {
			return nil, fmt.Errorf("%w: %s revisited", ErrCycle, id)
		}
		if len(chain) >= maxDepth {
			return nil, fmt.Errorf("%w: more than %d levels above %s", ErrTooDeep, maxDepth, start.ID)
		}
		m, ok, err := lookup(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		seen[id] = true
		chain = append(chain, m)
		next = m.ManagerID
	}
	return chain, nil
}

// Service reads the org_members snapshot.
type Service struct {
	Repo     repo.Repo
	MaxDepth int
}

func (s Service) Member(ctx context.Context, id string) (domain.OrgMember, error) {
	return s.Repo.GetMember(ctx, nil, id)
}

// ResolveOrgHierarchy returns the requester's manager chain, nearest first.
// An unknown requester has an empty chain.
func (s Service) ResolveOrgHierarchy(ctx context.Context, requesterID string) ([]domain.OrgMember, error) {
	start, err := s.Repo.GetMember(ctx, nil, requesterID)
	if errors.Is(err, repo.ErrNotFound) {
		return []domain.OrgMember{}, nil
	}
	if err != nil {
		return nil, err
	}
	return Walk(start, func(id string) (domain.OrgMember, bool, error) {
		m, err := s.Repo.GetMember(ctx, nil, id)
		if errors.Is(err, repo.ErrNotFound) {
			return m, false, nil
		}
		return m, err == nil, err
	}, s.MaxDepth)
}

// HoldersOfRole lists active members holding role, ordered by id.
func (s Service) HoldersOfRole(ctx context.Context, role string) ([]domain.OrgMember, error) {
	return s.Repo.MembersWithRole(ctx, nil, role)
}
