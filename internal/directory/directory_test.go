package directory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/db"
	"signoff/internal/directory"
	"signoff/internal/domain"
	"signoff/internal/migrate"
	"signoff/internal/repo"
)

func strPtr(s string) *string { return &s }

func mapLookup(members ...domain.OrgMember) directory.LookupFunc {
	byID := map[string]domain.OrgMember{}
	for _, m := range members {
		byID[m.ID] = m
	}
	return func(id string) (domain.OrgMember, bool, error) {
		m, ok := byID[id]
		return m, ok, nil
	}
}

func TestWalkReturnsNearestManagerFirst(t *testing.T) {
	emp := domain.OrgMember{ID: "emp", ManagerID: strPtr("lead")}
	lead := domain.OrgMember{ID: "lead", ManagerID: strPtr("head"), Level: 2}
	head := domain.OrgMember{ID: "head", Level: 4}

	chain, err := directory.Walk(emp, mapLookup(lead, head), 8)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "lead", chain[0].ID)
	assert.Equal(t, "head", chain[1].ID)
}

func TestWalkStopsAtUnknownManager(t *testing.T) {
	emp := domain.OrgMember{ID: "emp", ManagerID: strPtr("ghost")}
	chain, err := directory.Walk(emp, mapLookup(), 8)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestWalkDetectsCycle(t *testing.T) {
	a := domain.OrgMember{ID: "a", ManagerID: strPtr("b")}
	b := domain.OrgMember{ID: "b", ManagerID: strPtr("c")}
	c := domain.OrgMember{ID: "c", ManagerID: strPtr("a")}
	_, err := directory.Walk(a, mapLookup(a, b, c), 8)
	assert.ErrorIs(t, err, directory.ErrCycle)
}

func TestWalkEnforcesDepth(t *testing.T) {
	a := domain.OrgMember{ID: "a", ManagerID: strPtr("b")}
	b := domain.OrgMember{ID: "b", ManagerID: strPtr("c")}
	c := domain.OrgMember{ID: "c", ManagerID: strPtr("d")}
	d := domain.OrgMember{ID: "d"}
	_, err := directory.Walk(a, mapLookup(b, c, d), 2)
	assert.ErrorIs(t, err, directory.ErrTooDeep)

	chain, err := directory.Walk(a, mapLookup(b, c, d), 3)
	require.NoError(t, err)
	assert.Len(t, chain, 3)
}

func TestServiceReadsMembers(t *testing.T) {
	ctx := context.Background()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	r := repo.Repo{DB: conn, Dialect: dialect}
	now := "2024-01-01T00:00:00Z"
	for _, m := range []domain.OrgMember{
		{ID: "emp", ManagerID: strPtr("lead"), Level: 1, Active: true},
		{ID: "lead", ManagerID: strPtr("head"), Level: 2, Roles: []string{"manager"}, Active: true},
		{ID: "head", Level: 4, Active: true},
		{ID: "hr", Level: 3, Roles: []string{"hr_manager"}, Active: true},
		{ID: "hr-old", Level: 3, Roles: []string{"hr_manager"}, Active: false},
	} {
		require.NoError(t, r.UpsertMember(ctx, nil, m, now))
	}
	svc := directory.Service{Repo: r, MaxDepth: 4}

	chain, err := svc.ResolveOrgHierarchy(ctx, "emp")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, []string{"manager"}, chain[0].Roles)

	unknown, err := svc.ResolveOrgHierarchy(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, unknown)

	holders, err := svc.HoldersOfRole(ctx, "hr_manager")
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Equal(t, "hr", holders[0].ID)
}
