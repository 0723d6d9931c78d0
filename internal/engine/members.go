package engine

import (
	"context"
	"strings"

	"signoff/internal/domain"
	"signoff/internal/events"
)

// UpsertMember creates or replaces a directory entry.
func (e Engine) UpsertMember(ctx context.Context, m domain.OrgMember, actorID string) (domain.OrgMember, error) {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return m, newError(CodeInvalidPayload, "member id is required")
	}
	if m.ManagerID != nil && *m.ManagerID == "" {
		m.ManagerID = nil
	}
	if m.ManagerID != nil && *m.ManagerID == m.ID {
		return m, newError(CodeInvalidPayload, "member %s cannot manage themselves", m.ID)
	}
	if m.Level < 0 {
		return m, newError(CodeInvalidPayload, "member level must not be negative")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertMember(ctx, tx, m, e.timestamp()); err != nil {
		return m, err
	}
	if err := e.eventWriter().Append(ctx, tx, "member.upserted", "member", m.ID, actorID, events.Payload{
		"manager_id": m.ManagerID, "department_id": m.DepartmentID, "level": m.Level, "active": m.Active,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.kick()
	return m, nil
}

func (e Engine) GetMember(ctx context.Context, id string) (domain.OrgMember, error) {
	return e.Repo.GetMember(ctx, nil, id)
}

func (e Engine) ListMembers(ctx context.Context) ([]domain.OrgMember, error) {
	return e.Repo.ListMembers(ctx, nil)
}
