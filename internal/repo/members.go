package repo

import (
	"context"
	"database/sql"
	"fmt"

	"signoff/internal/domain"
)

const memberColumns = `id,COALESCE(name,''),manager_id,COALESCE(department_id,''),level,roles_json,active`

func scanMember(s scanner) (domain.OrgMember, error) {
	var m domain.OrgMember
	var manager sql.NullString
	var roles string
	var active int
	err := s.Scan(&m.ID, &m.Name, &manager, &m.DepartmentID, &m.Level, &roles, &active)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.ManagerID = optionalString(manager)
	m.Active = active == 1
	if m.Roles, err = unmarshalStringSlice(roles); err != nil {
		return m, fmt.Errorf("member %s roles: %w", m.ID, err)
	}
	return m, nil
}

func (r Repo) UpsertMember(ctx context.Context, tx *sql.Tx, m domain.OrgMember, now string) error {
	roles, err := marshalStringSlice(m.Roles)
	if err != nil {
		return err
	}
	_, err = r.on(tx).exec(ctx, `INSERT INTO org_members(id,name,manager_id,department_id,level,roles_json,active,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, manager_id=excluded.manager_id, department_id=excluded.department_id,
level=excluded.level, roles_json=excluded.roles_json, active=excluded.active, updated_at=excluded.updated_at`,
		m.ID, nullable(m.Name), nullableStringPtr(m.ManagerID), nullable(m.DepartmentID), m.Level, roles, boolInt(m.Active), now)
	return err
}

func (r Repo) GetMember(ctx context.Context, tx *sql.Tx, id string) (domain.OrgMember, error) {
	return scanMember(r.on(tx).row(ctx, `SELECT `+memberColumns+` FROM org_members WHERE id=?`, id))
}

func (r Repo) ListMembers(ctx context.Context, tx *sql.Tx) ([]domain.OrgMember, error) {
	rows, err := r.on(tx).query(ctx, `SELECT `+memberColumns+` FROM org_members ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.OrgMember{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MembersWithRole returns active members holding role, ordered by id.
func (r Repo) MembersWithRole(ctx context.Context, tx *sql.Tx, role string) ([]domain.OrgMember, error) {
	rows, err := r.on(tx).query(ctx, `SELECT `+memberColumns+` FROM org_members WHERE active=1 AND roles_json LIKE ? ORDER BY id ASC`, `%"`+role+`"%`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.OrgMember{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		if m.HasRole(role) {
			res = append(res, m)
		}
	}
	return res, rows.Err()
}
