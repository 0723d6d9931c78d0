package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"signoff/internal/domain"
)

const templateColumns = `id,name,category_id,is_default,active,agreement_policy,created_at,updated_at`

func scanTemplateRow(s scanner) (domain.RouteTemplate, error) {
	var t domain.RouteTemplate
	var category sql.NullString
	var isDefault, active int
	var policy string
	err := s.Scan(&t.ID, &t.Name, &category, &isDefault, &active, &policy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.CategoryID = optionalString(category)
	t.IsDefault = isDefault == 1
	t.Active = active == 1
	t.AgreementPolicy = domain.AgreementPolicy(policy)
	return t, nil
}

func (r Repo) loadStages(ctx context.Context, tx *sql.Tx, templateID string) ([]domain.Stage, error) {
	rows, err := r.on(tx).query(ctx, `SELECT idx,type,mode,slots_json FROM template_stages WHERE template_id=? ORDER BY idx ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stages := []domain.Stage{}
	for rows.Next() {
		var st domain.Stage
		var typ, mode, slots string
		if err := rows.Scan(&st.Index, &typ, &mode, &slots); err != nil {
			return nil, err
		}
		st.Type = domain.StageType(typ)
		st.Mode = domain.AggregationMode(mode)
		if err := json.Unmarshal([]byte(slots), &st.Slots); err != nil {
			return nil, fmt.Errorf("decode stage %d slots: %w", st.Index, err)
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

// ReplaceStages rewrites a template's stages with indices 0..N-1 in slice order.
func (r Repo) ReplaceStages(ctx context.Context, tx *sql.Tx, templateID string, stages []domain.Stage) error {
	c := r.on(tx)
	if _, err := c.exec(ctx, `DELETE FROM template_stages WHERE template_id=?`, templateID); err != nil {
		return err
	}
	for i, st := range stages {
		slots, err := marshalJSON(st.Slots)
		if err != nil {
			return err
		}
		if _, err := c.exec(ctx, `INSERT INTO template_stages(template_id,idx,type,mode,slots_json) VALUES (?,?,?,?,?)`,
			templateID, i, string(st.Type), string(st.Mode), slots); err != nil {
			return fmt.Errorf("insert stage %d: %w", i, err)
		}
	}
	return nil
}

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.RouteTemplate) error {
	if _, err := r.on(tx).exec(ctx, `INSERT INTO route_templates(`+templateColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, nullableStringPtr(t.CategoryID), boolInt(t.IsDefault), boolInt(t.Active), string(t.AgreementPolicy), t.CreatedAt, t.UpdatedAt); err != nil {
		return err
	}
	return r.ReplaceStages(ctx, tx, t.ID, t.Stages)
}

// UpdateTemplate writes the template row; stages are written by ReplaceStages.
func (r Repo) UpdateTemplate(ctx context.Context, tx *sql.Tx, t domain.RouteTemplate) error {
	res, err := r.on(tx).exec(ctx, `UPDATE route_templates SET name=?, category_id=?, is_default=?, active=?, agreement_policy=?, updated_at=? WHERE id=?`,
		t.Name, nullableStringPtr(t.CategoryID), boolInt(t.IsDefault), boolInt(t.Active), string(t.AgreementPolicy), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) GetTemplate(ctx context.Context, tx *sql.Tx, id string) (domain.RouteTemplate, error) {
	t, err := scanTemplateRow(r.on(tx).row(ctx, `SELECT `+templateColumns+` FROM route_templates WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.Stages, err = r.loadStages(ctx, tx, id)
	return t, err
}

// FindDefaultTemplate returns the default template for a category, or the
// global default when categoryID is nil.
func (r Repo) FindDefaultTemplate(ctx context.Context, tx *sql.Tx, categoryID *string) (domain.RouteTemplate, error) {
	var row *sql.Row
	if categoryID == nil {
		row = r.on(tx).row(ctx, `SELECT `+templateColumns+` FROM route_templates WHERE is_default=1 AND category_id IS NULL`)
	} else {
		row = r.on(tx).row(ctx, `SELECT `+templateColumns+` FROM route_templates WHERE is_default=1 AND category_id=?`, *categoryID)
	}
	t, err := scanTemplateRow(row)
	if err != nil {
		return t, err
	}
	t.Stages, err = r.loadStages(ctx, tx, t.ID)
	return t, err
}

// TemplateFilter narrows ListTemplates. Global=true limits to templates without a category.
type TemplateFilter struct {
	CategoryID string
	Global     bool
	ActiveOnly bool
}

func (r Repo) ListTemplates(ctx context.Context, f TemplateFilter) ([]domain.RouteTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM route_templates WHERE 1=1`
	var args []any
	switch {
	case f.Global:
		query += ` AND category_id IS NULL`
	case f.CategoryID != "":
		query += ` AND category_id=?`
		args = append(args, f.CategoryID)
	}
	if f.ActiveOnly {
		query += ` AND active=1`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.on(nil).query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.RouteTemplate
	for rows.Next() {
		t, err := scanTemplateRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Stages, err = r.loadStages(ctx, nil, res[i].ID); err != nil {
			return nil, err
		}
	}
	if res == nil {
		res = []domain.RouteTemplate{}
	}
	return res, nil
}

func (r Repo) ClearDefaultTemplate(ctx context.Context, tx *sql.Tx, categoryID *string, now string) error {
	if categoryID == nil {
		_, err := r.on(tx).exec(ctx, `UPDATE route_templates SET is_default=0, updated_at=? WHERE is_default=1 AND category_id IS NULL`, now)
		return err
	}
	_, err := r.on(tx).exec(ctx, `UPDATE route_templates SET is_default=0, updated_at=? WHERE is_default=1 AND category_id=?`, now, *categoryID)
	return err
}

func (r Repo) DeleteTemplate(ctx context.Context, tx *sql.Tx, id string) error {
	c := r.on(tx)
	if _, err := c.exec(ctx, `DELETE FROM template_stages WHERE template_id=?`, id); err != nil {
		return err
	}
	res, err := c.exec(ctx, `DELETE FROM route_templates WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// CountPendingForTemplate counts in-flight instances created from a template.
func (r Repo) CountPendingForTemplate(ctx context.Context, tx *sql.Tx, templateID string) (int, error) {
	var n int
	err := r.on(tx).row(ctx, `SELECT COUNT(*) FROM instances WHERE template_id=? AND status=?`, templateID, string(domain.InstancePending)).Scan(&n)
	return n, err
}
