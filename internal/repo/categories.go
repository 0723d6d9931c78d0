package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"signoff/internal/domain"
	"signoff/internal/schema"
)

const categoryColumns = `id,code,name,fields_json,default_template_id,COALESCE(owner_role,''),active,created_at,updated_at`

func scanCategory(s scanner) (domain.Category, error) {
	var c domain.Category
	var fields string
	var defaultTemplate sql.NullString
	var active int
	err := s.Scan(&c.ID, &c.Code, &c.Name, &fields, &defaultTemplate, &c.OwnerRole, &active, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Active = active == 1
	c.DefaultTemplateID = optionalString(defaultTemplate)
	c.Fields = []schema.FieldDef{}
	if fields != "" {
		if err := json.Unmarshal([]byte(fields), &c.Fields); err != nil {
			return c, fmt.Errorf("decode category %s fields: %w", c.ID, err)
		}
	}
	return c, nil
}

func (r Repo) InsertCategory(ctx context.Context, tx *sql.Tx, c domain.Category) error {
	fields, err := marshalJSON(c.Fields)
	if err != nil {
		return err
	}
	_, err = r.on(tx).exec(ctx, `INSERT INTO categories(id,code,name,fields_json,default_template_id,owner_role,active,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Code, c.Name, fields, nullableStringPtr(c.DefaultTemplateID), nullable(c.OwnerRole), boolInt(c.Active), c.CreatedAt, c.UpdatedAt)
	return err
}

// UpdateCategory writes every mutable column. The code column is never touched.
func (r Repo) UpdateCategory(ctx context.Context, tx *sql.Tx, c domain.Category) error {
	fields, err := marshalJSON(c.Fields)
	if err != nil {
		return err
	}
	res, err := r.on(tx).exec(ctx, `UPDATE categories SET name=?, fields_json=?, default_template_id=?, owner_role=?, active=?, updated_at=? WHERE id=?`,
		c.Name, fields, nullableStringPtr(c.DefaultTemplateID), nullable(c.OwnerRole), boolInt(c.Active), c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) GetCategory(ctx context.Context, tx *sql.Tx, id string) (domain.Category, error) {
	return scanCategory(r.on(tx).row(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id=?`, id))
}

func (r Repo) GetCategoryByCode(ctx context.Context, tx *sql.Tx, code string) (domain.Category, error) {
	return scanCategory(r.on(tx).row(ctx, `SELECT `+categoryColumns+` FROM categories WHERE code=?`, code))
}

func (r Repo) ListCategories(ctx context.Context, activeOnly bool) ([]domain.Category, error) {
	query := `SELECT ` + categoryColumns + ` FROM categories`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY code ASC`
	rows, err := r.on(nil).query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Category{}
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ClearCategoryDefaultTemplate drops references to a template that is going away.
func (r Repo) ClearCategoryDefaultTemplate(ctx context.Context, tx *sql.Tx, templateID, now string) error {
	_, err := r.on(tx).exec(ctx, `UPDATE categories SET default_template_id=NULL, updated_at=? WHERE default_template_id=?`, now, templateID)
	return err
}
