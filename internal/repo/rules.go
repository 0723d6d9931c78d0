package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"signoff/internal/domain"
)

const ruleColumns = `id,seq,name,category_id,target_users_json,target_departments_json,conditions_json,bypass_json,delay_seconds,active,created_at`

func scanRule(s scanner) (domain.AutoApprovalRule, error) {
	var rule domain.AutoApprovalRule
	var users, depts, conds, bypass string
	var active int
	err := s.Scan(&rule.ID, &rule.Seq, &rule.Name, &rule.CategoryID, &users, &depts, &conds, &bypass, &rule.DelaySeconds, &active, &rule.CreatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	rule.Active = active == 1
	if rule.TargetUserIDs, err = unmarshalStringSlice(users); err != nil {
		return rule, fmt.Errorf("rule %s target users: %w", rule.ID, err)
	}
	if rule.TargetDepartmentIDs, err = unmarshalStringSlice(depts); err != nil {
		return rule, fmt.Errorf("rule %s target departments: %w", rule.ID, err)
	}
	if rule.BypassApproverIDs, err = unmarshalStringSlice(bypass); err != nil {
		return rule, fmt.Errorf("rule %s bypass: %w", rule.ID, err)
	}
	rule.Conditions = []domain.Condition{}
	if conds != "" {
		if err := json.Unmarshal([]byte(conds), &rule.Conditions); err != nil {
			return rule, fmt.Errorf("rule %s conditions: %w", rule.ID, err)
		}
	}
	return rule, nil
}

// InsertRule assigns the next creation sequence and stores the rule.
func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.AutoApprovalRule) (domain.AutoApprovalRule, error) {
	c := r.on(tx)
	if err := c.row(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM auto_rules`).Scan(&rule.Seq); err != nil {
		return rule, err
	}
	users, err := marshalStringSlice(rule.TargetUserIDs)
	if err != nil {
		return rule, err
	}
	depts, err := marshalStringSlice(rule.TargetDepartmentIDs)
	if err != nil {
		return rule, err
	}
	bypass, err := marshalStringSlice(rule.BypassApproverIDs)
	if err != nil {
		return rule, err
	}
	if rule.Conditions == nil {
		rule.Conditions = []domain.Condition{}
	}
	conds, err := marshalJSON(rule.Conditions)
	if err != nil {
		return rule, err
	}
	_, err = c.exec(ctx, `INSERT INTO auto_rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.Seq, rule.Name, rule.CategoryID, users, depts, conds, bypass, rule.DelaySeconds, boolInt(rule.Active), rule.CreatedAt)
	return rule, err
}

func (r Repo) SetRuleActive(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	res, err := r.on(tx).exec(ctx, `UPDATE auto_rules SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) GetRule(ctx context.Context, tx *sql.Tx, id string) (domain.AutoApprovalRule, error) {
	return scanRule(r.on(tx).row(ctx, `SELECT `+ruleColumns+` FROM auto_rules WHERE id=?`, id))
}

// ListRules returns rules in creation order, optionally for one category.
func (r Repo) ListRules(ctx context.Context, tx *sql.Tx, categoryID string) ([]domain.AutoApprovalRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM auto_rules`
	var args []any
	if categoryID != "" {
		query += ` WHERE category_id=?`
		args = append(args, categoryID)
	}
	query += ` ORDER BY seq ASC`
	rows, err := r.on(tx).query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.AutoApprovalRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}
