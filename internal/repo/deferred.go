package repo

import (
	"context"
	"database/sql"

	"signoff/internal/domain"
)

const deferredColumns = `id,instance_id,stage_index,approver_id,rule_id,due_at,status,created_at,resolved_at`

func scanDeferred(s scanner) (domain.DeferredApproval, error) {
	var d domain.DeferredApproval
	var status string
	var resolved sql.NullString
	err := s.Scan(&d.ID, &d.InstanceID, &d.StageIndex, &d.ApproverID, &d.RuleID, &d.DueAt, &status, &d.CreatedAt, &resolved)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	d.Status = domain.DeferredStatus(status)
	d.ResolvedAt = optionalString(resolved)
	return d, err
}

func collectDeferred(rows *sql.Rows) ([]domain.DeferredApproval, error) {
	defer rows.Close()
	res := []domain.DeferredApproval{}
	for rows.Next() {
		d, err := scanDeferred(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertDeferred(ctx context.Context, tx *sql.Tx, d domain.DeferredApproval) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO deferred_approvals(`+deferredColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.InstanceID, d.StageIndex, d.ApproverID, d.RuleID, d.DueAt, string(d.Status), d.CreatedAt, nullableStringPtr(d.ResolvedAt))
	return err
}

func (r Repo) GetDeferred(ctx context.Context, tx *sql.Tx, id string) (domain.DeferredApproval, error) {
	return scanDeferred(r.on(tx).row(ctx, `SELECT `+deferredColumns+` FROM deferred_approvals WHERE id=?`, id))
}

// ResolveDeferred moves a scheduled row to status. It reports false when the
// row was already resolved.
func (r Repo) ResolveDeferred(ctx context.Context, tx *sql.Tx, id string, status domain.DeferredStatus, now string) (bool, error) {
	res, err := r.on(tx).exec(ctx, `UPDATE deferred_approvals SET status=?, resolved_at=? WHERE id=? AND status=?`,
		string(status), now, id, string(domain.DeferredScheduled))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ScheduledForInstance lists unresolved rows of one instance.
func (r Repo) ScheduledForInstance(ctx context.Context, tx *sql.Tx, instanceID string) ([]domain.DeferredApproval, error) {
	rows, err := r.on(tx).query(ctx, `SELECT `+deferredColumns+` FROM deferred_approvals WHERE instance_id=? AND status=? ORDER BY due_at ASC, id ASC`,
		instanceID, string(domain.DeferredScheduled))
	if err != nil {
		return nil, err
	}
	return collectDeferred(rows)
}

// DueDeferred lists scheduled rows whose due time is at or before now.
func (r Repo) DueDeferred(ctx context.Context, now string, limit int) ([]domain.DeferredApproval, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.on(nil).query(ctx, `SELECT `+deferredColumns+` FROM deferred_approvals WHERE status=? AND due_at<=? ORDER BY due_at ASC, id ASC LIMIT ?`,
		string(domain.DeferredScheduled), now, limit)
	if err != nil {
		return nil, err
	}
	return collectDeferred(rows)
}

// ScheduledDeferred lists every unresolved row; used to re-arm timers on start.
func (r Repo) ScheduledDeferred(ctx context.Context) ([]domain.DeferredApproval, error) {
	rows, err := r.on(nil).query(ctx, `SELECT `+deferredColumns+` FROM deferred_approvals WHERE status=? ORDER BY due_at ASC, id ASC`,
		string(domain.DeferredScheduled))
	if err != nil {
		return nil, err
	}
	return collectDeferred(rows)
}
