package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"signoff/internal/domain"
	"signoff/internal/schema"
)

const instanceColumns = `id,category_id,category_code,requester_id,template_id,route_source,payload_json,stages_json,current_stage,status,agreement_policy,version,submitted_at,updated_at,completed_at`

func scanInstance(s scanner) (domain.Instance, error) {
	var in domain.Instance
	var templateID, completedAt sql.NullString
	var payload, stages, status, policy string
	err := s.Scan(&in.ID, &in.CategoryID, &in.CategoryCode, &in.RequesterID, &templateID, &in.RouteSource, &payload, &stages,
		&in.CurrentStage, &status, &policy, &in.Version, &in.SubmittedAt, &in.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	in.TemplateID = optionalString(templateID)
	in.CompletedAt = optionalString(completedAt)
	in.Status = domain.InstanceStatus(status)
	in.AgreementPolicy = domain.AgreementPolicy(policy)
	if in.Payload, err = schema.DecodePayload(payload); err != nil {
		return in, fmt.Errorf("instance %s: %w", in.ID, err)
	}
	if err := json.Unmarshal([]byte(stages), &in.Stages); err != nil {
		return in, fmt.Errorf("instance %s: decode stages: %w", in.ID, err)
	}
	return in, nil
}

func encodeInstance(in domain.Instance) (payload, stages string, err error) {
	if payload, err = marshalJSON(in.Payload); err != nil {
		return "", "", err
	}
	if stages, err = marshalJSON(in.Stages); err != nil {
		return "", "", err
	}
	return payload, stages, nil
}

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, in domain.Instance) error {
	payload, stages, err := encodeInstance(in)
	if err != nil {
		return err
	}
	_, err = r.on(tx).exec(ctx, `INSERT INTO instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.CategoryID, in.CategoryCode, in.RequesterID, nullableStringPtr(in.TemplateID), in.RouteSource, payload, stages,
		in.CurrentStage, string(in.Status), string(in.AgreementPolicy), in.Version, in.SubmittedAt, in.UpdatedAt, nullableStringPtr(in.CompletedAt))
	return err
}

// UpdateInstance stores in if the stored row is still at expectedVersion.
func (r Repo) UpdateInstance(ctx context.Context, tx *sql.Tx, in domain.Instance, expectedVersion int) error {
	_, stages, err := encodeInstance(in)
	if err != nil {
		return err
	}
	res, err := r.on(tx).exec(ctx, `UPDATE instances SET stages_json=?, current_stage=?, status=?, version=?, updated_at=?, completed_at=? WHERE id=? AND version=?`,
		stages, in.CurrentStage, string(in.Status), in.Version, in.UpdatedAt, nullableStringPtr(in.CompletedAt), in.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r Repo) GetInstance(ctx context.Context, tx *sql.Tx, id string) (domain.Instance, error) {
	return scanInstance(r.on(tx).row(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id=?`, id))
}

type InstanceFilter struct {
	RequesterID     string
	CategoryID      string
	Status          string
	Limit           int
	CursorSubmitted string
	CursorID        string
}

// ListInstances pages newest first using a (submitted_at, id) cursor.
func (r Repo) ListInstances(ctx context.Context, f InstanceFilter) ([]domain.Instance, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RequesterID != "" {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.CategoryID != "" {
		clauses = append(clauses, "category_id=?")
		args = append(args, f.CategoryID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorSubmitted != "" && f.CursorID != "" {
		clauses = append(clauses, "(submitted_at<? OR (submitted_at=? AND id<?))")
		args = append(args, f.CursorSubmitted, f.CursorSubmitted, f.CursorID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM instances WHERE %s ORDER BY submitted_at DESC, id DESC LIMIT ?`, instanceColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.on(nil).query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Instance{}
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// PendingSlot is one approver who can act on an instance right now.
type PendingSlot struct {
	ApproverID string
	StageIndex int
}

// ReplacePendingApprovals rewrites the inbox rows for one instance.
func (r Repo) ReplacePendingApprovals(ctx context.Context, tx *sql.Tx, instanceID string, slots []PendingSlot) error {
	c := r.on(tx)
	if _, err := c.exec(ctx, `DELETE FROM pending_approvals WHERE instance_id=?`, instanceID); err != nil {
		return err
	}
	for _, s := range slots {
		if _, err := c.exec(ctx, `INSERT INTO pending_approvals(instance_id,approver_id,stage_index) VALUES (?,?,?)`, instanceID, s.ApproverID, s.StageIndex); err != nil {
			return err
		}
	}
	return nil
}

// PendingFor lists PENDING instances waiting on the approver, oldest first.
func (r Repo) PendingFor(ctx context.Context, approverID string) ([]domain.InstanceSummary, error) {
	rows, err := r.on(nil).query(ctx, `SELECT i.id, i.category_code, i.requester_id, i.status, p.stage_index, i.stages_json, i.submitted_at
FROM pending_approvals p
JOIN instances i ON i.id=p.instance_id
WHERE p.approver_id=? AND i.status=?
ORDER BY i.submitted_at ASC, i.id ASC`, approverID, string(domain.InstancePending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.InstanceSummary{}
	for rows.Next() {
		var s domain.InstanceSummary
		var status, stages string
		if err := rows.Scan(&s.ID, &s.CategoryCode, &s.RequesterID, &status, &s.StageIndex, &stages, &s.SubmittedAt); err != nil {
			return nil, err
		}
		s.Status = domain.InstanceStatus(status)
		var snapshot []domain.StageState
		if err := json.Unmarshal([]byte(stages), &snapshot); err == nil && s.StageIndex < len(snapshot) {
			s.StageType = snapshot[s.StageIndex].Type
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
