package engine

import (
	"context"
	"errors"

	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/repo"
)

// ApplyDeferred fires one delayed auto-approval. A row whose slot was already
// decided, or whose request closed, is marked cancelled instead. It reports
// whether a decision was recorded.
func (e Engine) ApplyDeferred(ctx context.Context, id string) (bool, error) {
	d, err := e.Repo.GetDeferred(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if d.Status != domain.DeferredScheduled {
		return false, nil
	}
	unlock := e.lock(d.InstanceID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries(); attempt++ {
		applied, cancelled, err := e.applyDeferredOnce(ctx, id)
		if err == nil {
			e.afterCommit(cancelled)
			if applied {
				e.Log.Info().Str("deferred", id).Str("instance", d.InstanceID).Str("approver", d.ApproverID).Msg("auto-approval applied")
			}
			return applied, nil
		}
		if !IsCode(err, CodeVersionConflict) {
			return false, err
		}
		lastErr = err
	}
	return false, lastErr
}

func (e Engine) applyDeferredOnce(ctx context.Context, id string) (bool, []string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDeferred(ctx, tx, id)
	if err != nil {
		return false, nil, err
	}
	if d.Status != domain.DeferredScheduled {
		return false, nil, nil
	}
	in, err := e.Repo.GetInstance(ctx, tx, d.InstanceID)
	if err != nil {
		return false, nil, notFound(err, CodeInstanceNotFound, "request %s not found", d.InstanceID)
	}
	now := e.timestamp()
	source := domain.AutoRuleSource(d.RuleID)
	out, transitions, ok := applyDeferred(in, slotRef{StageIndex: d.StageIndex, ApproverID: d.ApproverID}, source, now)
	if !ok {
		if _, err := e.Repo.ResolveDeferred(ctx, tx, d.ID, domain.DeferredCancelled, now); err != nil {
			return false, nil, err
		}
		if err := e.eventWriter().Append(ctx, tx, "auto_approval.cancelled", "instance", in.ID, "system", events.Payload{
			"deferred_id": d.ID, "rule_id": d.RuleID, "approver_id": d.ApproverID, "reason": "slot no longer pending",
		}); err != nil {
			return false, nil, err
		}
		return false, nil, tx.Commit()
	}
	if err := e.store(ctx, tx, in, &out, now); err != nil {
		return false, nil, err
	}
	if _, err := e.Repo.ResolveDeferred(ctx, tx, d.ID, domain.DeferredApplied, now); err != nil {
		return false, nil, err
	}
	if err := e.recordAutoDecisions(ctx, tx, out, d.RuleID, []slotRef{{StageIndex: d.StageIndex, ApproverID: d.ApproverID}}); err != nil {
		return false, nil, err
	}
	if err := e.appendTransitions(ctx, tx, out, transitions, "system"); err != nil {
		return false, nil, err
	}
	cancelled, err := e.cancelDeferred(ctx, tx, out, nil, "request closed")
	if err != nil {
		return false, nil, err
	}
	if err := tx.Commit(); err != nil {
		return false, nil, err
	}
	return true, cancelled, nil
}

// ApplyDueDeferred fires every scheduled row whose due time has passed and
// returns how many recorded a decision.
func (e Engine) ApplyDueDeferred(ctx context.Context) (int, error) {
	due, err := e.Repo.DueDeferred(ctx, e.timestamp(), 100)
	if err != nil {
		return 0, err
	}
	applied := 0
	var errs []error
	for _, d := range due {
		ok, err := e.ApplyDeferred(ctx, d.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, errors.Join(errs...)
}

// ScheduledDeferred lists unresolved deferred approvals.
func (e Engine) ScheduledDeferred(ctx context.Context) ([]domain.DeferredApproval, error) {
	return e.Repo.ScheduledDeferred(ctx)
}
