package engine

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/repo"
	"signoff/internal/rules"
)

type SubmitOptions struct {
	RequesterID  string
	CategoryID   string
	CategoryCode string
	Payload      map[string]any
	TemplateID   string
	Route        *ManualRoute
}

// Submit validates the payload, resolves a route, starts the request and
// applies the first matching auto-approval rule.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Instance, error) {
	requester := strings.TrimSpace(opts.RequesterID)
	if requester == "" {
		return domain.Instance{}, newError(CodeInvalidPayload, "requester is required")
	}
	cat, err := e.submitCategory(ctx, opts)
	if err != nil {
		return domain.Instance{}, err
	}
	if !cat.Active {
		return domain.Instance{}, newError(CodeCategoryInactive, "category %s is inactive", cat.Code)
	}
	raw := opts.Payload
	if raw == nil {
		raw = map[string]any{}
	}
	payload, fieldErrs := e.Validator.ValidatePayload(cat, raw)
	if len(fieldErrs) > 0 {
		return domain.Instance{}, newError(CodeInvalidPayload, "payload failed validation for %s", cat.Code).withDetails(fieldErrs)
	}
	route, err := e.Resolve(ctx, requester, cat, opts.TemplateID, opts.Route)
	if err != nil {
		return domain.Instance{}, err
	}
	now := e.timestamp()
	in := domain.Instance{
		ID:              uuid.NewString(),
		CategoryID:      cat.ID,
		CategoryCode:    cat.Code,
		RequesterID:     requester,
		TemplateID:      route.TemplateID,
		RouteSource:     route.Source,
		Payload:         payload,
		Stages:          make([]domain.StageState, len(route.Stages)),
		AgreementPolicy: route.AgreementPolicy,
		Version:         1,
		SubmittedAt:     now,
		UpdatedAt:       now,
	}
	for i, st := range route.Stages {
		in.Stages[i] = domain.StageState{Stage: st}
	}
	in, started := startInstance(in, now)

	match, err := e.matchRules(ctx, in)
	if err != nil {
		return domain.Instance{}, err
	}
	var transitions []Transition
	var applied []slotRef
	var deferred []domain.DeferredApproval
	if match.Matched {
		source := domain.AutoRuleSource(match.RuleID)
		if match.DelaySeconds == 0 {
			in, transitions, applied = autoApprove(in, match.BypassApproverIDs, source, now)
		} else {
			due := e.now().Add(match.Delay()).UTC().Format(timeLayout)
			for _, t := range autoTargets(in, match.BypassApproverIDs) {
				deferred = append(deferred, domain.DeferredApproval{
					ID:         uuid.NewString(),
					InstanceID: in.ID,
					StageIndex: t.StageIndex,
					ApproverID: t.ApproverID,
					RuleID:     match.RuleID,
					DueAt:      due,
					Status:     domain.DeferredScheduled,
					CreatedAt:  now,
				})
			}
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertInstance(ctx, tx, in); err != nil {
		return domain.Instance{}, err
	}
	if err := e.syncInbox(ctx, tx, in); err != nil {
		return domain.Instance{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, "instance.submitted", "instance", in.ID, requester, events.Payload{
		"category_code": in.CategoryCode,
		"route_source":  in.RouteSource,
		"template_id":   in.TemplateID,
		"stages":        len(in.Stages),
		"current_stage": in.CurrentStage,
	}); err != nil {
		return domain.Instance{}, err
	}
	if err := e.appendTransitions(ctx, tx, in, started, "system"); err != nil {
		return domain.Instance{}, err
	}
	if len(applied) > 0 {
		if err := e.recordAutoDecisions(ctx, tx, in, match.RuleID, applied); err != nil {
			return domain.Instance{}, err
		}
	}
	if err := e.appendTransitions(ctx, tx, in, transitions, "system"); err != nil {
		return domain.Instance{}, err
	}
	for _, d := range deferred {
		if err := e.Repo.InsertDeferred(ctx, tx, d); err != nil {
			return domain.Instance{}, err
		}
		if err := e.eventWriter().Append(ctx, tx, "auto_approval.scheduled", "instance", in.ID, "system", events.Payload{
			"deferred_id": d.ID, "rule_id": d.RuleID, "stage_index": d.StageIndex, "approver_id": d.ApproverID, "due_at": d.DueAt,
		}); err != nil {
			return domain.Instance{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	if s := e.scheduler(); s != nil {
		for _, d := range deferred {
			s.Schedule(d)
		}
	}
	e.kick()
	e.Log.Info().Str("instance", in.ID).Str("category", in.CategoryCode).Str("route", in.RouteSource).
		Str("status", string(in.Status)).Msg("request submitted")
	return in, nil
}

func (e Engine) submitCategory(ctx context.Context, opts SubmitOptions) (domain.Category, error) {
	switch {
	case opts.CategoryID != "":
		return e.GetCategory(ctx, opts.CategoryID)
	case opts.CategoryCode != "":
		return e.GetCategoryByCode(ctx, opts.CategoryCode)
	}
	return domain.Category{}, newError(CodeInvalidPayload, "category is required")
}

// matchRules runs the rule engine for the instance's requester and payload.
func (e Engine) matchRules(ctx context.Context, in domain.Instance) (rules.Match, error) {
	list, err := e.Repo.ListRules(ctx, nil, in.CategoryID)
	if err != nil {
		return rules.Match{}, err
	}
	if len(list) == 0 {
		return rules.Match{}, nil
	}
	subj := rules.Subject{CategoryID: in.CategoryID, RequesterID: in.RequesterID, Payload: in.Payload}
	if m, err := e.Directory.Member(ctx, in.RequesterID); err == nil {
		subj.DepartmentID = m.DepartmentID
		subj.Level = m.Level
		subj.Roles = m.Roles
	} else if !errors.Is(err, repo.ErrNotFound) {
		return rules.Match{}, err
	}
	return e.Rules.Evaluate(subj, list)
}

// EvaluateRules reports which rule would match a stored request today.
func (e Engine) EvaluateRules(ctx context.Context, instanceID string) (rules.Match, error) {
	in, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return rules.Match{}, err
	}
	return e.matchRules(ctx, in)
}

type DecideOptions struct {
	InstanceID string
	StageIndex *int
	ApproverID string
	Decision   domain.Decision
	Comment    string
}

// Decide records an approver's decision. Version conflicts are retried on a
// fresh read, so a lost race surfaces as AlreadyDecided.
func (e Engine) Decide(ctx context.Context, opts DecideOptions) (domain.Instance, error) {
	unlock := e.lock(opts.InstanceID)
	defer unlock()
	input := decisionInput{
		StageIndex: opts.StageIndex,
		ApproverID: opts.ApproverID,
		Decision:   domain.Decision(strings.ToUpper(string(opts.Decision))),
		Source:     domain.SourceHuman,
		Comment:    opts.Comment,
	}
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries(); attempt++ {
		in, cancelled, err := e.decideOnce(ctx, opts.InstanceID, input)
		if err == nil {
			e.afterCommit(cancelled)
			e.Log.Info().Str("instance", in.ID).Str("approver", opts.ApproverID).Str("decision", string(input.Decision)).
				Str("status", string(in.Status)).Msg("decision recorded")
			return in, nil
		}
		if !IsCode(err, CodeVersionConflict) {
			return domain.Instance{}, err
		}
		lastErr = err
	}
	return domain.Instance{}, lastErr
}

func (e Engine) decideOnce(ctx context.Context, id string, input decisionInput) (domain.Instance, []string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, nil, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetInstance(ctx, tx, id)
	if err != nil {
		return domain.Instance{}, nil, notFound(err, CodeInstanceNotFound, "request %s not found", id)
	}
	now := e.timestamp()
	out, transitions, err := applyDecision(in, input, now)
	if err != nil {
		return domain.Instance{}, nil, err
	}
	stage := in.CurrentStage
	if err := e.store(ctx, tx, in, &out, now); err != nil {
		return domain.Instance{}, nil, err
	}
	if err := e.eventWriter().Append(ctx, tx, "decision.recorded", "instance", out.ID, input.ApproverID, events.Payload{
		"stage_index": stage, "approver_id": input.ApproverID, "decision": input.Decision, "source": input.Source, "comment": input.Comment,
	}); err != nil {
		return domain.Instance{}, nil, err
	}
	if err := e.appendTransitions(ctx, tx, out, transitions, input.ApproverID); err != nil {
		return domain.Instance{}, nil, err
	}
	cancelled, err := e.cancelDeferred(ctx, tx, out, func(d domain.DeferredApproval) bool {
		return d.StageIndex == stage && d.ApproverID == input.ApproverID
	}, "decided by approver")
	if err != nil {
		return domain.Instance{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, nil, err
	}
	return out, cancelled, nil
}

// Cancel withdraws a pending request. Only its requester may do so.
func (e Engine) Cancel(ctx context.Context, instanceID, requesterID string) (domain.Instance, error) {
	unlock := e.lock(instanceID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetInstance(ctx, tx, instanceID)
	if err != nil {
		return domain.Instance{}, notFound(err, CodeInstanceNotFound, "request %s not found", instanceID)
	}
	now := e.timestamp()
	out, transitions, err := cancelInstance(in, requesterID, now)
	if err != nil {
		return domain.Instance{}, err
	}
	if err := e.store(ctx, tx, in, &out, now); err != nil {
		return domain.Instance{}, err
	}
	if err := e.appendTransitions(ctx, tx, out, transitions, requesterID); err != nil {
		return domain.Instance{}, err
	}
	cancelled, err := e.cancelDeferred(ctx, tx, out, nil, "request cancelled")
	if err != nil {
		return domain.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	e.afterCommit(cancelled)
	e.Log.Info().Str("instance", out.ID).Msg("request cancelled")
	return out, nil
}

// store bumps the version and writes out over in, failing on a stale read.
func (e Engine) store(ctx context.Context, tx *sql.Tx, in domain.Instance, out *domain.Instance, now string) error {
	out.Version = in.Version + 1
	out.UpdatedAt = now
	if err := e.Repo.UpdateInstance(ctx, tx, *out, in.Version); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return newError(CodeVersionConflict, "request %s changed concurrently (version %d)", in.ID, in.Version)
		}
		return err
	}
	return e.syncInbox(ctx, tx, *out)
}

func (e Engine) syncInbox(ctx context.Context, tx *sql.Tx, in domain.Instance) error {
	var slots []repo.PendingSlot
	for _, t := range waitingOn(in) {
		slots = append(slots, repo.PendingSlot{ApproverID: t.ApproverID, StageIndex: t.StageIndex})
	}
	return e.Repo.ReplacePendingApprovals(ctx, tx, in.ID, slots)
}

func (e Engine) appendTransitions(ctx context.Context, tx *sql.Tx, in domain.Instance, transitions []Transition, actorID string) error {
	for _, t := range transitions {
		evt := "stage.transition"
		if t.Scope == scopeInstance {
			evt = "instance.transition"
		}
		payload := events.Payload{"from": t.From, "to": t.To}
		if t.StageIndex != nil {
			payload["stage_index"] = *t.StageIndex
		}
		if err := e.eventWriter().Append(ctx, tx, evt, "instance", in.ID, actorID, payload); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) recordAutoDecisions(ctx context.Context, tx *sql.Tx, in domain.Instance, ruleID string, slots []slotRef) error {
	source := domain.AutoRuleSource(ruleID)
	for _, s := range slots {
		if err := e.eventWriter().Append(ctx, tx, "decision.recorded", "instance", in.ID, "system", events.Payload{
			"stage_index": s.StageIndex, "approver_id": s.ApproverID, "decision": domain.DecisionApproved, "source": source,
		}); err != nil {
			return err
		}
	}
	return e.eventWriter().Append(ctx, tx, "auto_approval.applied", "instance", in.ID, "system", events.Payload{
		"rule_id": ruleID, "slots": len(slots),
	})
}

// cancelDeferred cancels the instance's scheduled rows accepted by match, or
// all of them once the instance is closed.
func (e Engine) cancelDeferred(ctx context.Context, tx *sql.Tx, in domain.Instance, match func(domain.DeferredApproval) bool, reason string) ([]string, error) {
	rows, err := e.Repo.ScheduledForInstance(ctx, tx, in.ID)
	if err != nil {
		return nil, err
	}
	closed := in.Status != domain.InstancePending
	now := e.timestamp()
	var ids []string
	for _, d := range rows {
		if !closed && (match == nil || !match(d)) {
			continue
		}
		ok, err := e.Repo.ResolveDeferred(ctx, tx, d.ID, domain.DeferredCancelled, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ids = append(ids, d.ID)
		if err := e.eventWriter().Append(ctx, tx, "auto_approval.cancelled", "instance", in.ID, "system", events.Payload{
			"deferred_id": d.ID, "rule_id": d.RuleID, "approver_id": d.ApproverID, "reason": reason,
		}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (e Engine) afterCommit(cancelled []string) {
	if s := e.scheduler(); s != nil && len(cancelled) > 0 {
		s.Cancel(cancelled...)
	}
	e.kick()
}

func (e Engine) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	in, err := e.Repo.GetInstance(ctx, nil, id)
	if err != nil {
		return in, notFound(err, CodeInstanceNotFound, "request %s not found", id)
	}
	return in, nil
}

// PendingFor lists requests currently waiting on approverID.
func (e Engine) PendingFor(ctx context.Context, approverID string) ([]domain.InstanceSummary, error) {
	return e.Repo.PendingFor(ctx, approverID)
}

type InstanceListOptions struct {
	RequesterID string
	CategoryID  string
	Status      string
	Limit       int
	Cursor      string
}

// ListInstances returns one page, newest first, and the cursor of the next page.
func (e Engine) ListInstances(ctx context.Context, opts InstanceListOptions) ([]domain.Instance, string, error) {
	f := repo.InstanceFilter{
		RequesterID: opts.RequesterID,
		CategoryID:  opts.CategoryID,
		Status:      strings.ToUpper(opts.Status),
		Limit:       opts.Limit,
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if opts.Cursor != "" {
		ts, id, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, "", newError(CodeInvalidPayload, "invalid cursor")
		}
		f.CursorSubmitted, f.CursorID = ts, id
	}
	items, err := e.Repo.ListInstances(ctx, f)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(items) == f.Limit {
		last := items[len(items)-1]
		next = encodeCursor(last.SubmittedAt, last.ID)
	}
	return items, next, nil
}

func encodeCursor(ts, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(ts + "|" + id))
}

func decodeCursor(cursor string) (string, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || ts == "" || id == "" {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return ts, id, nil
}

// InstanceHistory returns the recorded events of one request, oldest first.
func (e Engine) InstanceHistory(ctx context.Context, id string) ([]domain.Event, error) {
	if _, err := e.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.EntityHistory(ctx, "instance", id)
}
