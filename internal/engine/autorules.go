package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"signoff/internal/domain"
	"signoff/internal/events"
)

type RuleCreateOptions struct {
	ID                  string
	Name                string
	CategoryID          string
	TargetUserIDs       []string
	TargetDepartmentIDs []string
	Conditions          []domain.Condition
	BypassApproverIDs   []string
	DelaySeconds        int
	Inactive            bool
	ActorID             string
}

func (e Engine) CreateRule(ctx context.Context, opts RuleCreateOptions) (domain.AutoApprovalRule, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.AutoApprovalRule{}, newError(CodeInvalidRule, "rule name is required")
	}
	if opts.DelaySeconds < 0 {
		return domain.AutoApprovalRule{}, newError(CodeInvalidRule, "delay must not be negative")
	}
	if err := e.Rules.Check(opts.Conditions); err != nil {
		return domain.AutoApprovalRule{}, newError(CodeInvalidRule, "%v", err)
	}
	rule := domain.AutoApprovalRule{
		ID:                  opts.ID,
		Name:                strings.TrimSpace(opts.Name),
		CategoryID:          opts.CategoryID,
		TargetUserIDs:       opts.TargetUserIDs,
		TargetDepartmentIDs: opts.TargetDepartmentIDs,
		Conditions:          opts.Conditions,
		BypassApproverIDs:   opts.BypassApproverIDs,
		DelaySeconds:        opts.DelaySeconds,
		Active:              !opts.Inactive,
		CreatedAt:           e.timestamp(),
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AutoApprovalRule{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetCategory(ctx, tx, rule.CategoryID); err != nil {
		return domain.AutoApprovalRule{}, notFound(err, CodeCategoryNotFound, "category %s not found", rule.CategoryID)
	}
	rule, err = e.Repo.InsertRule(ctx, tx, rule)
	if err != nil {
		return domain.AutoApprovalRule{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, "rule.created", "rule", rule.ID, opts.ActorID, events.Payload{
		"category_id": rule.CategoryID, "seq": rule.Seq, "delay_seconds": rule.DelaySeconds,
	}); err != nil {
		return domain.AutoApprovalRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AutoApprovalRule{}, err
	}
	e.kick()
	return rule, nil
}

// SetRuleActive toggles a rule without changing its position in the order.
func (e Engine) SetRuleActive(ctx context.Context, id string, active bool, actorID string) (domain.AutoApprovalRule, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AutoApprovalRule{}, err
	}
	defer tx.Rollback()

	rule, err := e.Repo.GetRule(ctx, tx, id)
	if err != nil {
		return rule, notFound(err, CodeRuleNotFound, "rule %s not found", id)
	}
	if err := e.Repo.SetRuleActive(ctx, tx, id, active); err != nil {
		return rule, err
	}
	rule.Active = active
	if err := e.eventWriter().Append(ctx, tx, "rule.updated", "rule", id, actorID, events.Payload{"active": active}); err != nil {
		return rule, err
	}
	if err := tx.Commit(); err != nil {
		return rule, err
	}
	e.kick()
	return rule, nil
}

func (e Engine) GetRule(ctx context.Context, id string) (domain.AutoApprovalRule, error) {
	rule, err := e.Repo.GetRule(ctx, nil, id)
	if err != nil {
		return rule, notFound(err, CodeRuleNotFound, "rule %s not found", id)
	}
	return rule, nil
}

func (e Engine) ListRules(ctx context.Context, categoryID string) ([]domain.AutoApprovalRule, error) {
	return e.Repo.ListRules(ctx, nil, categoryID)
}
