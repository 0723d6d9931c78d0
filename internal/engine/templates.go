package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/repo"
)

// normalizeStages checks stage definitions and renumbers them 0..N-1.
// Stages that carry explicit indices must already be contiguous.
func normalizeStages(in []domain.Stage) ([]domain.Stage, error) {
	explicit := false
	for _, st := range in {
		if st.Index != 0 {
			explicit = true
			break
		}
	}
	out := make([]domain.Stage, len(in))
	for i, st := range in {
		if explicit && st.Index != i {
			return nil, newError(CodeNonContiguousStages, "stage at position %d has index %d", i, st.Index)
		}
		st = st.Clone()
		st.Index = i
		if st.Mode == "" {
			st.Mode = domain.ModeAll
		}
		if err := validateStage(st); err != nil {
			return nil, err
		}
		out[i] = st
	}
	return out, nil
}

func validateStage(st domain.Stage) error {
	switch st.Type {
	case domain.StageAgreement, domain.StageApproval, domain.StageReference:
	default:
		return newError(CodeInvalidStageConfig, "stage %d: unknown type %q", st.Index, st.Type)
	}
	switch st.Mode {
	case domain.ModeAll, domain.ModeAny, domain.ModeSequential:
	default:
		return newError(CodeInvalidStageConfig, "stage %d: unknown mode %q", st.Index, st.Mode)
	}
	if st.Type != domain.StageReference && len(st.Slots) == 0 {
		return newError(CodeInvalidStageConfig, "stage %d: at least one approver required", st.Index)
	}
	users := map[string]bool{}
	orders := map[int]bool{}
	required := 0
	for _, slot := range st.Slots {
		if strings.TrimSpace(slot.UserID) == "" {
			return newError(CodeInvalidStageConfig, "stage %d: approver user_id required", st.Index)
		}
		if users[slot.UserID] {
			return newError(CodeInvalidStageConfig, "stage %d: %s listed twice", st.Index, slot.UserID)
		}
		users[slot.UserID] = true
		if slot.Required {
			required++
		}
		if st.Mode == domain.ModeSequential && st.Type != domain.StageReference {
			if orders[slot.Order] {
				return newError(CodeInvalidStageConfig, "stage %d: order %d used twice", st.Index, slot.Order)
			}
			orders[slot.Order] = true
		}
	}
	if st.Type != domain.StageReference && st.Mode == domain.ModeAll && required == 0 {
		return newError(CodeInvalidStageConfig, "stage %d: ALL mode needs a required approver", st.Index)
	}
	return nil
}

func hasDecisionStage(stages []domain.Stage) bool {
	for _, st := range stages {
		if st.Type != domain.StageReference {
			return true
		}
	}
	return false
}

func parseAgreementPolicy(v string, fallback domain.AgreementPolicy) (domain.AgreementPolicy, error) {
	switch domain.AgreementPolicy(v) {
	case "":
		return fallback, nil
	case domain.AgreementBlocking, domain.AgreementAdvisory:
		return domain.AgreementPolicy(v), nil
	}
	return "", newError(CodeInvalidStageConfig, "agreement policy must be blocking or advisory, got %q", v)
}

type TemplateCreateOptions struct {
	ID              string
	Name            string
	CategoryID      string
	IsDefault       bool
	Active          bool
	AgreementPolicy string
	Stages          []domain.Stage
	ActorID         string
}

func (e Engine) CreateTemplate(ctx context.Context, opts TemplateCreateOptions) (domain.RouteTemplate, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.RouteTemplate{}, newError(CodeInvalidStageConfig, "template name is required")
	}
	stages, err := normalizeStages(opts.Stages)
	if err != nil {
		return domain.RouteTemplate{}, err
	}
	if opts.Active && !hasDecisionStage(stages) {
		return domain.RouteTemplate{}, newError(CodeEmptyTemplate, "an active template needs at least one approval or agreement stage")
	}
	policy, err := parseAgreementPolicy(opts.AgreementPolicy, e.defaultAgreementPolicy())
	if err != nil {
		return domain.RouteTemplate{}, err
	}
	now := e.timestamp()
	t := domain.RouteTemplate{
		ID:              opts.ID,
		Name:            strings.TrimSpace(opts.Name),
		IsDefault:       opts.IsDefault,
		Active:          opts.Active,
		AgreementPolicy: policy,
		Stages:          stages,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if opts.CategoryID != "" {
		cat := opts.CategoryID
		t.CategoryID = &cat
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RouteTemplate{}, err
	}
	defer tx.Rollback()

	if t.CategoryID != nil {
		if _, err := e.Repo.GetCategory(ctx, tx, *t.CategoryID); err != nil {
			return domain.RouteTemplate{}, notFound(err, CodeCategoryNotFound, "category %s not found", *t.CategoryID)
		}
	}
	if t.IsDefault {
		if err := e.ensureNoDefault(ctx, tx, t.CategoryID, t.ID); err != nil {
			return domain.RouteTemplate{}, err
		}
	}
	if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
		return domain.RouteTemplate{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, "template.created", "template", t.ID, opts.ActorID, events.Payload{
		"name": t.Name, "category_id": t.CategoryID, "is_default": t.IsDefault, "stages": len(t.Stages),
	}); err != nil {
		return domain.RouteTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RouteTemplate{}, err
	}
	e.kick()
	return t, nil
}

func scopeLabel(categoryID *string) string {
	if categoryID == nil {
		return "global scope"
	}
	return "category " + *categoryID
}

func (e Engine) ensureNoDefault(ctx context.Context, tx *sql.Tx, categoryID *string, selfID string) error {
	existing, err := e.Repo.FindDefaultTemplate(ctx, tx, categoryID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.ID == selfID {
		return nil
	}
	return newError(CodeDefaultTemplateConflict, "template %s is already the default for %s", existing.ID, scopeLabel(categoryID)).
		withDetails(map[string]any{"existing_template_id": existing.ID})
}

// TemplateUpdateOptions carries mutable template fields. An empty CategoryID
// makes the template global.
type TemplateUpdateOptions struct {
	ID              string
	Name            *string
	CategoryID      *string
	AgreementPolicy *string
	Active          *bool
	ActorID         string
}

func (e Engine) UpdateTemplate(ctx context.Context, opts TemplateUpdateOptions) (domain.RouteTemplate, error) {
	return e.mutateTemplate(ctx, opts.ID, opts.ActorID, "template.updated", func(tx *sql.Tx, t *domain.RouteTemplate) (events.Payload, error) {
		changed := []string{}
		if opts.Name != nil {
			name := strings.TrimSpace(*opts.Name)
			if name == "" {
				return nil, newError(CodeInvalidStageConfig, "template name is required")
			}
			t.Name = name
			changed = append(changed, "name")
		}
		if opts.AgreementPolicy != nil {
			p, err := parseAgreementPolicy(*opts.AgreementPolicy, t.AgreementPolicy)
			if err != nil {
				return nil, err
			}
			t.AgreementPolicy = p
			changed = append(changed, "agreement_policy")
		}
		if opts.CategoryID != nil {
			var next *string
			if *opts.CategoryID != "" {
				id := *opts.CategoryID
				if _, err := e.Repo.GetCategory(ctx, tx, id); err != nil {
					return nil, notFound(err, CodeCategoryNotFound, "category %s not found", id)
				}
				next = &id
			}
			if t.IsDefault {
				if err := e.ensureNoDefault(ctx, tx, next, t.ID); err != nil {
					return nil, err
				}
			}
			t.CategoryID = next
			changed = append(changed, "category_id")
		}
		if opts.Active != nil && *opts.Active != t.Active {
			if *opts.Active && !hasDecisionStage(t.Stages) {
				return nil, newError(CodeEmptyTemplate, "template %s has no approval or agreement stage", t.ID)
			}
			if !*opts.Active {
				if err := e.ensureTemplateIdle(ctx, tx, t.ID); err != nil {
					return nil, err
				}
			}
			t.Active = *opts.Active
			changed = append(changed, "active")
		}
		return events.Payload{"changed": changed}, nil
	})
}

// ensureTemplateIdle blocks changes that would strand in-flight requests.
func (e Engine) ensureTemplateIdle(ctx context.Context, tx *sql.Tx, templateID string) error {
	n, err := e.Repo.CountPendingForTemplate(ctx, tx, templateID)
	if err != nil {
		return err
	}
	if n > 0 {
		return newError(CodeTemplateInUse, "template %s is used by %d pending request(s)", templateID, n).
			withDetails(map[string]any{"pending": n})
	}
	return nil
}

func (e Engine) mutateTemplate(ctx context.Context, id, actorID, evtType string, fn func(tx *sql.Tx, t *domain.RouteTemplate) (events.Payload, error)) (domain.RouteTemplate, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RouteTemplate{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTemplate(ctx, tx, id)
	if err != nil {
		return domain.RouteTemplate{}, notFound(err, CodeTemplateNotFound, "template %s not found", id)
	}
	payload, err := fn(tx, &t)
	if err != nil {
		return domain.RouteTemplate{}, err
	}
	t.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateTemplate(ctx, tx, t); err != nil {
		return domain.RouteTemplate{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, evtType, "template", t.ID, actorID, payload); err != nil {
		return domain.RouteTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RouteTemplate{}, err
	}
	e.kick()
	return t, nil
}

// SetDefaultTemplate makes the template the default of its scope, demoting
// the previous default in the same transaction.
func (e Engine) SetDefaultTemplate(ctx context.Context, id, actorID string) (domain.RouteTemplate, error) {
	var previous string
	t, err := e.mutateTemplate(ctx, id, actorID, "template.updated", func(tx *sql.Tx, t *domain.RouteTemplate) (events.Payload, error) {
		if !t.Active {
			return nil, newError(CodeTemplateInactive, "template %s is inactive", t.ID)
		}
		if t.IsDefault {
			return events.Payload{"changed": []string{}}, nil
		}
		if cur, err := e.Repo.FindDefaultTemplate(ctx, tx, t.CategoryID); err == nil {
			previous = cur.ID
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		if err := e.Repo.ClearDefaultTemplate(ctx, tx, t.CategoryID, e.timestamp()); err != nil {
			return nil, err
		}
		t.IsDefault = true
		return events.Payload{"changed": []string{"is_default"}, "previous_default": previous}, nil
	})
	return t, err
}

// InsertStage places a stage at position at, shifting later stages.
func (e Engine) InsertStage(ctx context.Context, id string, at int, stage domain.Stage, actorID string) (domain.RouteTemplate, error) {
	return e.mutateStages(ctx, id, actorID, func(cur []domain.Stage) ([]domain.Stage, error) {
		if at < 0 || at > len(cur) {
			return nil, newError(CodeNonContiguousStages, "cannot insert at %d; template has %d stage(s)", at, len(cur))
		}
		next := make([]domain.Stage, 0, len(cur)+1)
		next = append(next, cur[:at]...)
		next = append(next, stage)
		next = append(next, cur[at:]...)
		return renumber(next), nil
	})
}

// RemoveStage drops the stage at index and renumbers the rest.
func (e Engine) RemoveStage(ctx context.Context, id string, index int, actorID string) (domain.RouteTemplate, error) {
	return e.mutateStages(ctx, id, actorID, func(cur []domain.Stage) ([]domain.Stage, error) {
		if index < 0 || index >= len(cur) {
			return nil, newError(CodeInvalidStageConfig, "no stage at index %d", index)
		}
		next := make([]domain.Stage, 0, len(cur)-1)
		next = append(next, cur[:index]...)
		next = append(next, cur[index+1:]...)
		return renumber(next), nil
	})
}

func (e Engine) ReplaceStages(ctx context.Context, id string, stages []domain.Stage, actorID string) (domain.RouteTemplate, error) {
	return e.mutateStages(ctx, id, actorID, func([]domain.Stage) ([]domain.Stage, error) {
		return stages, nil
	})
}

// renumber clears indices so positions decide the order.
func renumber(stages []domain.Stage) []domain.Stage {
	out := make([]domain.Stage, len(stages))
	for i, st := range stages {
		st = st.Clone()
		st.Index = 0
		out[i] = st
	}
	return out
}

func (e Engine) mutateStages(ctx context.Context, id, actorID string, edit func([]domain.Stage) ([]domain.Stage, error)) (domain.RouteTemplate, error) {
	return e.mutateTemplate(ctx, id, actorID, "template.updated", func(tx *sql.Tx, t *domain.RouteTemplate) (events.Payload, error) {
		edited, err := edit(t.Stages)
		if err != nil {
			return nil, err
		}
		stages, err := normalizeStages(edited)
		if err != nil {
			return nil, err
		}
		if t.Active && !hasDecisionStage(stages) {
			return nil, newError(CodeEmptyTemplate, "template %s would have no approval or agreement stage", t.ID)
		}
		if err := e.Repo.ReplaceStages(ctx, tx, t.ID, stages); err != nil {
			return nil, err
		}
		t.Stages = stages
		return events.Payload{"changed": []string{"stages"}, "stages": len(stages)}, nil
	})
}

// DeleteTemplate removes an idle template and unbinds it from categories.
func (e Engine) DeleteTemplate(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTemplate(ctx, tx, id); err != nil {
		return notFound(err, CodeTemplateNotFound, "template %s not found", id)
	}
	if err := e.ensureTemplateIdle(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Repo.ClearCategoryDefaultTemplate(ctx, tx, id, e.timestamp()); err != nil {
		return fmt.Errorf("unbind categories: %w", err)
	}
	if err := e.Repo.DeleteTemplate(ctx, tx, id); err != nil {
		return err
	}
	if err := e.eventWriter().Append(ctx, tx, "template.deleted", "template", id, actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.kick()
	return nil
}

func (e Engine) GetTemplate(ctx context.Context, id string) (domain.RouteTemplate, error) {
	t, err := e.Repo.GetTemplate(ctx, nil, id)
	if err != nil {
		return t, notFound(err, CodeTemplateNotFound, "template %s not found", id)
	}
	return t, nil
}

func (e Engine) ListTemplates(ctx context.Context, f repo.TemplateFilter) ([]domain.RouteTemplate, error) {
	return e.Repo.ListTemplates(ctx, f)
}
