package engine

import (
	"context"
	"errors"

	"signoff/internal/directory"
	"signoff/internal/domain"
	"signoff/internal/repo"
)

const (
	RouteManual          = "manual"
	RouteTemplate        = "template"
	RouteCategoryDefault = "category_default"
	RouteGlobalDefault   = "global_default"
	RouteHierarchy       = "hierarchy"
)

// ManualRoute is a caller-supplied stage list used instead of a template.
type ManualRoute struct {
	Stages          []domain.Stage `json:"stages"`
	AgreementPolicy string         `json:"agreement_policy,omitempty"`
}

// Resolution is the route a new request will follow.
type Resolution struct {
	Stages          []domain.Stage         `json:"stages"`
	Source          string                 `json:"source"`
	TemplateID      *string                `json:"template_id,omitempty"`
	AgreementPolicy domain.AgreementPolicy `json:"agreement_policy"`
}

// Resolve picks a route for requesterID in cat. The returned stages never
// share memory with a stored template.
func (e Engine) Resolve(ctx context.Context, requesterID string, cat domain.Category, templateID string, manual *ManualRoute) (Resolution, error) {
	if manual != nil {
		stages, err := normalizeStages(manual.Stages)
		if err != nil {
			return Resolution{}, err
		}
		if !hasDecisionStage(stages) {
			return Resolution{}, newError(CodeInvalidStageConfig, "route needs at least one approval or agreement stage")
		}
		policy, err := parseAgreementPolicy(manual.AgreementPolicy, e.defaultAgreementPolicy())
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Stages: stages, Source: RouteManual, AgreementPolicy: policy}, nil
	}
	if templateID != "" {
		t, err := e.Repo.GetTemplate(ctx, nil, templateID)
		if err != nil {
			return Resolution{}, notFound(err, CodeTemplateNotFound, "template %s not found", templateID)
		}
		if t.CategoryID != nil && *t.CategoryID != cat.ID {
			return Resolution{}, newError(CodeTemplateNotFound, "template %s does not apply to category %s", templateID, cat.Code)
		}
		if !t.Active {
			return Resolution{}, newError(CodeTemplateInactive, "template %s is inactive", templateID)
		}
		return e.fromTemplate(t, RouteTemplate), nil
	}
	if cat.DefaultTemplateID != nil {
		t, err := e.Repo.GetTemplate(ctx, nil, *cat.DefaultTemplateID)
		switch {
		case err == nil && t.Active && (t.CategoryID == nil || *t.CategoryID == cat.ID):
			return e.fromTemplate(t, RouteCategoryDefault), nil
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			return Resolution{}, err
		}
	}
	catID := cat.ID
	if t, ok, err := e.activeDefault(ctx, &catID); err != nil {
		return Resolution{}, err
	} else if ok {
		return e.fromTemplate(t, RouteCategoryDefault), nil
	}
	if t, ok, err := e.activeDefault(ctx, nil); err != nil {
		return Resolution{}, err
	} else if ok {
		return e.fromTemplate(t, RouteGlobalDefault), nil
	}
	return e.resolveHierarchy(ctx, requesterID, cat)
}

func (e Engine) activeDefault(ctx context.Context, categoryID *string) (domain.RouteTemplate, bool, error) {
	t, err := e.Repo.FindDefaultTemplate(ctx, nil, categoryID)
	if errors.Is(err, repo.ErrNotFound) {
		return t, false, nil
	}
	if err != nil {
		return t, false, err
	}
	return t, t.Active, nil
}

func (e Engine) fromTemplate(t domain.RouteTemplate, source string) Resolution {
	stages := make([]domain.Stage, len(t.Stages))
	for i, st := range t.Stages {
		stages[i] = st.Clone()
		stages[i].Index = i
	}
	id := t.ID
	policy := t.AgreementPolicy
	if policy == "" {
		policy = e.defaultAgreementPolicy()
	}
	return Resolution{Stages: stages, Source: source, TemplateID: &id, AgreementPolicy: policy}
}

// resolveHierarchy builds one single-approver stage per qualifying manager,
// then appends the category's owner role holder.
func (e Engine) resolveHierarchy(ctx context.Context, requesterID string, cat domain.Category) (Resolution, error) {
	chain, err := e.Directory.ResolveOrgHierarchy(ctx, requesterID)
	switch {
	case errors.Is(err, directory.ErrCycle):
		return Resolution{}, newError(CodeHierarchyCycleDetected, "%v", err)
	case errors.Is(err, directory.ErrTooDeep):
		return Resolution{}, newError(CodeHierarchyTooDeep, "%v", err)
	case err != nil:
		return Resolution{}, err
	}
	h := e.Config.Hierarchy
	levels := h.ApproverLevels
	if levels <= 0 {
		levels = 1
	}
	seen := map[string]bool{requesterID: true}
	var approvers []string
	for _, m := range chain {
		if len(approvers) >= levels {
			break
		}
		if !m.Active || seen[m.ID] {
			continue
		}
		if m.Level >= h.MinApproverLevel || hasAnyRole(m, h.ApproverRoles) {
			approvers = append(approvers, m.ID)
			seen[m.ID] = true
		}
	}
	if cat.OwnerRole != "" {
		holders, err := e.Directory.HoldersOfRole(ctx, cat.OwnerRole)
		if err != nil {
			return Resolution{}, err
		}
		for _, m := range holders {
			if !m.Active || m.ID == requesterID {
				continue
			}
			if !seen[m.ID] {
				approvers = append(approvers, m.ID)
				seen[m.ID] = true
			}
			break
		}
	}
	if len(approvers) == 0 {
		return Resolution{}, newError(CodeNoApproverResolved, "no approver found for %s in category %s", requesterID, cat.Code)
	}
	stages := make([]domain.Stage, len(approvers))
	for i, id := range approvers {
		stages[i] = domain.Stage{
			Index: i,
			Type:  domain.StageApproval,
			Mode:  domain.ModeAll,
			Slots: []domain.ApproverSlot{{UserID: id, Required: true}},
		}
	}
	return Resolution{Stages: stages, Source: RouteHierarchy, AgreementPolicy: e.defaultAgreementPolicy()}, nil
}

func hasAnyRole(m domain.OrgMember, roles []string) bool {
	for _, r := range roles {
		if m.HasRole(r) {
			return true
		}
	}
	return false
}
