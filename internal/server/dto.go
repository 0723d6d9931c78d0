package server

import (
	"encoding/json"
	"strings"

	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/rules"
	"signoff/internal/schema"
)

// Request payloads

type CreateCategoryRequest struct {
	ID                string            `json:"id,omitempty"`
	Code              string            `json:"code"`
	Name              string            `json:"name"`
	Fields            []schema.FieldDef `json:"fields,omitempty"`
	DefaultTemplateID string            `json:"default_template_id,omitempty"`
	OwnerRole         string            `json:"owner_role,omitempty"`
	Inactive          bool              `json:"inactive,omitempty"`
}

type UpdateCategoryRequest struct {
	Name              *string            `json:"name,omitempty"`
	Fields            *[]schema.FieldDef `json:"fields,omitempty"`
	DefaultTemplateID *string            `json:"default_template_id,omitempty"`
	OwnerRole         *string            `json:"owner_role,omitempty"`
	Active            *bool              `json:"active,omitempty"`
}

type CreateTemplateRequest struct {
	ID              string         `json:"id,omitempty"`
	Name            string         `json:"name"`
	CategoryID      string         `json:"category_id,omitempty"`
	IsDefault       bool           `json:"is_default,omitempty"`
	Active          *bool          `json:"active,omitempty"`
	AgreementPolicy string         `json:"agreement_policy,omitempty"`
	Stages          []StageRequest `json:"stages"`
}

type UpdateTemplateRequest struct {
	Name            *string         `json:"name,omitempty"`
	CategoryID      *string         `json:"category_id,omitempty"`
	AgreementPolicy *string         `json:"agreement_policy,omitempty" enum:"blocking,advisory"`
	Active          *bool           `json:"active,omitempty"`
	Stages          *[]StageRequest `json:"stages,omitempty"`
}

// StageRequest leaves slot order and the required flag optional: slots
// default to required, ordered as listed.
type StageRequest struct {
	Type  string        `json:"type" enum:"AGREEMENT,APPROVAL,REFERENCE"`
	Mode  string        `json:"mode,omitempty"`
	Slots []SlotRequest `json:"slots,omitempty"`
}

type SlotRequest struct {
	UserID   string `json:"user_id"`
	Required *bool  `json:"required,omitempty"`
	Order    int    `json:"order,omitempty"`
}

type InsertStageRequest struct {
	At    int          `json:"at"`
	Stage StageRequest `json:"stage"`
}

type RouteRequest struct {
	Stages          []StageRequest `json:"stages"`
	AgreementPolicy string         `json:"agreement_policy,omitempty"`
}

type CreateRuleRequest struct {
	ID                  string             `json:"id,omitempty"`
	Name                string             `json:"name"`
	CategoryID          string             `json:"category_id"`
	TargetUserIDs       []string           `json:"target_user_ids,omitempty"`
	TargetDepartmentIDs []string           `json:"target_department_ids,omitempty"`
	Conditions          []domain.Condition `json:"conditions,omitempty"`
	BypassApproverIDs   []string           `json:"bypass_approver_ids,omitempty"`
	DelaySeconds        int                `json:"delay_seconds,omitempty"`
	Inactive            bool               `json:"inactive,omitempty"`
}

type UpdateRuleRequest struct {
	Active bool `json:"active"`
}

type MemberRequest struct {
	Name         string   `json:"name,omitempty"`
	ManagerID    *string  `json:"manager_id,omitempty"`
	DepartmentID string   `json:"department_id,omitempty"`
	Level        int      `json:"level,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	Active       *bool    `json:"active,omitempty"`
}

type SubmitRequest struct {
	CategoryID   string         `json:"category_id,omitempty"`
	CategoryCode string         `json:"category_code,omitempty"`
	TemplateID   string         `json:"template_id,omitempty"`
	Payload      map[string]any `json:"payload"`
	Route        *RouteRequest  `json:"route,omitempty"`
}

type DecisionRequest struct {
	Decision   string `json:"decision"`
	StageIndex *int   `json:"stage_index,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type InstanceResponse struct {
	ID              string              `json:"id"`
	CategoryID      string              `json:"category_id"`
	CategoryCode    string              `json:"category_code"`
	RequesterID     string              `json:"requester_id"`
	TemplateID      *string             `json:"template_id,omitempty"`
	RouteSource     string              `json:"route_source"`
	Payload         map[string]any      `json:"payload"`
	Stages          []domain.StageState `json:"stages"`
	CurrentStage    int                 `json:"current_stage"`
	Status          string              `json:"status" enum:"PENDING,APPROVED,REJECTED,CANCELLED"`
	AgreementPolicy string              `json:"agreement_policy"`
	Version         int                 `json:"version"`
	SubmittedAt     string              `json:"submitted_at" format:"date-time"`
	UpdatedAt       string              `json:"updated_at" format:"date-time"`
	CompletedAt     *string             `json:"completed_at,omitempty" format:"date-time"`
}

type RuleMatchResponse struct {
	Matched           bool     `json:"matched"`
	RuleID            string   `json:"rule_id,omitempty"`
	RuleName          string   `json:"rule_name,omitempty"`
	BypassApproverIDs []string `json:"bypass_approver_ids"`
	DelaySeconds      int      `json:"delay_seconds"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type listCategories struct {
	Items []domain.Category `json:"items"`
}

type listTemplates struct {
	Items []domain.RouteTemplate `json:"items"`
}

type listRules struct {
	Items []domain.AutoApprovalRule `json:"items"`
}

type listMembers struct {
	Items []domain.OrgMember `json:"items"`
}

type listPending struct {
	Items []domain.InstanceSummary `json:"items"`
}

type listAPIKeys struct {
	Items []APIKeyResponse `json:"items"`
}

type listEvents struct {
	Items []EventResponse `json:"items"`
}

type paginatedInstances struct {
	Items      []InstanceResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func (s StageRequest) stage() domain.Stage {
	st := domain.Stage{
		Type:  domain.StageType(strings.ToUpper(s.Type)),
		Mode:  domain.AggregationMode(strings.ToUpper(s.Mode)),
		Slots: make([]domain.ApproverSlot, 0, len(s.Slots)),
	}
	for i, slot := range s.Slots {
		required := true
		if slot.Required != nil {
			required = *slot.Required
		}
		order := slot.Order
		if order == 0 {
			order = i + 1
		}
		st.Slots = append(st.Slots, domain.ApproverSlot{UserID: slot.UserID, Required: required, Order: order})
	}
	return st
}

func stagesFromRequest(in []StageRequest) []domain.Stage {
	out := make([]domain.Stage, 0, len(in))
	for _, s := range in {
		out = append(out, s.stage())
	}
	return out
}

func (r *RouteRequest) manual() *engine.ManualRoute {
	if r == nil {
		return nil
	}
	return &engine.ManualRoute{Stages: stagesFromRequest(r.Stages), AgreementPolicy: r.AgreementPolicy}
}

func instanceResponse(in domain.Instance) InstanceResponse {
	return InstanceResponse{
		ID:              in.ID,
		CategoryID:      in.CategoryID,
		CategoryCode:    in.CategoryCode,
		RequesterID:     in.RequesterID,
		TemplateID:      in.TemplateID,
		RouteSource:     in.RouteSource,
		Payload:         in.Payload.Raw(),
		Stages:          nonNilSlice(in.Stages),
		CurrentStage:    in.CurrentStage,
		Status:          string(in.Status),
		AgreementPolicy: string(in.AgreementPolicy),
		Version:         in.Version,
		SubmittedAt:     in.SubmittedAt,
		UpdatedAt:       in.UpdatedAt,
		CompletedAt:     in.CompletedAt,
	}
}

func ruleMatchResponse(m rules.Match) RuleMatchResponse {
	res := RuleMatchResponse{
		Matched:           m.Matched,
		RuleID:            m.RuleID,
		BypassApproverIDs: nonNilSlice(m.BypassApproverIDs),
		DelaySeconds:      m.DelaySeconds,
	}
	if m.Rule != nil {
		res.RuleName = m.Rule.Name
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func eventResponses(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		res = append(res, eventResponse(evt))
	}
	return res
}

func apiKeyResponse(k domain.APIKey, secret string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		Key:       secret,
		CreatedAt: k.CreatedAt,
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
