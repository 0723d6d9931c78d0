package domain

import "signoff/internal/schema"

type StageType string

const (
	StageAgreement StageType = "AGREEMENT"
	StageApproval  StageType = "APPROVAL"
	StageReference StageType = "REFERENCE"
)

type AggregationMode string

const (
	ModeAll        AggregationMode = "ALL"
	ModeAny        AggregationMode = "ANY"
	ModeSequential AggregationMode = "SEQUENTIAL"
)

// AgreementPolicy decides whether a failed AGREEMENT stage rejects the instance.
type AgreementPolicy string

const (
	AgreementBlocking AgreementPolicy = "blocking"
	AgreementAdvisory AgreementPolicy = "advisory"
)

type InstanceStatus string

const (
	InstancePending   InstanceStatus = "PENDING"
	InstanceApproved  InstanceStatus = "APPROVED"
	InstanceRejected  InstanceStatus = "REJECTED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

type StageStatus string

const (
	StageQueued    StageStatus = "QUEUED"
	StageWaiting   StageStatus = "WAITING"
	StageSatisfied StageStatus = "SATISFIED"
	StageFailed    StageStatus = "FAILED"
	StageSkipped   StageStatus = "SKIPPED"
)

type Decision string

const (
	DecisionPending  Decision = "PENDING"
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
	DecisionSkipped  Decision = "SKIPPED"
)

// SourceHuman marks decisions entered by an approver.
const SourceHuman = "HUMAN"

// AutoRuleSource is the decision source recorded for an auto-approval rule.
func AutoRuleSource(ruleID string) string {
	return "AUTO_RULE:" + ruleID
}

type Category struct {
	ID                string            `json:"id"`
	Code              string            `json:"code"`
	Name              string            `json:"name"`
	Fields            []schema.FieldDef `json:"fields"`
	DefaultTemplateID *string           `json:"default_template_id,omitempty"`
	OwnerRole         string            `json:"owner_role,omitempty"`
	Active            bool              `json:"active"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
	UpdatedAt         string            `json:"updated_at" format:"date-time"`
}

type ApproverSlot struct {
	UserID   string `json:"user_id" yaml:"user_id"`
	Required bool   `json:"required" yaml:"required"`
	Order    int    `json:"order" yaml:"order"`
}

type Stage struct {
	Index int             `json:"index" yaml:"index"`
	Type  StageType       `json:"type" yaml:"type" enum:"AGREEMENT,APPROVAL,REFERENCE"`
	Mode  AggregationMode `json:"mode" yaml:"mode" enum:"ALL,ANY,SEQUENTIAL"`
	Slots []ApproverSlot  `json:"slots" yaml:"slots"`
}

func (s Stage) Clone() Stage {
	out := s
	out.Slots = append([]ApproverSlot(nil), s.Slots...)
	return out
}

type RouteTemplate struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	CategoryID      *string         `json:"category_id,omitempty"`
	IsDefault       bool            `json:"is_default"`
	Active          bool            `json:"active"`
	AgreementPolicy AgreementPolicy `json:"agreement_policy" enum:"blocking,advisory"`
	Stages          []Stage         `json:"stages"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
}

type DecisionRecord struct {
	ApproverID string   `json:"approver_id"`
	Decision   Decision `json:"decision" enum:"PENDING,APPROVED,REJECTED,SKIPPED"`
	Source     string   `json:"source,omitempty"`
	DecidedAt  *string  `json:"decided_at,omitempty" format:"date-time"`
	Comment    string   `json:"comment,omitempty"`
}

// StageState is a stage snapshot plus its progress inside one instance.
// Decisions line up index for index with Slots.
type StageState struct {
	Stage
	Status    StageStatus      `json:"status" enum:"QUEUED,WAITING,SATISFIED,FAILED,SKIPPED"`
	Decisions []DecisionRecord `json:"decisions"`
}

type Instance struct {
	ID              string          `json:"id"`
	CategoryID      string          `json:"category_id"`
	CategoryCode    string          `json:"category_code"`
	RequesterID     string          `json:"requester_id"`
	TemplateID      *string         `json:"template_id,omitempty"`
	RouteSource     string          `json:"route_source"`
	Payload         schema.Payload  `json:"payload"`
	Stages          []StageState    `json:"stages"`
	CurrentStage    int             `json:"current_stage"`
	Status          InstanceStatus  `json:"status" enum:"PENDING,APPROVED,REJECTED,CANCELLED"`
	AgreementPolicy AgreementPolicy `json:"agreement_policy"`
	Version         int             `json:"version"`
	SubmittedAt     string          `json:"submitted_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
	CompletedAt     *string         `json:"completed_at,omitempty" format:"date-time"`
}

// Clone deep-copies the instance so transitions never alias stored state.
func (in Instance) Clone() Instance {
	out := in
	if in.TemplateID != nil {
		id := *in.TemplateID
		out.TemplateID = &id
	}
	if in.CompletedAt != nil {
		ts := *in.CompletedAt
		out.CompletedAt = &ts
	}
	if in.Payload != nil {
		out.Payload = make(schema.Payload, len(in.Payload))
		for k, v := range in.Payload {
			out.Payload[k] = v
		}
	}
	out.Stages = make([]StageState, len(in.Stages))
	for i, st := range in.Stages {
		cp := StageState{Stage: st.Stage.Clone(), Status: st.Status}
		cp.Decisions = make([]DecisionRecord, len(st.Decisions))
		for j, d := range st.Decisions {
			if d.DecidedAt != nil {
				ts := *d.DecidedAt
				d.DecidedAt = &ts
			}
			cp.Decisions[j] = d
		}
		out.Stages[i] = cp
	}
	return out
}

// InstanceSummary is the row shown in an approver's inbox.
type InstanceSummary struct {
	ID           string         `json:"id"`
	CategoryCode string         `json:"category_code"`
	RequesterID  string         `json:"requester_id"`
	Status       InstanceStatus `json:"status"`
	StageIndex   int            `json:"stage_index"`
	StageType    StageType      `json:"stage_type"`
	SubmittedAt  string         `json:"submitted_at" format:"date-time"`
}

type Condition struct {
	Kind  string `json:"kind" yaml:"kind" enum:"max_amount,min_amount,min_requester_level,max_requester_level,department_equals,field_equals,expr"`
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
	Expr  string `json:"expr,omitempty" yaml:"expr,omitempty"`
}

type AutoApprovalRule struct {
	ID                  string      `json:"id"`
	Seq                 int64       `json:"seq"`
	Name                string      `json:"name"`
	CategoryID          string      `json:"category_id"`
	TargetUserIDs       []string    `json:"target_user_ids,omitempty"`
	TargetDepartmentIDs []string    `json:"target_department_ids,omitempty"`
	Conditions          []Condition `json:"conditions"`
	BypassApproverIDs   []string    `json:"bypass_approver_ids,omitempty"`
	DelaySeconds        int         `json:"delay_seconds"`
	Active              bool        `json:"active"`
	CreatedAt           string      `json:"created_at" format:"date-time"`
}

type OrgMember struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name,omitempty" yaml:"name,omitempty"`
	ManagerID    *string  `json:"manager_id,omitempty" yaml:"manager_id,omitempty"`
	DepartmentID string   `json:"department_id,omitempty" yaml:"department_id,omitempty"`
	Level        int      `json:"level" yaml:"level"`
	Roles        []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Active       bool     `json:"active" yaml:"active"`
}

func (m OrgMember) HasRole(role string) bool {
	for _, r := range m.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type DeferredStatus string

const (
	DeferredScheduled DeferredStatus = "scheduled"
	DeferredApplied   DeferredStatus = "applied"
	DeferredCancelled DeferredStatus = "cancelled"
)

type DeferredApproval struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	StageIndex int            `json:"stage_index"`
	ApproverID string         `json:"approver_id"`
	RuleID     string         `json:"rule_id"`
	DueAt      string         `json:"due_at" format:"date-time"`
	Status     DeferredStatus `json:"status"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	ResolvedAt *string        `json:"resolved_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
