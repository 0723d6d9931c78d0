package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/migrate"
	"signoff/internal/repo"
	"signoff/internal/schema"
)

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Workspace string
	clock     *time.Time
}

func newTestEnv(t *testing.T, tweaks ...func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, dialect, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	for _, fn := range tweaks {
		fn(cfg)
	}
	eng := engine.New(conn, dialect, cfg)
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background(), Workspace: dir, clock: &clock}
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func ptr[T any](v T) *T { return &v }

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if !engine.IsCode(err, code) {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func seedCategory(t *testing.T, env testEnv, code string, fields ...schema.FieldDef) domain.Category {
	t.Helper()
	cat, err := env.Engine.CreateCategory(env.Ctx, engine.CategoryCreateOptions{
		Code:    code,
		Name:    strings.ToLower(code),
		Fields:  fields,
		ActorID: "admin",
	})
	if err != nil {
		t.Fatalf("create category: %v", err)
	}
	return cat
}

func seedDefaultTemplate(t *testing.T, env testEnv, cat domain.Category, policy string, stages ...domain.Stage) domain.RouteTemplate {
	t.Helper()
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name:            cat.Code + " route",
		CategoryID:      cat.ID,
		IsDefault:       true,
		Active:          true,
		AgreementPolicy: policy,
		Stages:          stages,
		ActorID:         "admin",
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	return tpl
}

func approvalStage(mode domain.AggregationMode, users ...string) domain.Stage {
	st := domain.Stage{Type: domain.StageApproval, Mode: mode}
	for i, u := range users {
		st.Slots = append(st.Slots, domain.ApproverSlot{UserID: u, Required: true, Order: i + 1})
	}
	return st
}

func submit(t *testing.T, env testEnv, cat domain.Category, requester string, payload map[string]any) domain.Instance {
	t.Helper()
	in, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{RequesterID: requester, CategoryCode: cat.Code, Payload: payload})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return in
}

func decide(env testEnv, id, approver string, d domain.Decision) (domain.Instance, error) {
	return env.Engine.Decide(env.Ctx, engine.DecideOptions{InstanceID: id, ApproverID: approver, Decision: d})
}

var amountField = schema.FieldDef{Name: "amount", Type: schema.TypeCurrency, Required: true}

func TestLeaveRequestApproved(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "LEAVE_REQUEST")
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead"))

	in := submit(t, env, cat, "emp", nil)
	if in.Status != domain.InstancePending || in.RouteSource != engine.RouteCategoryDefault {
		t.Fatalf("unexpected start: %s via %s", in.Status, in.RouteSource)
	}
	if in.Stages[0].Status != domain.StageWaiting {
		t.Fatalf("stage 0 should wait, got %s", in.Stages[0].Status)
	}
	in, err := decide(env, in.ID, "lead", domain.DecisionApproved)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if in.Status != domain.InstanceApproved || in.CompletedAt == nil {
		t.Fatalf("expected APPROVED with completion time, got %s", in.Status)
	}
	if in.Stages[0].Decisions[0].Source != domain.SourceHuman {
		t.Fatalf("expected human source, got %q", in.Stages[0].Decisions[0].Source)
	}
	if in.Version != 2 {
		t.Fatalf("expected version 2, got %d", in.Version)
	}
}

func TestRejectStopsLaterStages(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "LEAVE_REQUEST")
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead"), approvalStage(domain.ModeAll, "hr"))

	in := submit(t, env, cat, "emp", nil)
	if in.Stages[1].Status != domain.StageQueued {
		t.Fatalf("later stage should be queued, got %s", in.Stages[1].Status)
	}
	in, err := decide(env, in.ID, "lead", domain.DecisionRejected)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if in.Status != domain.InstanceRejected {
		t.Fatalf("expected REJECTED, got %s", in.Status)
	}
	if in.Stages[0].Status != domain.StageFailed || in.Stages[1].Status != domain.StageSkipped {
		t.Fatalf("unexpected stage states: %s, %s", in.Stages[0].Status, in.Stages[1].Status)
	}
	if in.Stages[1].Decisions[0].Decision != domain.DecisionSkipped {
		t.Fatalf("hr slot should be skipped, got %s", in.Stages[1].Decisions[0].Decision)
	}
	_, err = decide(env, in.ID, "hr", domain.DecisionApproved)
	requireCode(t, err, engine.CodeInstanceClosed)
}

func TestSequentialOrderEnforced(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "EXPENSE")
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeSequential, "alice", "bob"))

	in := submit(t, env, cat, "emp", nil)
	pending, err := env.Engine.PendingFor(env.Ctx, "bob")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("bob should not see the request yet")
	}
	_, err = decide(env, in.ID, "bob", domain.DecisionApproved)
	requireCode(t, err, engine.CodeOutOfSequence)

	if in, err = decide(env, in.ID, "alice", domain.DecisionApproved); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if in.Status != domain.InstancePending {
		t.Fatalf("expected PENDING after first approver, got %s", in.Status)
	}
	pending, _ = env.Engine.PendingFor(env.Ctx, "bob")
	if len(pending) != 1 || pending[0].ID != in.ID || pending[0].StageType != domain.StageApproval {
		t.Fatalf("bob inbox: %+v", pending)
	}
	if in, err = decide(env, in.ID, "bob", domain.DecisionApproved); err != nil {
		t.Fatalf("bob: %v", err)
	}
	if in.Status != domain.InstanceApproved {
		t.Fatalf("expected APPROVED, got %s", in.Status)
	}
	pending, _ = env.Engine.PendingFor(env.Ctx, "bob")
	if len(pending) != 0 {
		t.Fatalf("inbox should be empty once closed")
	}
}

func TestAutoApprovalRuleApproves(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "EXPENSE", amountField)
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead"))
	rule, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name:       "small expenses",
		CategoryID: cat.ID,
		Conditions: []domain.Condition{{Kind: "max_amount", Value: 100000}},
		ActorID:    "admin",
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	in := submit(t, env, cat, "emp", map[string]any{"amount": 50000})
	if in.Status != domain.InstanceApproved {
		t.Fatalf("expected APPROVED, got %s", in.Status)
	}
	if got := in.Stages[0].Decisions[0].Source; got != domain.AutoRuleSource(rule.ID) {
		t.Fatalf("unexpected source %q", got)
	}

	big := submit(t, env, cat, "emp", map[string]any{"amount": 250000})
	if big.Status != domain.InstancePending {
		t.Fatalf("large amount should wait for a human, got %s", big.Status)
	}
	m, err := env.Engine.EvaluateRules(env.Ctx, in.ID)
	if err != nil || !m.Matched || m.RuleID != rule.ID {
		t.Fatalf("evaluate rules: %+v %v", m, err)
	}
}

func TestFirstMatchingRuleWins(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "EXPENSE", amountField)
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead"), approvalStage(domain.ModeAll, "cfo"))
	first, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name: "lead bypass", CategoryID: cat.ID, BypassApproverIDs: []string{"lead"},
		Conditions: []domain.Condition{{Kind: "max_amount", Value: 1000}},
	})
	if err != nil {
		t.Fatalf("rule 1: %v", err)
	}
	if _, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name: "everyone", CategoryID: cat.ID, BypassApproverIDs: []string{"lead", "cfo"},
	}); err != nil {
		t.Fatalf("rule 2: %v", err)
	}

	in := submit(t, env, cat, "emp", map[string]any{"amount": 10})
	if in.Status != domain.InstancePending || in.CurrentStage != 1 {
		t.Fatalf("only the first rule should apply: %s at stage %d", in.Status, in.CurrentStage)
	}
	if in.Stages[0].Decisions[0].Source != domain.AutoRuleSource(first.ID) {
		t.Fatalf("stage 0 decided by %q", in.Stages[0].Decisions[0].Source)
	}
}

func TestNoApproverResolved(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "TRAVEL")

	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{RequesterID: "loner", CategoryCode: cat.Code})
	requireCode(t, err, engine.CodeNoApproverResolved)
	items, _, err := env.Engine.ListInstances(env.Ctx, engine.InstanceListOptions{RequesterID: "loner"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("no instance may be persisted, found %d", len(items))
	}
}

func TestAllModeIsOrderIndependent(t *testing.T) {
	orders := [][]string{{"a", "b", "c"}, {"c", "a", "b"}, {"b", "c", "a"}}
	for _, order := range orders {
		env := newTestEnv(t)
		cat := seedCategory(t, env, "PURCHASE")
		seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "a", "b", "c"))
		in := submit(t, env, cat, "emp", nil)
		var err error
		for i, who := range order {
			in, err = decide(env, in.ID, who, domain.DecisionApproved)
			if err != nil {
				t.Fatalf("%v: decide %s: %v", order, who, err)
			}
			if i < len(order)-1 && in.Status != domain.InstancePending {
				t.Fatalf("%v: closed early after %s", order, who)
			}
		}
		if in.Status != domain.InstanceApproved {
			t.Fatalf("%v: expected APPROVED, got %s", order, in.Status)
		}
	}
}

func TestAnyModeFirstApprovalWins(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "PURCHASE")
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAny, "a", "b"))

	in := submit(t, env, cat, "emp", nil)
	in, err := decide(env, in.ID, "a", domain.DecisionRejected)
	if err != nil || in.Status != domain.InstancePending {
		t.Fatalf("one rejection in ANY must not close: %s %v", in.Status, err)
	}
	in, err = decide(env, in.ID, "b", domain.DecisionApproved)
	if err != nil || in.Status != domain.InstanceApproved {
		t.Fatalf("expected APPROVED: %s %v", in.Status, err)
	}
}

func TestDecisionErrors(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "PURCHASE")
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "a", "b"), approvalStage(domain.ModeAll, "c"))
	in := submit(t, env, cat, "emp", nil)

	_, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{InstanceID: in.ID, StageIndex: ptr(1), ApproverID: "c", Decision: domain.DecisionApproved})
	requireCode(t, err, engine.CodeStageNotCurrent)
	_, err = decide(env, in.ID, "mallory", domain.DecisionApproved)
	requireCode(t, err, engine.CodeApproverNotAuthorized)
	_, err = decide(env, in.ID, "a", "MAYBE")
	requireCode(t, err, engine.CodeInvalidDecision)
	if _, err = decide(env, in.ID, "a", "approved"); err != nil {
		t.Fatalf("lower-case decision should be accepted: %v", err)
	}
	_, err = decide(env, in.ID, "a", domain.DecisionRejected)
	requireCode(t, err, engine.CodeAlreadyDecided)
	_, err = decide(env, "missing", "a", domain.DecisionApproved)
	requireCode(t, err, engine.CodeInstanceNotFound)
}

func TestSnapshotSurvivesTemplateChanges(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "LEAVE_REQUEST")
	tpl := seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead"), approvalStage(domain.ModeAll, "hr"))
	in := submit(t, env, cat, "emp", nil)

	if _, err := env.Engine.ReplaceStages(env.Ctx, tpl.ID, []domain.Stage{approvalStage(domain.ModeAll, "ceo")}, "admin"); err != nil {
		t.Fatalf("replace stages: %v", err)
	}
	err := env.Engine.DeleteTemplate(env.Ctx, tpl.ID, "admin")
	requireCode(t, err, engine.CodeTemplateInUse)
	_, err = env.Engine.UpdateTemplate(env.Ctx, engine.TemplateUpdateOptions{ID: tpl.ID, Active: ptr(false), ActorID: "admin"})
	requireCode(t, err, engine.CodeTemplateInUse)

	got, err := env.Engine.GetInstance(env.Ctx, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Stages) != 2 || got.Stages[0].Slots[0].UserID != "lead" || got.Stages[1].Slots[0].UserID != "hr" {
		t.Fatalf("snapshot changed: %+v", got.Stages)
	}
	if _, err := decide(env, in.ID, "lead", domain.DecisionApproved); err != nil {
		t.Fatalf("lead: %v", err)
	}
	if got, err = decide(env, in.ID, "hr", domain.DecisionApproved); err != nil || got.Status != domain.InstanceApproved {
		t.Fatalf("hr: %v", err)
	}
	if err := env.Engine.DeleteTemplate(env.Ctx, tpl.ID, "admin"); err != nil {
		t.Fatalf("delete idle template: %v", err)
	}
	got, err = env.Engine.GetInstance(env.Ctx, in.ID)
	if err != nil || len(got.Stages) != 2 {
		t.Fatalf("instance must outlive its template: %v", err)
	}
}

func TestHumanDecisionBeatsDeferredApproval(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "EXPENSE", amountField)
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead"))
	if _, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name: "cool-off", CategoryID: cat.ID, DelaySeconds: 3600,
	}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	in := submit(t, env, cat, "emp", map[string]any{"amount": 10})
	if in.Status != domain.InstancePending {
		t.Fatalf("delayed rule must not decide at submit, got %s", in.Status)
	}
	scheduled, err := env.Engine.ScheduledDeferred(env.Ctx)
	if err != nil || len(scheduled) != 1 {
		t.Fatalf("expected one scheduled row: %d %v", len(scheduled), err)
	}
	if _, err := decide(env, in.ID, "lead", domain.DecisionRejected); err != nil {
		t.Fatalf("decide: %v", err)
	}
	env.advance(2 * time.Hour)
	applied, err := env.Engine.ApplyDeferred(env.Ctx, scheduled[0].ID)
	if err != nil || applied {
		t.Fatalf("deferred approval must lose: applied=%v err=%v", applied, err)
	}
	d, err := env.Engine.Repo.GetDeferred(env.Ctx, nil, scheduled[0].ID)
	if err != nil || d.Status != domain.DeferredCancelled {
		t.Fatalf("deferred row should be cancelled: %s %v", d.Status, err)
	}
	got, _ := env.Engine.GetInstance(env.Ctx, in.ID)
	if got.Status != domain.InstanceRejected {
		t.Fatalf("human rejection overwritten: %s", got.Status)
	}
}

func TestDeferredApprovalFiresWhenDue(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "EXPENSE", amountField)
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead"))
	rule, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{Name: "cool-off", CategoryID: cat.ID, DelaySeconds: 60})
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	in := submit(t, env, cat, "emp", map[string]any{"amount": 10})

	if n, err := env.Engine.ApplyDueDeferred(env.Ctx); err != nil || n != 0 {
		t.Fatalf("nothing is due yet: %d %v", n, err)
	}
	env.advance(time.Minute)
	if n, err := env.Engine.ApplyDueDeferred(env.Ctx); err != nil || n != 1 {
		t.Fatalf("expected one applied: %d %v", n, err)
	}
	got, _ := env.Engine.GetInstance(env.Ctx, in.ID)
	if got.Status != domain.InstanceApproved || got.Stages[0].Decisions[0].Source != domain.AutoRuleSource(rule.ID) {
		t.Fatalf("unexpected result %s by %q", got.Status, got.Stages[0].Decisions[0].Source)
	}
	_, err = decide(env, in.ID, "lead", domain.DecisionApproved)
	requireCode(t, err, engine.CodeInstanceClosed)
}

func TestCancelRules(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "LEAVE_REQUEST")
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead"))
	in := submit(t, env, cat, "emp", nil)

	_, err := env.Engine.Cancel(env.Ctx, in.ID, "lead")
	requireCode(t, err, engine.CodeNotRequester)
	got, err := env.Engine.Cancel(env.Ctx, in.ID, "emp")
	if err != nil || got.Status != domain.InstanceCancelled {
		t.Fatalf("cancel: %s %v", got.Status, err)
	}
	if got.Stages[0].Status != domain.StageSkipped {
		t.Fatalf("open stage should be skipped, got %s", got.Stages[0].Status)
	}
	_, err = env.Engine.Cancel(env.Ctx, in.ID, "emp")
	requireCode(t, err, engine.CodeInstanceClosed)
	_, err = decide(env, in.ID, "lead", domain.DecisionApproved)
	requireCode(t, err, engine.CodeInstanceClosed)
	if pending, _ := env.Engine.PendingFor(env.Ctx, "lead"); len(pending) != 0 {
		t.Fatalf("cancelled request still in inbox")
	}
}

func TestTemplateInvariants(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "LEAVE_REQUEST")
	tpl := seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "a"), approvalStage(domain.ModeAll, "c"))

	_, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name: "second", CategoryID: cat.ID, IsDefault: true, Active: true,
		Stages: []domain.Stage{approvalStage(domain.ModeAll, "x")},
	})
	requireCode(t, err, engine.CodeDefaultTemplateConflict)

	_, err = env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name: "fyi only", Active: true,
		Stages: []domain.Stage{{Type: domain.StageReference, Slots: []domain.ApproverSlot{{UserID: "x"}}}},
	})
	requireCode(t, err, engine.CodeEmptyTemplate)

	_, err = env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name: "gappy",
		Stages: []domain.Stage{
			{Index: 0, Type: domain.StageApproval, Mode: domain.ModeAll, Slots: []domain.ApproverSlot{{UserID: "a", Required: true}}},
			{Index: 2, Type: domain.StageApproval, Mode: domain.ModeAll, Slots: []domain.ApproverSlot{{UserID: "b", Required: true}}},
		},
	})
	requireCode(t, err, engine.CodeNonContiguousStages)

	got, err := env.Engine.InsertStage(env.Ctx, tpl.ID, 1, approvalStage(domain.ModeAll, "b"), "admin")
	if err != nil {
		t.Fatalf("insert stage: %v", err)
	}
	assertStages(t, got, "a", "b", "c")
	got, err = env.Engine.RemoveStage(env.Ctx, tpl.ID, 0, "admin")
	if err != nil {
		t.Fatalf("remove stage: %v", err)
	}
	assertStages(t, got, "b", "c")
	_, err = env.Engine.InsertStage(env.Ctx, tpl.ID, 5, approvalStage(domain.ModeAll, "z"), "admin")
	requireCode(t, err, engine.CodeNonContiguousStages)

	stored, err := env.Engine.GetTemplate(env.Ctx, tpl.ID)
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	assertStages(t, stored, "b", "c")
}

func assertStages(t *testing.T, tpl domain.RouteTemplate, users ...string) {
	t.Helper()
	if len(tpl.Stages) != len(users) {
		t.Fatalf("expected %d stages, got %d", len(users), len(tpl.Stages))
	}
	for i, st := range tpl.Stages {
		if st.Index != i {
			t.Fatalf("stage %d carries index %d", i, st.Index)
		}
		if st.Slots[0].UserID != users[i] {
			t.Fatalf("stage %d: expected %s, got %s", i, users[i], st.Slots[0].UserID)
		}
	}
}

func TestSetDefaultTemplateMovesDefault(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "LEAVE_REQUEST")
	first := seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "a"))
	second, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name: "alt", CategoryID: cat.ID, Active: true, Stages: []domain.Stage{approvalStage(domain.ModeAll, "b")},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.SetDefaultTemplate(env.Ctx, second.ID, "admin"); err != nil {
		t.Fatalf("set default: %v", err)
	}
	prev, _ := env.Engine.GetTemplate(env.Ctx, first.ID)
	if prev.IsDefault {
		t.Fatalf("previous default not demoted")
	}
	in := submit(t, env, cat, "emp", nil)
	if in.TemplateID == nil || *in.TemplateID != second.ID {
		t.Fatalf("request should route through the new default")
	}
}

func TestCategoryRules(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "LEAVE_REQUEST", schema.FieldDef{Name: "reason", Type: schema.TypeText, Required: true})
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead"))

	_, err := env.Engine.CreateCategory(env.Ctx, engine.CategoryCreateOptions{Code: "LEAVE_REQUEST", Name: "again"})
	requireCode(t, err, engine.CodeDuplicateCategoryCode)

	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{RequesterID: "emp", CategoryCode: cat.Code, Payload: map[string]any{}})
	requireCode(t, err, engine.CodeInvalidPayload)
	if ee, ok := engine.AsError(err); !ok || ee.Details == nil {
		t.Fatalf("field errors should be attached: %v", err)
	}

	if _, err := env.Engine.UpdateCategory(env.Ctx, engine.CategoryUpdateOptions{ID: cat.ID, Active: ptr(false)}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{RequesterID: "emp", CategoryCode: cat.Code, Payload: map[string]any{"reason": "x"}})
	requireCode(t, err, engine.CodeCategoryInactive)
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{RequesterID: "emp", CategoryCode: "NOPE"})
	requireCode(t, err, engine.CodeCategoryNotFound)
}

func TestAgreementPolicies(t *testing.T) {
	agreement := domain.Stage{Type: domain.StageAgreement, Mode: domain.ModeAll,
		Slots: []domain.ApproverSlot{{UserID: "peer", Required: true}}}
	cases := []struct {
		policy string
		want   domain.InstanceStatus
	}{
		{"blocking", domain.InstanceRejected},
		{"advisory", domain.InstancePending},
	}
	for _, tc := range cases {
		env := newTestEnv(t)
		cat := seedCategory(t, env, "CONTRACT")
		seedDefaultTemplate(t, env, cat, tc.policy, agreement, approvalStage(domain.ModeAll, "boss"))
		in := submit(t, env, cat, "emp", nil)
		in, err := decide(env, in.ID, "peer", domain.DecisionRejected)
		if err != nil {
			t.Fatalf("%s: decide: %v", tc.policy, err)
		}
		if in.Status != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.policy, tc.want, in.Status)
		}
		if in.Stages[0].Status != domain.StageFailed {
			t.Fatalf("%s: agreement stage should be FAILED, got %s", tc.policy, in.Stages[0].Status)
		}
		if tc.policy == "advisory" && in.CurrentStage != 1 {
			t.Fatalf("advisory rejection should move on, current=%d", in.CurrentStage)
		}
	}
}

func TestReferenceStageNeverBlocks(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "MEMO")
	ref := domain.Stage{Type: domain.StageReference, Slots: []domain.ApproverSlot{{UserID: "cc"}}}
	seedDefaultTemplate(t, env, cat, "", ref, approvalStage(domain.ModeAll, "boss"))

	in := submit(t, env, cat, "emp", nil)
	if in.CurrentStage != 1 || in.Stages[0].Status != domain.StageSatisfied {
		t.Fatalf("reference stage should be passed over: current=%d status=%s", in.CurrentStage, in.Stages[0].Status)
	}
	_, err := decide(env, in.ID, "cc", domain.DecisionApproved)
	requireCode(t, err, engine.CodeApproverNotAuthorized)
}

func TestHierarchyRoute(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Hierarchy.ApproverLevels = 2
		c.Hierarchy.MinApproverLevel = 2
	})
	members := []domain.OrgMember{
		{ID: "emp", Level: 1, ManagerID: ptr("team"), Active: true},
		{ID: "team", Level: 1, ManagerID: ptr("mgr"), Active: true},
		{ID: "mgr", Level: 2, ManagerID: ptr("dir"), Active: true},
		{ID: "dir", Level: 3, ManagerID: ptr("ceo"), Active: true},
		{ID: "ceo", Level: 4, Active: true},
		{ID: "hr1", Level: 1, Roles: []string{"hr"}, Active: true},
	}
	for _, m := range members {
		if _, err := env.Engine.UpsertMember(env.Ctx, m, "admin"); err != nil {
			t.Fatalf("member %s: %v", m.ID, err)
		}
	}
	cat, err := env.Engine.CreateCategory(env.Ctx, engine.CategoryCreateOptions{Code: "LEAVE_REQUEST", Name: "leave", OwnerRole: "hr"})
	if err != nil {
		t.Fatalf("category: %v", err)
	}
	in := submit(t, env, cat, "emp", nil)
	if in.RouteSource != engine.RouteHierarchy {
		t.Fatalf("expected hierarchy route, got %s", in.RouteSource)
	}
	var got []string
	for _, st := range in.Stages {
		got = append(got, st.Slots[0].UserID)
	}
	if strings.Join(got, ",") != "mgr,dir,hr1" {
		t.Fatalf("unexpected approvers %v", got)
	}

	// A later org change must not touch the snapshot.
	if _, err := env.Engine.UpsertMember(env.Ctx, domain.OrgMember{ID: "emp", Level: 1, ManagerID: ptr("ceo"), Active: true}, "admin"); err != nil {
		t.Fatalf("move emp: %v", err)
	}
	again, _ := env.Engine.GetInstance(env.Ctx, in.ID)
	if again.Stages[0].Slots[0].UserID != "mgr" {
		t.Fatalf("snapshot re-walked")
	}
}

func TestHierarchyCycle(t *testing.T) {
	env := newTestEnv(t)
	for _, m := range []domain.OrgMember{
		{ID: "a", Level: 1, ManagerID: ptr("b"), Active: true},
		{ID: "b", Level: 1, ManagerID: ptr("a"), Active: true},
	} {
		if _, err := env.Engine.UpsertMember(env.Ctx, m, "admin"); err != nil {
			t.Fatalf("member: %v", err)
		}
	}
	cat := seedCategory(t, env, "TRAVEL")
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{RequesterID: "a", CategoryCode: cat.Code})
	requireCode(t, err, engine.CodeHierarchyCycleDetected)
}

func TestManualRoute(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "MISC")
	in, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		RequesterID:  "emp",
		CategoryCode: cat.Code,
		Route:        &engine.ManualRoute{Stages: []domain.Stage{approvalStage(domain.ModeAll, "x")}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if in.RouteSource != engine.RouteManual || in.TemplateID != nil {
		t.Fatalf("unexpected route %s", in.RouteSource)
	}
}

func TestStaleWriteIsRejected(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "LEAVE_REQUEST")
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "a", "b"))
	in := submit(t, env, cat, "emp", nil)
	stale := in

	if _, err := decide(env, in.ID, "a", domain.DecisionApproved); err != nil {
		t.Fatalf("decide: %v", err)
	}
	stale.Version = 2
	err := env.Engine.Repo.UpdateInstance(env.Ctx, nil, stale, 1)
	if !errors.Is(err, repo.ErrStaleVersion) {
		t.Fatalf("expected stale version, got %v", err)
	}
	got, _ := env.Engine.GetInstance(env.Ctx, in.ID)
	if got.Stages[0].Decisions[0].Decision != domain.DecisionApproved {
		t.Fatalf("stale write clobbered the decision")
	}
}

func TestListInstancesPages(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "LEAVE_REQUEST")
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead"))
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, submit(t, env, cat, "emp", nil).ID)
		env.advance(time.Second)
	}
	page, next, err := env.Engine.ListInstances(env.Ctx, engine.InstanceListOptions{RequesterID: "emp", Limit: 2})
	if err != nil || len(page) != 2 || next == "" {
		t.Fatalf("first page: %d %q %v", len(page), next, err)
	}
	if page[0].ID != ids[2] {
		t.Fatalf("newest first expected")
	}
	page, next, err = env.Engine.ListInstances(env.Ctx, engine.InstanceListOptions{RequesterID: "emp", Limit: 2, Cursor: next})
	if err != nil || len(page) != 1 || next != "" || page[0].ID != ids[0] {
		t.Fatalf("second page: %d %q %v", len(page), next, err)
	}
	_, _, err = env.Engine.ListInstances(env.Ctx, engine.InstanceListOptions{Cursor: "%%%"})
	requireCode(t, err, engine.CodeInvalidPayload)
}

func TestInstanceHistory(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "LEAVE_REQUEST")
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead"))
	in := submit(t, env, cat, "emp", nil)
	if _, err := decide(env, in.ID, "lead", domain.DecisionApproved); err != nil {
		t.Fatalf("decide: %v", err)
	}
	history, err := env.Engine.InstanceHistory(env.Ctx, in.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var types []string
	for _, evt := range history {
		types = append(types, evt.Type)
	}
	joined := strings.Join(types, ",")
	for _, want := range []string{"instance.submitted", "decision.recorded", "stage.transition", "instance.transition"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %s in %s", want, joined)
		}
	}
	if types[0] != "instance.submitted" {
		t.Fatalf("history out of order: %s", joined)
	}
}

func TestSubmitRecordsStartTransitions(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "MEMO")
	ref := domain.Stage{Type: domain.StageReference, Slots: []domain.ApproverSlot{{UserID: "cc"}}}
	seedDefaultTemplate(t, env, cat, "", ref, approvalStage(domain.ModeAll, "boss"), approvalStage(domain.ModeAll, "ceo"))
	in := submit(t, env, cat, "emp", nil)
	if in.Stages[2].Status != domain.StageQueued {
		t.Fatalf("later stage should wait in queue, got %s", in.Stages[2].Status)
	}

	history, err := env.Engine.InstanceHistory(env.Ctx, in.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var moves []string
	for _, evt := range history {
		if evt.TS != in.SubmittedAt {
			t.Fatalf("event %s stamped %s, want engine time %s", evt.Type, evt.TS, in.SubmittedAt)
		}
		if evt.Type == "stage.transition" {
			moves = append(moves, evt.Payload)
		}
	}
	want := []string{
		`{"from":"QUEUED","stage_index":0,"to":"SATISFIED"}`,
		`{"from":"QUEUED","stage_index":1,"to":"WAITING"}`,
	}
	if strings.Join(moves, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected start transitions: %v", moves)
	}
}

func TestAccessControl(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.GrantRole(env.Ctx, "admin", "emp", "employee"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	who, err := env.Engine.WhoAmI(env.Ctx, "emp")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if !strings.Contains(strings.Join(who.Permissions, ","), "request.submit") {
		t.Fatalf("employee should submit: %v", who.Permissions)
	}
	if err := env.Engine.Auth.Require(env.Ctx, nil, "emp", "template.manage"); err == nil {
		t.Fatalf("employee must not manage templates")
	}
	if err := env.Engine.GrantRole(env.Ctx, "admin", "emp", "wizard"); !engine.IsCode(err, engine.CodeInvalidPayload) {
		t.Fatalf("unknown role should fail: %v", err)
	}

	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "emp", "laptop")
	if err != nil {
		t.Fatalf("api key: %v", err)
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	if err != nil || stored.ID != key.ID || stored.ActorID != "emp" {
		t.Fatalf("key lookup: %+v %v", stored, err)
	}

	if err := env.Engine.RevokeRole(env.Ctx, "admin", "emp", "employee"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	who, _ = env.Engine.WhoAmI(env.Ctx, "emp")
	if len(who.Permissions) != 0 {
		t.Fatalf("permissions left after revoke: %v", who.Permissions)
	}
}

type recordingScheduler struct {
	scheduled []string
	cancelled []string
}

func (r *recordingScheduler) Schedule(d domain.DeferredApproval) { r.scheduled = append(r.scheduled, d.ID) }
func (r *recordingScheduler) Cancel(ids ...string)               { r.cancelled = append(r.cancelled, ids...) }

func TestSchedulerHooks(t *testing.T) {
	env := newTestEnv(t)
	rec := &recordingScheduler{}
	env.Engine.AttachScheduler(rec)
	cat := seedCategory(t, env, "EXPENSE")
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead"))
	if _, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{Name: "later", CategoryID: cat.ID, DelaySeconds: 30}); err != nil {
		t.Fatalf("rule: %v", err)
	}
	in := submit(t, env, cat, "emp", nil)
	if len(rec.scheduled) != 1 {
		t.Fatalf("expected a timer to be armed, got %v", rec.scheduled)
	}
	if _, err := env.Engine.Cancel(env.Ctx, in.ID, "emp"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(rec.cancelled) != 1 || rec.cancelled[0] != rec.scheduled[0] {
		t.Fatalf("timer should be disarmed: %v", rec.cancelled)
	}
}
