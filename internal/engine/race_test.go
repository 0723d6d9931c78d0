package engine_test

import (
	"sync"
	"testing"

	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
)

type raceResult struct {
	ok    int
	codes map[string]int
	other []error
}

func collect(results <-chan error) raceResult {
	r := raceResult{codes: map[string]int{}}
	for err := range results {
		if err == nil {
			r.ok++
			continue
		}
		if e, ok := engine.AsError(err); ok {
			r.codes[e.Code]++
			continue
		}
		r.other = append(r.other, err)
	}
	return r
}

func TestConcurrentDecisionsOnOneSlot(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "LEAVE_REQUEST")
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead", "hr"))
	in := submit(t, env, cat, "emp", nil)

	const n = 8
	results := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := decide(env, in.ID, "lead", domain.DecisionApproved)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	r := collect(results)
	if r.ok != 1 || r.codes[engine.CodeAlreadyDecided] != n-1 || len(r.other) > 0 {
		t.Fatalf("want 1 success and %d AlreadyDecided, got ok=%d codes=%v other=%v", n-1, r.ok, r.codes, r.other)
	}
	got, err := env.Engine.GetInstance(env.Ctx, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != in.Version+1 {
		t.Fatalf("expected exactly one write, version %d -> %d", in.Version, got.Version)
	}
}

func TestConcurrentDecisionsAcrossEngines(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "LEAVE_REQUEST")
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead", "hr"))

	conn, dialect, err := db.Open(db.Config{Workspace: env.Workspace})
	if err != nil {
		t.Fatalf("open second connection: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	other := engine.New(conn, dialect, env.Engine.Config)
	other.Now = env.Engine.Now
	engines := []engine.Engine{env.Engine, other}

	for round := 0; round < 10; round++ {
		in := submit(t, env, cat, "emp", nil)
		const n = 6
		results := make(chan error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(e engine.Engine) {
				defer wg.Done()
				_, err := e.Decide(env.Ctx, engine.DecideOptions{InstanceID: in.ID, ApproverID: "lead", Decision: domain.DecisionApproved})
				results <- err
			}(engines[i%2])
		}
		wg.Wait()
		close(results)

		r := collect(results)
		if r.ok != 1 || r.codes[engine.CodeAlreadyDecided] != n-1 || len(r.other) > 0 {
			t.Fatalf("round %d: want 1 success, got ok=%d codes=%v other=%v", round, r.ok, r.codes, r.other)
		}
	}
}

func TestDeferredApprovalRacesHumanDecision(t *testing.T) {
	env := newTestEnv(t)
	cat := seedCategory(t, env, "EXPENSE", amountField)
	seedDefaultTemplate(t, env, cat, "", approvalStage(domain.ModeAll, "lead"))
	if _, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name: "cool-off", CategoryID: cat.ID, DelaySeconds: 60,
	}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	for round := 0; round < 10; round++ {
		in := submit(t, env, cat, "emp", map[string]any{"amount": 10})
		scheduled, err := env.Engine.ScheduledDeferred(env.Ctx)
		if err != nil || len(scheduled) != 1 {
			t.Fatalf("round %d: expected one scheduled row: %d %v", round, len(scheduled), err)
		}
		row := scheduled[0]

		var (
			wg        sync.WaitGroup
			applied   bool
			applyErr  error
			decideErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			applied, applyErr = env.Engine.ApplyDeferred(env.Ctx, row.ID)
		}()
		go func() {
			defer wg.Done()
			_, decideErr = decide(env, in.ID, "lead", domain.DecisionRejected)
		}()
		wg.Wait()
		if applyErr != nil {
			t.Fatalf("round %d: apply: %v", round, applyErr)
		}

		got, err := env.Engine.GetInstance(env.Ctx, in.ID)
		if err != nil {
			t.Fatalf("round %d: get: %v", round, err)
		}
		d, err := env.Engine.Repo.GetDeferred(env.Ctx, nil, row.ID)
		if err != nil {
			t.Fatalf("round %d: deferred: %v", round, err)
		}
		if applied {
			if !engine.IsCode(decideErr, engine.CodeInstanceClosed) && !engine.IsCode(decideErr, engine.CodeAlreadyDecided) {
				t.Fatalf("round %d: human decision after auto-approval should fail typed, got %v", round, decideErr)
			}
			if got.Status != domain.InstanceApproved || d.Status != domain.DeferredApplied {
				t.Fatalf("round %d: auto-approval won but state is %s/%s", round, got.Status, d.Status)
			}
			continue
		}
		if decideErr != nil {
			t.Fatalf("round %d: neither decision recorded: %v", round, decideErr)
		}
		if got.Status != domain.InstanceRejected || d.Status != domain.DeferredCancelled {
			t.Fatalf("round %d: human decision won but state is %s/%s", round, got.Status, d.Status)
		}
	}
}
