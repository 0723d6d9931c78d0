package rules_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/domain"
	"signoff/internal/rules"
	"signoff/internal/schema"
)

func amountPayload(amount float64) schema.Payload {
	return schema.Payload{"amount": {Type: schema.TypeCurrency, Money: &schema.Money{Amount: amount, Currency: "IDR"}}}
}

func expenseRule(id string, seq int64, max float64) domain.AutoApprovalRule {
	return domain.AutoApprovalRule{
		ID:         id,
		Seq:        seq,
		CategoryID: "cat-expense",
		Conditions: []domain.Condition{{Kind: rules.KindMaxAmount, Value: max}},
		Active:     true,
	}
}

func TestSmallExpenseMatchesAmountCeiling(t *testing.T) {
	ev := rules.NewEvaluator()
	subj := rules.Subject{CategoryID: "cat-expense", RequesterID: "u-1", Payload: amountPayload(50000)}

	m, err := ev.Evaluate(subj, []domain.AutoApprovalRule{expenseRule("r-1", 1, 100000)})
	require.NoError(t, err)
	require.True(t, m.Matched)
	assert.Equal(t, "r-1", m.RuleID)
	assert.Equal(t, time.Duration(0), m.Delay())

	subj.Payload = amountPayload(100000)
	m, err = ev.Evaluate(subj, []domain.AutoApprovalRule{expenseRule("r-1", 1, 100000)})
	require.NoError(t, err)
	assert.True(t, m.Matched, "ceiling is inclusive")

	subj.Payload = amountPayload(100001)
	m, err = ev.Evaluate(subj, []domain.AutoApprovalRule{expenseRule("r-1", 1, 100000)})
	require.NoError(t, err)
	assert.False(t, m.Matched)
}

func TestMissingFieldDoesNotMatch(t *testing.T) {
	ev := rules.NewEvaluator()
	subj := rules.Subject{CategoryID: "cat-expense", Payload: schema.Payload{}}
	m, err := ev.Evaluate(subj, []domain.AutoApprovalRule{expenseRule("r-1", 1, 100000)})
	require.NoError(t, err)
	assert.False(t, m.Matched)
}

func TestFirstMatchWins(t *testing.T) {
	ev := rules.NewEvaluator()
	subj := rules.Subject{CategoryID: "cat-expense", Payload: amountPayload(10)}
	list := []domain.AutoApprovalRule{expenseRule("first", 1, 100), expenseRule("second", 2, 1000)}
	for i := 0; i < 5; i++ {
		m, err := ev.Evaluate(subj, list)
		require.NoError(t, err)
		assert.Equal(t, "first", m.RuleID)
	}
}

func TestTargetsAndActiveFlagFilter(t *testing.T) {
	ev := rules.NewEvaluator()
	inactive := expenseRule("off", 1, 100)
	inactive.Active = false
	otherCat := expenseRule("other", 2, 100)
	otherCat.CategoryID = "cat-leave"
	wrongUser := expenseRule("user", 3, 100)
	wrongUser.TargetUserIDs = []string{"someone-else"}
	wrongDept := expenseRule("dept", 4, 100)
	wrongDept.TargetDepartmentIDs = []string{"finance"}
	hit := expenseRule("hit", 5, 100)
	hit.TargetDepartmentIDs = []string{"ops"}
	hit.BypassApproverIDs = []string{"mgr"}
	hit.DelaySeconds = 60

	subj := rules.Subject{CategoryID: "cat-expense", RequesterID: "u-1", DepartmentID: "ops", Payload: amountPayload(5)}
	m, err := ev.Evaluate(subj, []domain.AutoApprovalRule{inactive, otherCat, wrongUser, wrongDept, hit})
	require.NoError(t, err)
	require.True(t, m.Matched)
	assert.Equal(t, "hit", m.RuleID)
	assert.Equal(t, []string{"mgr"}, m.BypassApproverIDs)
	assert.Equal(t, time.Minute, m.Delay())
}

func TestRequesterConditions(t *testing.T) {
	ev := rules.NewEvaluator()
	rule := domain.AutoApprovalRule{
		ID:         "lvl",
		CategoryID: "cat-leave",
		Active:     true,
		Conditions: []domain.Condition{
			{Kind: rules.KindMinRequesterLevel, Value: 3},
			{Kind: rules.KindDepartmentEquals, Value: "eng"},
			{Kind: rules.KindFieldEquals, Field: "leave_type", Value: "annual"},
		},
	}
	payload := schema.Payload{"leave_type": {Type: schema.TypeSelect, Text: "annual"}}
	subj := rules.Subject{CategoryID: "cat-leave", Level: 3, DepartmentID: "eng", Payload: payload}
	m, err := ev.Evaluate(subj, []domain.AutoApprovalRule{rule})
	require.NoError(t, err)
	assert.True(t, m.Matched)

	subj.Level = 2
	m, err = ev.Evaluate(subj, []domain.AutoApprovalRule{rule})
	require.NoError(t, err)
	assert.False(t, m.Matched)
}

func TestExprCondition(t *testing.T) {
	ev := rules.NewEvaluator()
	rule := domain.AutoApprovalRule{
		ID:         "x",
		CategoryID: "c",
		Active:     true,
		Conditions: []domain.Condition{{Kind: rules.KindExpr, Expr: `"senior" in requester.roles && payload.days <= 2`}},
	}
	days := 2.0
	subj := rules.Subject{CategoryID: "c", Roles: []string{"senior"}, Payload: schema.Payload{"days": {Type: schema.TypeNumber, Number: &days}}}
	m, err := ev.Evaluate(subj, []domain.AutoApprovalRule{rule})
	require.NoError(t, err)
	assert.True(t, m.Matched)
}

func TestCheckRejectsBadConditions(t *testing.T) {
	ev := rules.NewEvaluator()
	assert.Error(t, ev.Check([]domain.Condition{{Kind: "bogus"}}))
	assert.Error(t, ev.Check([]domain.Condition{{Kind: rules.KindMaxAmount, Value: "lots"}}))
	assert.Error(t, ev.Check([]domain.Condition{{Kind: rules.KindExpr, Expr: "payload.amount <="}}))
	assert.NoError(t, ev.Check([]domain.Condition{{Kind: rules.KindMaxAmount, Value: 10}}))
	for _, v := range []any{"NaN", "Infinity", "-Inf", math.NaN(), math.Inf(1)} {
		assert.Error(t, ev.Check([]domain.Condition{{Kind: rules.KindMaxAmount, Value: v}}), "value %v", v)
	}
}

func TestNumericStringsAreNormalized(t *testing.T) {
	src, err := rules.Source(domain.Condition{Kind: rules.KindMaxAmount, Value: " 1e3 "})
	require.NoError(t, err)
	assert.Equal(t, `payload["amount"] != nil && payload["amount"] <= 1000`, src)
}

func TestSourceQuotesFieldNames(t *testing.T) {
	src, err := rules.Source(domain.Condition{Kind: rules.KindMaxAmount, Field: "total amount", Value: 5.5})
	require.NoError(t, err)
	assert.Equal(t, `payload["total amount"] != nil && payload["total amount"] <= 5.5`, src)
}
