// Package rules evaluates auto-approval rules against a submitted request.
package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"signoff/internal/domain"
	"signoff/internal/schema"
)

const (
	KindMaxAmount         = "max_amount"
	KindMinAmount         = "min_amount"
	KindMinRequesterLevel = "min_requester_level"
	KindMaxRequesterLevel = "max_requester_level"
	KindDepartmentEquals  = "department_equals"
	KindFieldEquals       = "field_equals"
	KindExpr              = "expr"
)

// DefaultAmountField is read by amount conditions that name no field.
const DefaultAmountField = "amount"

// Subject is what a rule is matched against.
type Subject struct {
	CategoryID   string
	RequesterID  string
	DepartmentID string
	Level        int
	Roles        []string
	Payload      schema.Payload
}

func (s Subject) env() map[string]any {
	roles := make([]any, 0, len(s.Roles))
	for _, r := range s.Roles {
		roles = append(roles, r)
	}
	payload := s.Payload.Env()
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"payload": payload,
		"requester": map[string]any{
			"id":            s.RequesterID,
			"level":         s.Level,
			"department_id": s.DepartmentID,
			"roles":         roles,
		},
	}
}

// Match is the outcome of Evaluate. Rule is set only when Matched.
type Match struct {
	Matched           bool                     `json:"matched"`
	RuleID            string                   `json:"rule_id,omitempty"`
	Rule              *domain.AutoApprovalRule `json:"rule,omitempty"`
	BypassApproverIDs []string                 `json:"bypass_approver_ids,omitempty"`
	DelaySeconds      int                      `json:"delay_seconds"`
}

// Delay is how long the match waits before approving.
func (m Match) Delay() time.Duration {
	return time.Duration(m.DelaySeconds) * time.Second
}

// Evaluator compiles conditions once and caches the programs by source.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

func (e *Evaluator) program(src string) (*vm.Program, error) {
	e.mu.RLock()
	if p, ok := e.cache[src]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.cache[src]; ok {
		return p, nil
	}
	p, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[src] = p
	return p, nil
}

// Evaluate returns the first rule, by Seq, that applies to s. Rules are
// expected in Seq order; the caller passes them as stored.
func (e *Evaluator) Evaluate(s Subject, rules []domain.AutoApprovalRule) (Match, error) {
	env := s.env()
	for i := range rules {
		r := rules[i]
		if !applies(s, r) {
			continue
		}
		ok, err := e.conditionsHold(r.Conditions, env)
		if err != nil {
			return Match{}, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if !ok {
			continue
		}
		return Match{
			Matched:           true,
			RuleID:            r.ID,
			Rule:              &r,
			BypassApproverIDs: append([]string(nil), r.BypassApproverIDs...),
			DelaySeconds:      r.DelaySeconds,
		}, nil
	}
	return Match{}, nil
}

func applies(s Subject, r domain.AutoApprovalRule) bool {
	if r.CategoryID != s.CategoryID || !r.Active {
		return false
	}
	if len(r.TargetUserIDs) > 0 && !contains(r.TargetUserIDs, s.RequesterID) {
		return false
	}
	if len(r.TargetDepartmentIDs) > 0 && !contains(r.TargetDepartmentIDs, s.DepartmentID) {
		return false
	}
	return true
}

func (e *Evaluator) conditionsHold(conds []domain.Condition, env map[string]any) (bool, error) {
	for _, c := range conds {
		src, err := Source(c)
		if err != nil {
			return false, err
		}
		p, err := e.program(src)
		if err != nil {
			return false, fmt.Errorf("compile %q: %w", src, err)
		}
		out, err := expr.Run(p, env)
		if err != nil {
			// Type mismatches on user data count as a non-match.
			return false, nil
		}
		if b, _ := out.(bool); !b {
			return false, nil
		}
	}
	return true, nil
}

// Check compiles every condition without evaluating it.
func (e *Evaluator) Check(conds []domain.Condition) error {
	for i, c := range conds {
		src, err := Source(c)
		if err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
		if _, err := e.program(src); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

// Source renders a condition as an expression over payload and requester.
func Source(c domain.Condition) (string, error) {
	field := c.Field
	switch c.Kind {
	case KindMaxAmount, KindMinAmount:
		if field == "" {
			field = DefaultAmountField
		}
		n, err := number(c.Value)
		if err != nil {
			return "", fmt.Errorf("%s: %w", c.Kind, err)
		}
		op := "<="
		if c.Kind == KindMinAmount {
			op = ">="
		}
		ref := "payload[" + strconv.Quote(field) + "]"
		return fmt.Sprintf("%s != nil && %s %s %s", ref, ref, op, n), nil
	case KindMinRequesterLevel, KindMaxRequesterLevel:
		n, err := number(c.Value)
		if err != nil {
			return "", fmt.Errorf("%s: %w", c.Kind, err)
		}
		op := ">="
		if c.Kind == KindMaxRequesterLevel {
			op = "<="
		}
		return fmt.Sprintf("requester.level %s %s", op, n), nil
	case KindDepartmentEquals:
		s, ok := c.Value.(string)
		if !ok || s == "" {
			return "", fmt.Errorf("%s: value must be a department id", c.Kind)
		}
		return "requester.department_id == " + strconv.Quote(s), nil
	case KindFieldEquals:
		if field == "" {
			return "", fmt.Errorf("%s: field required", c.Kind)
		}
		lit, err := literal(c.Value)
		if err != nil {
			return "", fmt.Errorf("%s: %w", c.Kind, err)
		}
		return "payload[" + strconv.Quote(field) + "] == " + lit, nil
	case KindExpr:
		if strings.TrimSpace(c.Expr) == "" {
			return "", fmt.Errorf("%s: expression required", c.Kind)
		}
		return c.Expr, nil
	default:
		return "", fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

func number(v any) (string, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		return strconv.Itoa(n), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return "", fmt.Errorf("value %q is not a number", n)
		}
		f = parsed
	default:
		return "", fmt.Errorf("value must be a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("value %v is not a finite number", v)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

func literal(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case nil:
		return "nil", nil
	default:
		return number(v)
	}
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
