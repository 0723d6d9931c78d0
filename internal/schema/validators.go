package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// ValidatorFunc turns a raw submitted value into a typed Value for one field type.
type ValidatorFunc func(def FieldDef, raw any) (Value, error)

var (
	registryMu sync.RWMutex
	registry   = map[FieldType]ValidatorFunc{}
)

func init() {
	Register(TypeText, validateText)
	Register(TypeTextarea, validateText)
	Register(TypeEmail, validateEmail)
	Register(TypeNumber, validateNumber)
	Register(TypeCurrency, validateCurrency)
	Register(TypeDate, validateDate)
	Register(TypeTime, validateTime)
	Register(TypeSelect, validateSelect)
	Register(TypeMultiSelect, validateMultiSelect)
	Register(TypeBoolean, validateBoolean)
	Register(TypeFile, validateFile)
	Register(TypeBankAccount, validateBankAccount)
}

// Register installs or replaces the validator for a field type.
func Register(t FieldType, fn ValidatorFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = fn
}

func lookup(t FieldType) (ValidatorFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[t]
	return fn, ok
}

func asString(raw any) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", errors.New("must be a string")
	}
	return strings.TrimSpace(s), nil
}

func asFloat(raw any) (float64, error) {
	var f float64
	switch n := raw.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, errors.New("must be a number")
		}
		f = parsed
	default:
		return 0, errors.New("must be a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("must be a finite number")
	}
	return f, nil
}

func checkRange(c Constraints, f float64) error {
	if c.Min != nil && f < *c.Min {
		return fmt.Errorf("must be >= %v", *c.Min)
	}
	if c.Max != nil && f > *c.Max {
		return fmt.Errorf("must be <= %v", *c.Max)
	}
	return nil
}

func checkLength(c Constraints, s string) error {
	n := utf8.RuneCountInString(s)
	if c.MinLength != nil && n < *c.MinLength {
		return fmt.Errorf("must be at least %d characters", *c.MinLength)
	}
	if c.MaxLength != nil && n > *c.MaxLength {
		return fmt.Errorf("must be at most %d characters", *c.MaxLength)
	}
	if c.Pattern != "" {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return errors.New("invalid pattern")
		}
		if !re.MatchString(s) {
			return errors.New("does not match pattern")
		}
	}
	return nil
}

func contains(options []string, v string) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}

func validateText(def FieldDef, raw any) (Value, error) {
	s, err := asString(raw)
	if err != nil {
		return Value{}, err
	}
	if err := checkLength(def.Constraints, s); err != nil {
		return Value{}, err
	}
	return Value{Text: s}, nil
}

func validateEmail(def FieldDef, raw any) (Value, error) {
	s, err := asString(raw)
	if err != nil {
		return Value{}, err
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return Value{}, errors.New("must be an email address")
	}
	return Value{Text: s}, nil
}

func validateNumber(def FieldDef, raw any) (Value, error) {
	f, err := asFloat(raw)
	if err != nil {
		return Value{}, err
	}
	if err := checkRange(def.Constraints, f); err != nil {
		return Value{}, err
	}
	return Value{Number: &f}, nil
}

// validateCurrency accepts a bare amount or {"amount": n, "currency": "KRW"}.
func validateCurrency(def FieldDef, raw any) (Value, error) {
	m := Money{}
	switch t := raw.(type) {
	case map[string]any:
		amount, ok := t["amount"]
		if !ok {
			return Value{}, errors.New("amount required")
		}
		f, err := asFloat(amount)
		if err != nil {
			return Value{}, fmt.Errorf("amount %s", err.Error())
		}
		m.Amount = f
		if cur, ok := t["currency"]; ok && cur != nil {
			s, err := asString(cur)
			if err != nil {
				return Value{}, fmt.Errorf("currency %s", err.Error())
			}
			m.Currency = strings.ToUpper(s)
		}
	default:
		f, err := asFloat(raw)
		if err != nil {
			return Value{}, err
		}
		m.Amount = f
	}
	if err := checkRange(def.Constraints, m.Amount); err != nil {
		return Value{}, err
	}
	if len(def.Constraints.Currencies) > 0 {
		if m.Currency == "" {
			m.Currency = def.Constraints.Currencies[0]
		}
		if !contains(def.Constraints.Currencies, m.Currency) {
			return Value{}, fmt.Errorf("currency %s not allowed", m.Currency)
		}
	}
	return Value{Money: &m}, nil
}

func validateDate(_ FieldDef, raw any) (Value, error) {
	s, err := asString(raw)
	if err != nil {
		return Value{}, err
	}
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return Value{}, errors.New("must be a date (YYYY-MM-DD)")
	}
	return Value{Text: s}, nil
}

func validateTime(_ FieldDef, raw any) (Value, error) {
	s, err := asString(raw)
	if err != nil {
		return Value{}, err
	}
	if _, err := time.Parse("15:04", s); err != nil {
		return Value{}, errors.New("must be a time (HH:MM)")
	}
	return Value{Text: s}, nil
}

func validateSelect(def FieldDef, raw any) (Value, error) {
	s, err := asString(raw)
	if err != nil {
		return Value{}, err
	}
	if !contains(def.Constraints.Options, s) {
		return Value{}, fmt.Errorf("%q is not an option", s)
	}
	return Value{Text: s}, nil
}

func validateMultiSelect(def FieldDef, raw any) (Value, error) {
	var items []string
	switch t := raw.(type) {
	case []string:
		items = t
	case []any:
		for _, item := range t {
			s, err := asString(item)
			if err != nil {
				return Value{}, errors.New("must be a list of strings")
			}
			items = append(items, s)
		}
	default:
		return Value{}, errors.New("must be a list")
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if !contains(def.Constraints.Options, s) {
			return Value{}, fmt.Errorf("%q is not an option", s)
		}
		if _, dup := seen[s]; dup {
			return Value{}, fmt.Errorf("%q selected twice", s)
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return Value{Choices: out}, nil
}

func validateBoolean(_ FieldDef, raw any) (Value, error) {
	b, ok := raw.(bool)
	if !ok {
		return Value{}, errors.New("must be a boolean")
	}
	return Value{Bool: &b}, nil
}

func validateFile(def FieldDef, raw any) (Value, error) {
	var entries []any
	switch t := raw.(type) {
	case []any:
		entries = t
	case map[string]any:
		entries = []any{t}
	default:
		return Value{}, errors.New("must be a file reference or a list of them")
	}
	if def.Constraints.MaxFiles > 0 && len(entries) > def.Constraints.MaxFiles {
		return Value{}, fmt.Errorf("at most %d files", def.Constraints.MaxFiles)
	}
	files := make([]FileRef, 0, len(entries))
	for i, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			return Value{}, fmt.Errorf("file %d must be an object", i)
		}
		name, _ := m["name"].(string)
		if strings.TrimSpace(name) == "" {
			return Value{}, fmt.Errorf("file %d name required", i)
		}
		ref := FileRef{Name: strings.TrimSpace(name)}
		ref.URL, _ = m["url"].(string)
		if size, ok := m["size"]; ok && size != nil {
			f, err := asFloat(size)
			if err != nil || f < 0 {
				return Value{}, fmt.Errorf("file %d size invalid", i)
			}
			ref.Size = int64(f)
		}
		files = append(files, ref)
	}
	return Value{Files: files}, nil
}

var accountNumberPattern = regexp.MustCompile(`^[0-9][0-9-]{4,30}[0-9]$`)

func validateBankAccount(_ FieldDef, raw any) (Value, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Value{}, errors.New("must be an object with bank_name, account_number and holder")
	}
	field := func(key string) (string, error) {
		v, ok := m[key]
		if !ok || v == nil {
			return "", fmt.Errorf("%s required", key)
		}
		s, err := asString(v)
		if err != nil {
			return "", fmt.Errorf("%s %s", key, err.Error())
		}
		if s == "" {
			return "", fmt.Errorf("%s required", key)
		}
		return s, nil
	}
	var acct BankAccount
	var err error
	if acct.BankName, err = field("bank_name"); err != nil {
		return Value{}, err
	}
	if acct.AccountNumber, err = field("account_number"); err != nil {
		return Value{}, err
	}
	if !accountNumberPattern.MatchString(acct.AccountNumber) {
		return Value{}, errors.New("account_number must be digits and dashes")
	}
	if acct.Holder, err = field("holder"); err != nil {
		return Value{}, err
	}
	return Value{Bank: &acct}, nil
}
