package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// FieldType tags both a field definition and the payload value it accepts.
type FieldType string

const (
	TypeText        FieldType = "text"
	TypeTextarea    FieldType = "textarea"
	TypeEmail       FieldType = "email"
	TypeNumber      FieldType = "number"
	TypeCurrency    FieldType = "currency"
	TypeDate        FieldType = "date"
	TypeTime        FieldType = "time"
	TypeSelect      FieldType = "select"
	TypeMultiSelect FieldType = "multiselect"
	TypeBoolean     FieldType = "boolean"
	TypeFile        FieldType = "file"
	TypeBankAccount FieldType = "bank_account"
)

// FieldDef is one entry of a category's ordered form schema.
type FieldDef struct {
	Name        string      `json:"name" yaml:"name"`
	Label       string      `json:"label,omitempty" yaml:"label,omitempty"`
	Type        FieldType   `json:"type" yaml:"type"`
	Required    bool        `json:"required,omitempty" yaml:"required,omitempty"`
	Constraints Constraints `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// Constraints apply only to the field types that understand them.
type Constraints struct {
	MinLength  *int     `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength  *int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Min        *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max        *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern    string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Options    []string `json:"options,omitempty" yaml:"options,omitempty"`
	Currencies []string `json:"currencies,omitempty" yaml:"currencies,omitempty"`
	MaxFiles   int      `json:"max_files,omitempty" yaml:"max_files,omitempty"`
}

// Money is the value of a currency field.
type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

// FileRef points at an attachment stored elsewhere.
type FileRef struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// BankAccount is the value of a bank_account field.
type BankAccount struct {
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	Holder        string `json:"holder"`
}

// Value is a validated payload entry. Type selects which member is set.
type Value struct {
	Type    FieldType    `json:"type"`
	Text    string       `json:"text,omitempty"`
	Number  *float64     `json:"number,omitempty"`
	Money   *Money       `json:"money,omitempty"`
	Bool    *bool        `json:"bool,omitempty"`
	Choices []string     `json:"choices,omitempty"`
	Files   []FileRef    `json:"files,omitempty"`
	Bank    *BankAccount `json:"bank,omitempty"`
}

// Primitive returns the plain value used by rule predicates.
func (v Value) Primitive() any {
	switch v.Type {
	case TypeNumber:
		if v.Number != nil {
			return *v.Number
		}
	case TypeCurrency:
		if v.Money != nil {
			return v.Money.Amount
		}
	case TypeBoolean:
		if v.Bool != nil {
			return *v.Bool
		}
	case TypeMultiSelect:
		out := make([]any, 0, len(v.Choices))
		for _, c := range v.Choices {
			out = append(out, c)
		}
		return out
	case TypeFile:
		return len(v.Files)
	case TypeBankAccount:
		if v.Bank != nil {
			return map[string]any{
				"bank_name":      v.Bank.BankName,
				"account_number": v.Bank.AccountNumber,
				"holder":         v.Bank.Holder,
			}
		}
	default:
		return v.Text
	}
	return nil
}

// Payload is a request body that passed Validate.
type Payload map[string]Value

// Env flattens the payload for expression evaluation.
func (p Payload) Env() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Primitive()
	}
	return out
}

// Raw converts the payload back into the loose shape a client submits.
func (p Payload) Raw() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		switch v.Type {
		case TypeCurrency:
			if v.Money != nil {
				out[k] = map[string]any{"amount": v.Money.Amount, "currency": v.Money.Currency}
			}
		case TypeFile:
			files := make([]any, 0, len(v.Files))
			for _, f := range v.Files {
				files = append(files, map[string]any{"name": f.Name, "url": f.URL, "size": f.Size})
			}
			out[k] = files
		default:
			out[k] = v.Primitive()
		}
	}
	return out
}

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Errors is a list of field failures.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fe.Error())
	}
	return strings.Join(parts, "; ")
}

var fieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateDefs checks a category schema before it is stored.
func ValidateDefs(defs []FieldDef) error {
	seen := make(map[string]struct{}, len(defs))
	var errs Errors
	for i, def := range defs {
		name := strings.TrimSpace(def.Name)
		if !fieldNamePattern.MatchString(name) {
			errs = append(errs, FieldError{Field: fmt.Sprintf("fields[%d].name", i), Message: "must be lower snake case"})
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, FieldError{Field: name, Message: "duplicate field name"})
			continue
		}
		seen[name] = struct{}{}
		if _, ok := lookup(def.Type); !ok {
			errs = append(errs, FieldError{Field: name, Message: fmt.Sprintf("unknown field type %q", def.Type)})
			continue
		}
		c := def.Constraints
		switch def.Type {
		case TypeSelect, TypeMultiSelect:
			if len(c.Options) == 0 {
				errs = append(errs, FieldError{Field: name, Message: "options required"})
			}
		}
		if c.Pattern != "" {
			if _, err := regexp.Compile(c.Pattern); err != nil {
				errs = append(errs, FieldError{Field: name, Message: "invalid pattern"})
			}
		}
		if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
			errs = append(errs, FieldError{Field: name, Message: "min greater than max"})
		}
		if c.MinLength != nil && c.MaxLength != nil && *c.MinLength > *c.MaxLength {
			errs = append(errs, FieldError{Field: name, Message: "min_length greater than max_length"})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Validate converts a loose request body into a typed Payload.
// Every problem is reported; the payload is nil when any field fails.
func Validate(defs []FieldDef, raw map[string]any) (Payload, Errors) {
	out := make(Payload, len(defs))
	var errs Errors
	known := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		known[def.Name] = struct{}{}
		v, present := raw[def.Name]
		if !present || isBlank(v) {
			if def.Required {
				errs = append(errs, FieldError{Field: def.Name, Message: "is required"})
			}
			continue
		}
		fn, ok := lookup(def.Type)
		if !ok {
			errs = append(errs, FieldError{Field: def.Name, Message: fmt.Sprintf("unknown field type %q", def.Type)})
			continue
		}
		val, err := fn(def, v)
		if err != nil {
			errs = append(errs, FieldError{Field: def.Name, Message: err.Error()})
			continue
		}
		val.Type = def.Type
		out[def.Name] = val
	}
	var unknown []string
	for k := range raw {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		errs = append(errs, FieldError{Field: k, Message: "unknown field"})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

// DecodePayload parses a stored payload document.
func DecodePayload(data string) (Payload, error) {
	p := Payload{}
	if strings.TrimSpace(data) == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	}
	return false
}
