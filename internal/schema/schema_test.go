package schema_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/schema"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func leaveFields() []schema.FieldDef {
	return []schema.FieldDef{
		{Name: "start_date", Type: schema.TypeDate, Required: true},
		{Name: "end_date", Type: schema.TypeDate, Required: true},
		{Name: "kind", Type: schema.TypeSelect, Required: true, Constraints: schema.Constraints{Options: []string{"annual", "sick"}}},
		{Name: "reason", Type: schema.TypeText, Constraints: schema.Constraints{MaxLength: intPtr(10)}},
		{Name: "amount", Type: schema.TypeCurrency, Constraints: schema.Constraints{Min: floatPtr(0), Currencies: []string{"KRW", "USD"}}},
	}
}

func TestValidateAcceptsTypedPayload(t *testing.T) {
	p, errs := schema.Validate(leaveFields(), map[string]any{
		"start_date": "2024-03-01",
		"end_date":   "2024-03-02",
		"kind":       "annual",
		"amount":     50000.0,
	})
	require.Empty(t, errs)
	require.Len(t, p, 4)
	assert.Equal(t, schema.TypeCurrency, p["amount"].Type)
	assert.Equal(t, 50000.0, p["amount"].Money.Amount)
	assert.Equal(t, "KRW", p["amount"].Money.Currency)
	assert.Equal(t, "annual", p["kind"].Text)
	assert.Equal(t, 50000.0, p.Env()["amount"])
}

func TestValidateCollectsEveryFailure(t *testing.T) {
	p, errs := schema.Validate(leaveFields(), map[string]any{
		"start_date": "03/01/2024",
		"kind":       "vacation",
		"reason":     "far too long a reason",
		"amount":     map[string]any{"amount": 10.0, "currency": "EUR"},
		"extra":      true,
	})
	assert.Nil(t, p)
	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, f := range []string{"start_date", "end_date", "kind", "reason", "amount", "extra"} {
		assert.True(t, fields[f], "expected error for %s", f)
	}
}

func TestValidatorsPerType(t *testing.T) {
	cases := []struct {
		name string
		def  schema.FieldDef
		raw  any
		ok   bool
	}{
		{"number in range", schema.FieldDef{Name: "n", Type: schema.TypeNumber, Constraints: schema.Constraints{Max: floatPtr(5)}}, json.Number("4"), true},
		{"number above max", schema.FieldDef{Name: "n", Type: schema.TypeNumber, Constraints: schema.Constraints{Max: floatPtr(5)}}, 6, false},
		{"number as string", schema.FieldDef{Name: "n", Type: schema.TypeNumber}, "4", false},
		{"time", schema.FieldDef{Name: "t", Type: schema.TypeTime}, "09:30", true},
		{"bad time", schema.FieldDef{Name: "t", Type: schema.TypeTime}, "9h30", false},
		{"boolean", schema.FieldDef{Name: "b", Type: schema.TypeBoolean}, false, true},
		{"email", schema.FieldDef{Name: "e", Type: schema.TypeEmail}, "kim@example.com", true},
		{"bad email", schema.FieldDef{Name: "e", Type: schema.TypeEmail}, "kim", false},
		{"multiselect", schema.FieldDef{Name: "m", Type: schema.TypeMultiSelect, Constraints: schema.Constraints{Options: []string{"a", "b"}}}, []any{"a", "b"}, true},
		{"multiselect dup", schema.FieldDef{Name: "m", Type: schema.TypeMultiSelect, Constraints: schema.Constraints{Options: []string{"a", "b"}}}, []any{"a", "a"}, false},
		{"file", schema.FieldDef{Name: "f", Type: schema.TypeFile, Constraints: schema.Constraints{MaxFiles: 1}}, map[string]any{"name": "receipt.pdf", "size": 1200.0}, true},
		{"too many files", schema.FieldDef{Name: "f", Type: schema.TypeFile, Constraints: schema.Constraints{MaxFiles: 1}}, []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}}, false},
		{"bank account", schema.FieldDef{Name: "acct", Type: schema.TypeBankAccount}, map[string]any{"bank_name": "KB", "account_number": "123-456-7890", "holder": "Kim"}, true},
		{"bank account letters", schema.FieldDef{Name: "acct", Type: schema.TypeBankAccount}, map[string]any{"bank_name": "KB", "account_number": "12ab", "holder": "Kim"}, false},
		{"text pattern", schema.FieldDef{Name: "code", Type: schema.TypeText, Constraints: schema.Constraints{Pattern: `^[A-Z]{3}$`}}, "ABC", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, errs := schema.Validate([]schema.FieldDef{tc.def}, map[string]any{tc.def.Name: tc.raw})
			if tc.ok {
				assert.Empty(t, errs)
			} else {
				assert.NotEmpty(t, errs)
			}
		})
	}
}

func TestValidateDefs(t *testing.T) {
	require.NoError(t, schema.ValidateDefs(leaveFields()))

	err := schema.ValidateDefs([]schema.FieldDef{
		{Name: "kind", Type: schema.TypeSelect},
		{Name: "kind", Type: schema.TypeText},
		{Name: "Bad Name", Type: schema.TypeText},
		{Name: "x", Type: "hologram"},
	})
	require.Error(t, err)
	var errs schema.Errors
	require.ErrorAs(t, err, &errs)
	assert.Len(t, errs, 4)
}

func TestPayloadRoundTripsThroughStorage(t *testing.T) {
	p, errs := schema.Validate(leaveFields(), map[string]any{
		"start_date": "2024-03-01",
		"end_date":   "2024-03-01",
		"kind":       "sick",
	})
	require.Empty(t, errs)
	data, err := json.Marshal(p)
	require.NoError(t, err)
	decoded, err := schema.DecodePayload(string(data))
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}
