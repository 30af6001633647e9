package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestValidate_RequiredMissing(t *testing.T) {
	schema := []Parameter{{Name: "rate", Type: TypeInt, Required: true}}

	result := Validate(schema, map[string]string{})

	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "rate", result.Errors[0].Parameter)
	assert.Equal(t, "parameter is required", result.Errors[0].Message)
	assert.Empty(t, result.ResolvedArguments)
}

func TestValidate_RequiredPresent(t *testing.T) {
	schema := []Parameter{{Name: "rate", Type: TypeInt, Required: true}}

	result := Validate(schema, map[string]string{"rate": "10"})

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Equal(t, map[string]string{"rate": "10"}, result.ResolvedArguments)
}

func TestValidate_ChoiceMembership(t *testing.T) {
	schema := []Parameter{{Name: "mode", Type: TypeChoice, Choices: []string{"a", "b"}, Required: true}}

	result := Validate(schema, map[string]string{"mode": "c"})
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "mode", result.Errors[0].Parameter)
	assert.Contains(t, result.Errors[0].Message, "must be one of")

	result = Validate(schema, map[string]string{"mode": "b"})
	assert.True(t, result.Valid)
	assert.Equal(t, "b", result.ResolvedArguments["mode"])
}

func TestValidate_HyphenatedKey(t *testing.T) {
	schema := []Parameter{{Name: "rate_limit", Type: TypeInt, Required: true}}

	result := Validate(schema, map[string]string{"rate-limit": "5"})

	assert.True(t, result.Valid)
	assert.Equal(t, map[string]string{"rate_limit": "5"}, result.ResolvedArguments)
}

func TestValidate_HyphenatedSchemaName(t *testing.T) {
	schema := []Parameter{{Name: "max-tokens", Type: TypeInt}}

	result := Validate(schema, map[string]string{"max_tokens": "256"})

	assert.True(t, result.Valid)
	assert.Equal(t, map[string]string{"max-tokens": "256"}, result.ResolvedArguments)
}

func TestValidate_ExactKeyWins(t *testing.T) {
	schema := []Parameter{{Name: "rate_limit"}}

	result := Validate(schema, map[string]string{"rate_limit": "exact", "rate-limit": "hyphen"})

	assert.Equal(t, "exact", result.ResolvedArguments["rate_limit"])
}

func TestValidate_Defaults(t *testing.T) {
	schema := []Parameter{
		{Name: "model", Required: true, Default: strPtr("llama")},
		{Name: "temperature", Type: TypeFloat, Default: strPtr("0.7")},
		{Name: "stream", Type: TypeBool},
	}

	result := Validate(schema, nil)

	assert.True(t, result.Valid)
	assert.Equal(t, map[string]string{"model": "llama", "temperature": "0.7"}, result.ResolvedArguments)
}

func TestValidate_Types(t *testing.T) {
	tests := []struct {
		name  string
		typ   Type
		value string
		want  string
		ok    bool
	}{
		{"int", TypeInt, "42", "42", true},
		{"int negative", TypeInt, "-3", "-3", true},
		{"int bad", TypeInt, "4.2", "", false},
		{"float", TypeFloat, "0.5", "0.5", true},
		{"float int form", TypeFloat, "3", "3", true},
		{"float bad", TypeFloat, "abc", "", false},
		{"bool true", TypeBool, "TRUE", "true", true},
		{"bool yes", TypeBool, "yes", "true", true},
		{"bool one", TypeBool, "1", "true", true},
		{"bool no", TypeBool, "No", "false", true},
		{"bool zero", TypeBool, "0", "false", true},
		{"bool bad", TypeBool, "maybe", "", false},
		{"string", TypeString, "anything", "anything", true},
		{"untyped", "", "anything", "anything", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := []Parameter{{Name: "p", Type: tt.typ}}
			result := Validate(schema, map[string]string{"p": tt.value})

			assert.Equal(t, tt.ok, result.Valid)
			if tt.ok {
				assert.Equal(t, tt.want, result.ResolvedArguments["p"])
			} else {
				require.Len(t, result.Errors, 1)
				assert.Contains(t, result.Errors[0].Message, string(tt.typ))
				assert.NotContains(t, result.ResolvedArguments, "p")
			}
		})
	}
}

func TestValidate_PartialResolutionAndOrder(t *testing.T) {
	schema := []Parameter{
		{Name: "a", Required: true},
		{Name: "b", Type: TypeInt},
		{Name: "c", Type: TypeInt, Required: true},
	}

	result := Validate(schema, map[string]string{"b": "7", "c": "x", "ignored": "1"})

	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "a", result.Errors[0].Parameter)
	assert.Equal(t, "c", result.Errors[1].Parameter)
	assert.Equal(t, map[string]string{"b": "7"}, result.ResolvedArguments)
	assert.Equal(t, `a: parameter is required; c: invalid value "x", expected int`, result.Messages())
}

func TestNames(t *testing.T) {
	schema := []Parameter{{Name: "a", Required: true}, {Name: "b"}, {Name: "c", Required: true}}
	assert.Equal(t, []string{"a", "b", "c"}, Names(schema))
	assert.Equal(t, []string{"a", "c"}, RequiredNames(schema))
}

func TestFormatHelp(t *testing.T) {
	assert.Equal(t, "This endpoint defines no extra parameters.", FormatHelp(nil))

	help := FormatHelp([]Parameter{
		{Name: "model", Required: true, Description: "model name"},
		{Name: "mode", Type: TypeChoice, Choices: []string{"fast", "slow"}, Default: strPtr("fast")},
	})

	assert.Contains(t, help, "--model")
	assert.Contains(t, help, "[required]")
	assert.Contains(t, help, "model name")
	assert.Contains(t, help, "[optional]")
	assert.Contains(t, help, "(default: fast)")
	assert.Contains(t, help, "choices: fast, slow")
}
