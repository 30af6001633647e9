// Package validation matches caller-supplied run arguments against an
// endpoint's declared parameter schema.
package validation

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is a parameter type tag.
type Type string

const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
	TypeBool   Type = "bool"
	TypeChoice Type = "choice"
)

// Parameter is one schema entry of an endpoint's argument schema.
type Parameter struct {
	Name        string   `json:"name"`
	Type        Type     `json:"type,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Default     *string  `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
	Choices     []string `json:"choices,omitempty"`
}

// ParameterError reports why a single parameter was rejected.
type ParameterError struct {
	Parameter string `json:"parameter"`
	Message   string `json:"message"`
}

func (e ParameterError) Error() string {
	return fmt.Sprintf("%s: %s", e.Parameter, e.Message)
}

// Result is the outcome of Validate. ResolvedArguments is populated even when
// Valid is false, so callers must check Valid before using it.
type Result struct {
	Valid             bool              `json:"valid"`
	Errors            []ParameterError  `json:"errors"`
	ResolvedArguments map[string]string `json:"resolved_arguments"`
}

// Messages joins every error into one line, as sent to the control plane.
func (r Result) Messages() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

const msgRequired = "parameter is required"

// Validate resolves provided against schema, in schema order. Every resolved
// value is normalised to its string form.
func Validate(schema []Parameter, provided map[string]string) Result {
	errs := make([]ParameterError, 0)
	resolved := make(map[string]string)
	normalized := normalizeKeys(provided)

	for _, param := range schema {
		value, present := lookup(provided, normalized, param.Name)

		if !present {
			if param.Default != nil {
				resolved[param.Name] = *param.Default
				continue
			}
			if param.Required {
				errs = append(errs, ParameterError{Parameter: param.Name, Message: msgRequired})
			}
			continue
		}

		str, ok := checkType(param.typ(), value)
		if !ok {
			errs = append(errs, ParameterError{
				Parameter: param.Name,
				Message:   fmt.Sprintf("invalid value %q, expected %s", value, param.typ()),
			})
			continue
		}

		if param.typ() == TypeChoice && len(param.Choices) > 0 && !contains(param.Choices, str) {
			errs = append(errs, ParameterError{
				Parameter: param.Name,
				Message:   fmt.Sprintf("value %q must be one of: %s", str, strings.Join(param.Choices, ", ")),
			})
			continue
		}

		resolved[param.Name] = str
	}

	return Result{
		Valid:             len(errs) == 0,
		Errors:            errs,
		ResolvedArguments: resolved,
	}
}

func (p Parameter) typ() Type {
	if p.Type == "" {
		return TypeString
	}
	return p.Type
}

// lookup finds a value by exact name, then by the hyphen-to-underscore form
// of both the parameter name and the provided keys.
func lookup(provided, normalized map[string]string, name string) (string, bool) {
	if v, ok := provided[name]; ok {
		return v, true
	}
	v, ok := normalized[NormalizeKey(name)]
	return v, ok
}

func normalizeKeys(provided map[string]string) map[string]string {
	out := make(map[string]string, len(provided))
	for k, v := range provided {
		nk := NormalizeKey(k)
		if _, exact := provided[nk]; exact && nk != k {
			continue
		}
		out[nk] = v
	}
	return out
}

// NormalizeKey converts hyphens to underscores.
func NormalizeKey(key string) string {
	return strings.ReplaceAll(key, "-", "_")
}

func checkType(t Type, value string) (string, bool) {
	switch t {
	case TypeInt:
		if _, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err != nil {
			return "", false
		}
		return value, true
	case TypeFloat:
		if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
			return "", false
		}
		return value, true
	case TypeBool:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes":
			return "true", true
		case "false", "0", "no":
			return "false", true
		}
		return "", false
	default:
		return value, true
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Names returns every parameter name in schema order.
func Names(schema []Parameter) []string {
	names := make([]string, 0, len(schema))
	for _, p := range schema {
		names = append(names, p.Name)
	}
	return names
}

// RequiredNames returns the names of required parameters in schema order.
func RequiredNames(schema []Parameter) []string {
	names := make([]string, 0)
	for _, p := range schema {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}
