// Package template expands ${...} placeholders in script steps and pulls
// values out of JSON responses for later steps.
package template

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"perfx/internal/core"
)

// placeholder matches ${name}, ${env:NAME} and ${fn(args)}.
var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// Substitute expands every placeholder in text. Lookup order is built-in
// function, then env: prefix, then vars. All failures are joined.
func Substitute(text string, vars core.Variables) (string, error) {
	if !strings.Contains(text, "${") {
		return text, nil
	}

	var errs []error
	out := placeholder.ReplaceAllStringFunc(text, func(match string) string {
		expr := strings.TrimSpace(match[2 : len(match)-1])

		if val, isFunc, err := evalFunction(expr); isFunc {
			if err != nil {
				errs = append(errs, err)
				return match
			}
			return val
		}

		if envName, ok := strings.CutPrefix(expr, "env:"); ok {
			if val, ok := os.LookupEnv(envName); ok {
				return val
			}
			errs = append(errs, fmt.Errorf("env var %q not set", envName))
			return match
		}

		if vars != nil {
			if val, ok := vars.Get(expr); ok {
				return fmt.Sprint(val)
			}
		}
		errs = append(errs, fmt.Errorf("variable %q not found", expr))
		return match
	})

	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return out, nil
}

// SubstituteMap expands every value of m. A nil map yields nil.
func SubstituteMap(m map[string]string, vars core.Variables) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	var errs []error
	for k, v := range m {
		s, err := Substitute(v, vars)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		out[k] = s
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
