package template

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Extract evaluates JSONPath rules (variable name to $.path) against body.
// Rules are evaluated in name order so joined errors are stable.
func Extract(body []byte, rules map[string]string) (map[string]any, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("response body is not valid JSON")
	}

	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]any, len(rules))
	var errs []error
	for _, name := range names {
		value := gjson.GetBytes(body, toGJSON(rules[name]))
		if !value.Exists() {
			errs = append(errs, fmt.Errorf("path %q not found for variable %q", rules[name], name))
			continue
		}
		out[name] = value.Value()
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// toGJSON rewrites a JSONPath expression into gjson syntax:
// $.items[0].id becomes items.0.id and $.data[*].name becomes data.#.name.
func toGJSON(path string) string {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")

	var b strings.Builder
	for i := 0; i < len(path); i++ {
		if path[i] == '[' {
			if end := strings.IndexByte(path[i:], ']'); end > 0 {
				index := path[i+1 : i+end]
				if index == "*" {
					index = "#"
				}
				b.WriteByte('.')
				b.WriteString(index)
				i += end
				continue
			}
		}
		b.WriteByte(path[i])
	}
	return b.String()
}
