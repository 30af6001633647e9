package validation

import (
	"fmt"
	"strings"
)

// FormatHelp renders the schema as a flag listing shown after a failed
// validation.
func FormatHelp(schema []Parameter) string {
	if len(schema) == 0 {
		return "This endpoint defines no extra parameters."
	}

	var b strings.Builder
	b.WriteString("Endpoint parameters:\n\n")
	for _, p := range schema {
		required := "[optional]"
		if p.Required {
			required = "[required]"
		}
		line := fmt.Sprintf("  --%-20s %s %s", p.Name, required, p.typ())
		if p.Description != "" {
			line += "  " + p.Description
		}
		if p.Default != nil && *p.Default != "" {
			line += fmt.Sprintf(" (default: %s)", *p.Default)
		}
		if len(p.Choices) > 0 {
			line += fmt.Sprintf(" choices: %s", strings.Join(p.Choices, ", "))
		}
		b.WriteString(strings.TrimRight(line, " "))
		b.WriteByte('\n')
	}
	return b.String()
}
