package main

import (
	"strings"

	"github.com/spf13/pflag"

	"perfx/internal/validation"
)

// splitArgs separates the arguments perfx understands from pass-through run
// arguments. Everything after a bare "--" is pass-through, as is any flag
// not defined in known together with its value.
func splitArgs(known *pflag.FlagSet, args []string) (own, passthrough []string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			passthrough = append(passthrough, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			own = append(own, arg)
			continue
		}

		flag, inline := lookupFlag(known, arg)
		if flag == nil {
			passthrough = append(passthrough, arg)
			if !inline && i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
				i++
				passthrough = append(passthrough, args[i])
			}
			continue
		}

		own = append(own, arg)
		if !inline && flag.NoOptDefVal == "" && i+1 < len(args) {
			i++
			own = append(own, args[i])
		}
	}
	return own, passthrough
}

// lookupFlag finds the flag arg refers to and reports whether its value is
// inline ("--name=value").
func lookupFlag(fs *pflag.FlagSet, arg string) (*pflag.Flag, bool) {
	if strings.HasPrefix(arg, "--") {
		name, _, inline := strings.Cut(arg[2:], "=")
		return fs.Lookup(name), inline
	}
	short := arg[1:]
	if len(short) != 1 {
		// -fscript.yaml or -f=script.yaml
		return fs.ShorthandLookup(short[:1]), true
	}
	return fs.ShorthandLookup(short), false
}

// parsePassThrough turns pass-through arguments into run arguments:
// "--key value", "--key=value" and a bare "--flag" (value "true"). Keys are
// normalised to underscores.
func parsePassThrough(args []string) map[string]string {
	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") || len(arg) == 2 {
			continue
		}
		if key, value, ok := strings.Cut(arg[2:], "="); ok {
			out[validation.NormalizeKey(key)] = value
			continue
		}
		key := validation.NormalizeKey(arg[2:])
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			out[key] = args[i+1]
			i++
			continue
		}
		out[key] = "true"
	}
	return out
}
