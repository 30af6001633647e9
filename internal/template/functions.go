package template

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type function func(args string) (string, error)

var functions = map[string]function{
	"uuid":          noArgs("uuid", func() string { return uuid.NewString() }),
	"timestamp":     noArgs("timestamp", func() string { return strconv.FormatInt(time.Now().Unix(), 10) }),
	"timestamp_ms":  noArgs("timestamp_ms", func() string { return strconv.FormatInt(time.Now().UnixMilli(), 10) }),
	"random":        fnRandom,
	"random_string": fnRandomString,
	"date":          fnDate,
}

// evalFunction evaluates expr when it is a call to a known function. The
// boolean is false when expr is not a function call at all.
func evalFunction(expr string) (string, bool, error) {
	open := strings.IndexByte(expr, '(')
	if open == -1 || !strings.HasSuffix(expr, ")") {
		return "", false, nil
	}
	name := expr[:open]
	fn, ok := functions[name]
	if !ok {
		return "", false, nil
	}
	val, err := fn(expr[open+1 : len(expr)-1])
	if err != nil {
		return "", true, fmt.Errorf("%s(): %w", name, err)
	}
	return val, true, nil
}

func noArgs(name string, f func() string) function {
	return func(args string) (string, error) {
		if strings.TrimSpace(args) != "" {
			return "", fmt.Errorf("%s() takes no arguments", name)
		}
		return f(), nil
	}
}

// random(min,max) returns an integer in [min, max].
func fnRandom(args string) (string, error) {
	lo, hi, ok := strings.Cut(args, ",")
	if !ok {
		return "", fmt.Errorf("random(min,max) requires exactly 2 arguments")
	}
	min, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid min value: %w", err)
	}
	max, err := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid max value: %w", err)
	}
	if min > max {
		return "", fmt.Errorf("min (%d) must be <= max (%d)", min, max)
	}
	return strconv.FormatInt(min+rand.Int64N(max-min+1), 10), nil
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// random_string(n) returns n alphanumeric characters, 1 <= n <= 1000.
func fnRandomString(args string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil {
		return "", fmt.Errorf("invalid length: %w", err)
	}
	if n <= 0 || n > 1000 {
		return "", fmt.Errorf("length must be between 1 and 1000")
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[rand.IntN(len(alphanumeric))]
	}
	return string(b), nil
}

// date(layout) formats the current time with a Go reference layout.
// An empty layout means RFC 3339.
func fnDate(args string) (string, error) {
	layout := strings.TrimSpace(args)
	if layout == "" {
		layout = time.RFC3339
	}
	return time.Now().Format(layout), nil
}
