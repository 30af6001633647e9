package config

import (
	"errors"
	"fmt"
)

// ErrConfiguration is matched by every configuration failure.
var ErrConfiguration = errors.New("configuration error")

// Error describes an invalid configuration field.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *Error) Unwrap() error { return ErrConfiguration }

func fieldError(field, format string, args ...any) error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}
