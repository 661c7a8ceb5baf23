package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the control plane. Handlers map these onto HTTP
// status codes; everything else is treated as internal.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidDuration = errors.New("expiry is in the past")
	ErrTimeout         = errors.New("operation timed out")
	ErrInternal        = errors.New("internal error")
)

// ValidationError reports the first offending field of a rejected policy or
// list entry. Validation always runs before any state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
