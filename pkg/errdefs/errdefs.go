// Package errdefs defines the error kinds shared across the control plane.
//
// Every layer classifies failures by wrapping one of the sentinel errors
// below; the API layer maps kinds to HTTP statuses. Callers test kinds
// with the Is* predicates, which see through fmt.Errorf("%w") chains.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidState    = errors.New("invalid state")
	ErrValidation      = errors.New("validation failed")
	ErrTimeout         = errors.New("timed out")
	ErrUnavailable     = errors.New("unavailable")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotImplemented  = errors.New("not implemented")
	ErrInternal        = errors.New("internal error")
)

// NotFound wraps ErrNotFound with a formatted message.
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// Conflict wraps ErrConflict with a formatted message.
func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

// InvalidState wraps ErrInvalidState with a formatted message.
func InvalidState(format string, args ...any) error {
	return wrap(ErrInvalidState, format, args...)
}

// Validation wraps ErrValidation with a formatted message.
func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

// Timeout wraps ErrTimeout with a formatted message.
func Timeout(format string, args ...any) error {
	return wrap(ErrTimeout, format, args...)
}

// Unavailable wraps ErrUnavailable with a formatted message.
func Unavailable(format string, args ...any) error {
	return wrap(ErrUnavailable, format, args...)
}

// Unauthenticated wraps ErrUnauthenticated with a formatted message.
func Unauthenticated(format string, args ...any) error {
	return wrap(ErrUnauthenticated, format, args...)
}

// Forbidden wraps ErrForbidden with a formatted message.
func Forbidden(format string, args ...any) error {
	return wrap(ErrForbidden, format, args...)
}

// NotImplemented wraps ErrNotImplemented with a formatted message.
func NotImplemented(format string, args ...any) error {
	return wrap(ErrNotImplemented, format, args...)
}

// Internal wraps ErrInternal with a formatted message.
func Internal(format string, args ...any) error {
	return wrap(ErrInternal, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

func IsNotFound(err error) bool        { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool        { return errors.Is(err, ErrConflict) }
func IsInvalidState(err error) bool    { return errors.Is(err, ErrInvalidState) }
func IsValidation(err error) bool      { return errors.Is(err, ErrValidation) }
func IsTimeout(err error) bool         { return errors.Is(err, ErrTimeout) }
func IsUnavailable(err error) bool     { return errors.Is(err, ErrUnavailable) }
func IsUnauthenticated(err error) bool { return errors.Is(err, ErrUnauthenticated) }
func IsForbidden(err error) bool       { return errors.Is(err, ErrForbidden) }
func IsNotImplemented(err error) bool  { return errors.Is(err, ErrNotImplemented) }

// Kind returns the short machine-readable name for the error's kind,
// or "internal" when the error carries no known sentinel.
func Kind(err error) string {
	switch {
	case IsNotFound(err):
		return "not_found"
	case IsConflict(err):
		return "conflict"
	case IsInvalidState(err):
		return "invalid_state"
	case IsValidation(err):
		return "validation"
	case IsTimeout(err):
		return "timeout"
	case IsUnavailable(err):
		return "unavailable"
	case IsUnauthenticated(err):
		return "unauthenticated"
	case IsForbidden(err):
		return "forbidden"
	case IsNotImplemented(err):
		return "not_implemented"
	default:
		return "internal"
	}
}
