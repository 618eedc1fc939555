// Package synerr defines the error taxonomy shared by the forge and unmask
// paths. Every failure aborts the whole operation; none is retried, since
// the same inputs reproduce the same deterministic failure.
//
// Callers branch with errors.Is against the sentinels, or errors.As into
// *Error for the offending header field.
package synerr

import (
	"errors"
	"fmt"
)

// Kind is a stable category for programmatic error handling.
type Kind string

const (
	KindCapacity  Kind = "capacity"
	KindFormat    Kind = "format"
	KindIntegrity Kind = "integrity"
	KindUsage     Kind = "usage"
)

// Sentinel errors for errors.Is() checks.
var (
	// ErrCapacity is returned when the payload needs more carrier slots
	// than the weight array has.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrFormat is returned when a container cannot be parsed.
	ErrFormat = errors.New("malformed container")

	// ErrIntegrity is returned when the recovered CRC-32 does not match.
	// A wrong passkey and a corrupted container are indistinguishable.
	ErrIntegrity = errors.New("wrong passkey or corrupted container")

	// ErrUsage is returned for invalid caller-supplied arguments.
	ErrUsage = errors.New("invalid argument")
)

// Error is the structured error type. Field names the offending header
// key (e.g. "__metadata__.total_bytes") when one is known.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches the sentinel for the error's Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrCapacity:
		return e.Kind == KindCapacity
	case ErrFormat:
		return e.Kind == KindFormat
	case ErrIntegrity:
		return e.Kind == KindIntegrity
	case ErrUsage:
		return e.Kind == KindUsage
	}
	return false
}

// Capacity builds a CapacityError.
func Capacity(format string, args ...any) error {
	return &Error{Kind: KindCapacity, Message: fmt.Sprintf(format, args...)}
}

// Format builds a FormatError for the given header field ("" if none).
func Format(field, format string, args ...any) error {
	return &Error{Kind: KindFormat, Field: field, Message: fmt.Sprintf(format, args...)}
}

// FormatCause is Format with an underlying cause.
func FormatCause(field string, cause error, format string, args ...any) error {
	return &Error{Kind: KindFormat, Field: field, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Integrity builds an IntegrityError. detail is appended for logs only.
func Integrity(detail string) error {
	msg := "integrity check failed: wrong passkey or corrupted container"
	if detail != "" {
		msg += " (" + detail + ")"
	}
	return &Error{Kind: KindIntegrity, Message: msg}
}

// Usage builds an error for invalid arguments.
func Usage(format string, args ...any) error {
	return &Error{Kind: KindUsage, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is (or wraps) an *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// FieldOf returns the offending field of a structured error, or "".
func FieldOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Field
}
