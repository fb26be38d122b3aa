// Package apperr defines the domain error taxonomy. Every error a domain
// package returns to a caller carries one Kind; only the transport layer
// maps kinds to status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindForbidden     Kind = "forbidden"
	KindConflict      Kind = "conflict"
	KindValidation    Kind = "validation_error"
	KindProvider      Kind = "provider_error"
	KindInvariant     Kind = "invariant_violation"
	KindUnauthorized  Kind = "unauthorized"
	KindLimitExceeded Kind = "limit_exceeded"
	KindInternal      Kind = "internal_error"
)

// Error is a classified domain error.
type Error struct {
	Kind    Kind
	Message string
	// Details is optional structured context echoed to clients
	// (e.g. current usage and limit on a limit denial).
	Details map[string]any
	Err     error

	origin *Error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether e was copied from target by WithDetails.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.origin != nil && e.origin == t
}

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf returns an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. The cause stays reachable via errors.Is/As.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	if cp.origin == nil {
		cp.origin = e
	}
	return &cp
}

// KindOf returns the kind of the first *Error in err's chain,
// or KindInternal when err is unclassified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Convenience constructors.

func NotFound(msg string) *Error   { return New(KindNotFound, msg) }
func Forbidden(msg string) *Error  { return New(KindForbidden, msg) }
func Conflict(msg string) *Error   { return New(KindConflict, msg) }
func Validation(msg string) *Error { return New(KindValidation, msg) }

// Provider wraps a billing provider failure.
func Provider(op string, err error) *Error {
	return Wrap(KindProvider, "billing provider "+op+" failed", err)
}

// Invariant reports broken internal state. It is never the caller's fault.
func Invariant(format string, args ...any) *Error {
	return Newf(KindInvariant, format, args...)
}

// IsRetryable reports whether the caller may retry the operation later.
// Provider failures and unclassified errors are transient; every other kind
// describes a request that will fail the same way again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindProvider, KindInternal:
		return true
	default:
		return false
	}
}
