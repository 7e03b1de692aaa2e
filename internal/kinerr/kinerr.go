// Package kinerr defines the error taxonomy shared by every core component:
// transient I/O, optimistic-concurrency loss, not-found, and fatal errors.
// Every constructor wraps the underlying cause with github.com/pkg/errors so
// the call-site stack trace survives suspension across the network calls
// that separate a failure from where it is ultimately logged.
package kinerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for the purposes of retry and propagation policy.
type Kind int

const (
	// KindTransient is a retriable network/service error.
	KindTransient Kind = iota
	// KindPrecondition is an optimistic-concurrency loss: someone else won.
	KindPrecondition
	// KindNotFound maps to a domain-empty result where semantically appropriate.
	KindNotFound
	// KindFatal is argument validation, auth, or malformed-response errors.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPrecondition:
		return "precondition_failed"
	case KindNotFound:
		return "not_found"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every core component.
type Error struct {
	Kind Kind
	// Slot identifies the coordination-document slot a precondition failure
	// was observed on (e.g. a shardId or "stream"), empty for other kinds.
	Slot string
	cause error
}

func (e *Error) Error() string {
	if e.Slot != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Slot, e.cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

func wrap(kind Kind, slot string, cause error) *Error {
	return &Error{Kind: kind, Slot: slot, cause: errors.WithStack(cause)}
}

// Transient wraps a retriable I/O failure.
func Transient(cause error) error {
	if cause == nil {
		return nil
	}
	return wrap(KindTransient, "", cause)
}

// Transientf wraps a retriable I/O failure built from a format string.
func Transientf(format string, args ...any) error {
	return wrap(KindTransient, "", fmt.Errorf(format, args...))
}

// PreconditionFailed wraps an optimistic-concurrency loss on the named slot.
func PreconditionFailed(slot string, cause error) error {
	if cause == nil {
		cause = fmt.Errorf("condition failed")
	}
	return wrap(KindPrecondition, slot, cause)
}

// NotFound wraps a not-found condition.
func NotFound(slot string, cause error) error {
	if cause == nil {
		cause = fmt.Errorf("not found")
	}
	return wrap(KindNotFound, slot, cause)
}

// Fatal wraps a non-retriable, caller-propagated error.
func Fatal(cause error) error {
	if cause == nil {
		return nil
	}
	return wrap(KindFatal, "", cause)
}

// Fatalf wraps a non-retriable error built from a format string.
func Fatalf(format string, args ...any) error {
	return wrap(KindFatal, "", fmt.Errorf(format, args...))
}

// Is reports whether err (or anything it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}

// IsPreconditionFailed reports whether err is an optimistic-concurrency loss.
func IsPreconditionFailed(err error) bool { return Is(err, KindPrecondition) }

// IsNotFound reports whether err is a not-found condition.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsTransient reports whether err is retriable.
func IsTransient(err error) bool { return Is(err, KindTransient) }
