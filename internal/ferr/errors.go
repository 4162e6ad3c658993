// Package ferr defines the error taxonomy shared by the node cache,
// processing pipeline, rule engine and filter drivers. Every error carries a
// Kind so callers can map outcomes to responses without string matching, and
// a retryable flag so agents know whether resubmitting is meaningful.
package ferr

import (
	"errors"
	"fmt"
)

// Kind classifies an introspection error.
type Kind string

const (
	KindNotFound        Kind = "not_found"         // no active record for the node
	KindConflict        Kind = "conflict"          // duplicate start for an active attempt
	KindInvalidState    Kind = "invalid_state"     // transition not legal from current state
	KindAlreadyLocked   Kind = "already_locked"    // another processing pass holds the node lock
	KindValidationError Kind = "validation_error"  // malformed introspection payload
	KindHookAborted     Kind = "hook_aborted"      // a hook explicitly failed the pass
	KindTimeout         Kind = "timeout"           // attempt exceeded its TTL
	KindTypeMismatch    Kind = "type_mismatch"     // rule condition applied to wrong value type
	KindDriverError     Kind = "driver_error"      // filter backend command failed
)

// Error is the typed error used throughout the service core.
type Error struct {
	Kind    Kind
	Message string
	// AbortKind is set for KindHookAborted and names the failure kind the
	// hook signalled (usually one of the Kind constants, as a string).
	AbortKind string
	cause     error
}

func (e *Error) Error() string {
	if e.Kind == KindHookAborted && e.AbortKind != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.AbortKind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is makes errors.Is match any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether resubmitting the same request may succeed later.
// Lock contention and backend hiccups are transient; everything else needs
// operator action or a fresh start.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAlreadyLocked, KindDriverError:
		return true
	}
	return false
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind with an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// NotFound reports a missing active record.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// Conflict reports a duplicate start.
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

// InvalidState reports an illegal state transition.
func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}

// AlreadyLocked reports a concurrent processing pass.
func AlreadyLocked(format string, args ...any) *Error {
	return New(KindAlreadyLocked, format, args...)
}

// Validation reports malformed input data.
func Validation(format string, args ...any) *Error {
	return New(KindValidationError, format, args...)
}

// HookAborted reports that a hook failed the pass with the given kind.
func HookAborted(abortKind, format string, args ...any) *Error {
	return &Error{
		Kind:      KindHookAborted,
		AbortKind: abortKind,
		Message:   fmt.Sprintf(format, args...),
	}
}

// Timeout reports a TTL expiry.
func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, format, args...)
}

// TypeMismatch reports a rule condition type error.
func TypeMismatch(format string, args ...any) *Error {
	return New(KindTypeMismatch, format, args...)
}

// Driver wraps a filter backend failure.
func Driver(cause error, format string, args ...any) *Error {
	return Wrap(KindDriverError, cause, format, args...)
}

// KindOf returns the Kind of err, or "" if err is not a taxonomy error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err is a taxonomy error marked retryable.
func IsRetryable(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Retryable()
}
