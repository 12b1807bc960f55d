// Package fault defines the tagged error type used across the Hearth core.
//
// Every failure that can surface from an orchestrator entry point is classified
// by a [Kind]. The kind determines severity, whether the recovery coordinator
// is consulted before the error surfaces, and the sanitized message shown to
// the user. Internal diagnostic detail stays in the wrapped cause and is only
// ever logged.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Recoverability and severity are properties of the
// kind, not of the call site.
type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindPermissionDenied     Kind = "permission_denied"
	KindQuotaExceeded        Kind = "quota_exceeded"
	KindRateLimited          Kind = "rate_limited"
	KindSessionNotFound      Kind = "session_not_found"
	KindSessionExpired       Kind = "session_expired"
	KindTooManySessions      Kind = "too_many_sessions"
	KindModelUnavailable     Kind = "model_unavailable"
	KindModelTimeout         Kind = "model_timeout"
	KindModelContentTooLarge Kind = "model_content_too_large"
	KindCircuitOpen          Kind = "circuit_open"
	KindBulkheadFull         Kind = "bulkhead_full"
	KindToolNotAllowed       Kind = "tool_not_allowed_for_agent"
	KindInvalidToolParams    Kind = "invalid_tool_parameters"
	KindUnsafeParameters     Kind = "unsafe_parameters"
	KindToolResultUnknown    Kind = "tool_result_unknown"
	KindRecoveryExhausted    Kind = "recovery_exhausted"
	KindTimeout              Kind = "timeout"
	KindInternal             Kind = "internal"
)

// Severity grades how serious a fault is for alerting and audit purposes.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the tagged error carried through the orchestrator. It wraps an
// optional cause and carries the user-visible message separately from the
// internal detail.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// UserMessage is the sanitized text shown to the user. Never contains
	// internal identifiers, addresses, or stack context.
	UserMessage string

	// RecoveryHint suggests a concrete next step (retry later, reconnect,
	// reduce the request). May be empty.
	RecoveryHint string

	// cause is the wrapped underlying error, if any.
	cause error
}

// New creates an [Error] of the given kind with a sanitized user message.
func New(kind Kind, userMessage string) *Error {
	return &Error{Kind: kind, UserMessage: userMessage}
}

// Wrap creates an [Error] of the given kind wrapping cause. The cause is
// preserved for errors.Is/As chains and logging but never shown to users.
func Wrap(kind Kind, userMessage string, cause error) *Error {
	return &Error{Kind: kind, UserMessage: userMessage, cause: cause}
}

// WithHint returns a copy of e carrying the given recovery hint.
func (e *Error) WithHint(hint string) *Error {
	clone := *e
	clone.RecoveryHint = hint
	return &clone
}

// Error implements the error interface. The rendered string is for logs; user
// display must use UserMessage.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.UserMessage, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.UserMessage)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports kind equality so that errors.Is(err, &Error{Kind: k}) and
// comparisons against the package sentinels work across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// Severity returns the grading for the fault's kind.
func (e *Error) Severity() Severity {
	switch e.Kind {
	case KindValidation, KindSessionNotFound, KindInvalidToolParams:
		return SeverityLow
	case KindCircuitOpen, KindBulkheadFull, KindToolResultUnknown,
		KindQuotaExceeded, KindRateLimited, KindTooManySessions,
		KindModelTimeout, KindTimeout, KindToolNotAllowed,
		KindModelContentTooLarge:
		return SeverityMedium
	case KindModelUnavailable, KindSessionExpired, KindInternal:
		return SeverityHigh
	case KindPermissionDenied, KindUnsafeParameters, KindRecoveryExhausted:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// Recoverable reports whether the recovery coordinator should be consulted
// before this fault surfaces. Permission, validation, and quota failures are
// never recoverable and never retried.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindModelUnavailable, KindModelTimeout, KindCircuitOpen,
		KindBulkheadFull, KindTimeout, KindInternal:
		return true
	}
	return false
}

// Retryable reports whether the retry policy may re-attempt an operation that
// failed with this fault. A subset of the recoverable kinds: denials and
// validation failures are excluded by definition.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindModelUnavailable, KindModelTimeout, KindCircuitOpen, KindTimeout:
		return true
	}
	return false
}

// KindOf extracts the [Kind] from any error in err's chain. Unclassified
// errors report [KindInternal].
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the *Error from err's chain, or wraps err as an internal fault
// with a generic user message if no tagged error is present.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, "something went wrong, please try again", err)
}

// IsKind reports whether any error in err's chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
