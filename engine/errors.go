/*
errors.go - Closed error taxonomy for the unit accounting engine

PURPOSE:
  Every failure the engine reports carries a stable Kind. Callers branch on
  the Kind (or use errors.Is with the sentinels below), never on message text.

ERROR CATEGORIES:
  1. Validation  - InvalidInterval, InvalidAmount
  2. Ledger      - InsufficientUnits, InsufficientScheduled, InactiveAuthorization
  3. Lifecycle   - AlreadyCompleted, AlreadyCancelled, InvalidTransition
  4. Access      - NotFound, Forbidden
  5. Store       - TransientConflict (retried internally), RetriesExhausted

RETRY POLICY:
  Only TransientConflict is retryable, and only the Retrier retries it.
  RetriesExhausted wraps the last conflict so that both
  errors.Is(err, ErrTransientConflict) and KindOf(err) == RetriesExhausted hold.

SEE ALSO:
  - retry.go: Retrier and the IsTransient classifier
  - api/errors.go: Kind to HTTP status mapping
*/
package engine

import (
	"errors"
	"fmt"
)

// Kind identifies a class of engine failure.
type Kind string

const (
	KindInternal              Kind = "internal"
	KindInvalidInterval       Kind = "invalid_interval"
	KindInvalidAmount         Kind = "invalid_amount"
	KindInsufficientUnits     Kind = "insufficient_units"
	KindInsufficientScheduled Kind = "insufficient_scheduled"
	KindInactiveAuthorization Kind = "inactive_authorization"
	KindAlreadyCompleted      Kind = "already_completed"
	KindAlreadyCancelled      Kind = "already_cancelled"
	KindInvalidTransition     Kind = "invalid_transition"
	KindNotFound              Kind = "not_found"
	KindForbidden             Kind = "forbidden"
	KindTransientConflict     Kind = "transient_conflict"
	KindRetriesExhausted      Kind = "retries_exhausted"
)

// Error is the single error type surfaced by the engine.
type Error struct {
	Kind    Kind
	Message string
	Err     error // underlying cause, may be a driver error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// =============================================================================
// SENTINELS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidInterval       = &Error{Kind: KindInvalidInterval}
	ErrInvalidAmount         = &Error{Kind: KindInvalidAmount}
	ErrInsufficientUnits     = &Error{Kind: KindInsufficientUnits}
	ErrInsufficientScheduled = &Error{Kind: KindInsufficientScheduled}
	ErrInactiveAuthorization = &Error{Kind: KindInactiveAuthorization}
	ErrAlreadyCompleted      = &Error{Kind: KindAlreadyCompleted}
	ErrAlreadyCancelled      = &Error{Kind: KindAlreadyCancelled}
	ErrInvalidTransition     = &Error{Kind: KindInvalidTransition}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrForbidden             = &Error{Kind: KindForbidden}
	ErrTransientConflict     = &Error{Kind: KindTransientConflict}
	ErrRetriesExhausted      = &Error{Kind: KindRetriesExhausted}
)

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Conflict wraps a store-level serialization failure. The driver error is
// kept as the cause but never leaks into the message.
func Conflict(cause error) *Error {
	return &Error{
		Kind:    KindTransientConflict,
		Message: "concurrent update conflict",
		Err:     cause,
	}
}

// KindOf returns the kind of the outermost *Error in err's chain,
// or KindInternal when there is none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsClientError reports whether err was caused by the caller's input or the
// current state of the resource, as opposed to infrastructure.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindInvalidInterval, KindInvalidAmount, KindInsufficientUnits,
		KindInsufficientScheduled, KindInactiveAuthorization,
		KindAlreadyCompleted, KindAlreadyCancelled, KindInvalidTransition,
		KindNotFound, KindForbidden:
		return true
	}
	return false
}
