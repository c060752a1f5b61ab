// Package errors defines the closed error taxonomy shared by the money core.
// Every failure that crosses a package boundary is one of these kinds, carries
// a stable code string, and may attach structured context for the error
// envelope returned to clients.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the failure classes recognised by the core.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindValidation covers malformed or rejected user input. Never retried.
	KindValidation
	// KindIllegalTransition covers state machine edges outside the transition table.
	KindIllegalTransition
	// KindInvariantViolation covers constitution trigger or guard failures.
	// These should be impossible and are always treated as critical.
	KindInvariantViolation
	// KindConcurrencyConflict covers serialization failures, deadlocks and
	// optimistic version mismatches after local retries are exhausted.
	KindConcurrencyConflict
	// KindExternalProvider covers payment provider failures.
	KindExternalProvider
	// KindStuckRecovery covers items that exhausted retries and need operator action.
	KindStuckRecovery
	// KindNotFound covers missing entities.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindIllegalTransition:
		return "illegal_transition"
	case KindInvariantViolation:
		return "invariant_violation"
	case KindConcurrencyConflict:
		return "concurrency_conflict"
	case KindExternalProvider:
		return "external_provider"
	case KindStuckRecovery:
		return "stuck_recovery"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the single concrete error type used across the core. Context holds
// structured fields (constraint name, state machine edge, provider status)
// that are logged and, for 4xx kinds, surfaced in the error envelope.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Code, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so callers can match with errors.Is against the
// kind sentinels below without caring about code or context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// With attaches a context field and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Kind sentinels for errors.Is matching.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrIllegalTransition   = &Error{Kind: KindIllegalTransition}
	ErrInvariantViolation  = &Error{Kind: KindInvariantViolation}
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
	ErrExternalProvider    = &Error{Kind: KindExternalProvider}
	ErrStuckRecovery       = &Error{Kind: KindStuckRecovery}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

// New constructs an error of the supplied kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap annotates an underlying error with a kind and code.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Validation builds a user-input failure.
func Validation(code, message string) *Error {
	return New(KindValidation, code, message)
}

// IllegalTransition builds a rejected state machine edge.
func IllegalTransition(machine, from, to string) *Error {
	e := New(KindIllegalTransition, "ILLEGAL_TRANSITION", fmt.Sprintf("%s: %s -> %s not allowed", machine, from, to))
	return e.With("machine", machine).With("from", from).With("to", to)
}

// InvariantViolation builds a critical guard or trigger failure.
func InvariantViolation(code, message string) *Error {
	return New(KindInvariantViolation, code, message)
}

// NotFound builds a missing-entity failure.
func NotFound(entity, id string) *Error {
	return New(KindNotFound, "NOT_FOUND", fmt.Sprintf("%s %s not found", entity, id)).
		With("entity", entity).With("id", id)
}

// Provider wraps a payment provider failure.
func Provider(code string, err error) *Error {
	return Wrap(KindExternalProvider, code, "payment provider call failed", err)
}

// KindOf extracts the taxonomy kind, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf extracts the stable code string, or "INTERNAL" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "INTERNAL"
}

// HTTPStatus maps a taxonomy kind to the canonical HTTP status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindIllegalTransition:
		return http.StatusConflict
	case KindInvariantViolation:
		return http.StatusPreconditionFailed
	case KindConcurrencyConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindExternalProvider, KindStuckRecovery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
