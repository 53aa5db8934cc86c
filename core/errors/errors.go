package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a ledger failure. The HTTP boundary maps kinds onto status
// codes and stable error codes.
type Kind uint8

const (
	KindInternal Kind = iota
	KindNotFound
	KindAlreadyExists
	KindUnauthorized
	KindValidation
	KindInsufficientFunds
	KindInvalidState
	KindSystemPaused
)

// Error is the typed failure returned by every ledger operation. Only the
// fields relevant to Kind are populated.
type Error struct {
	Kind Kind

	Resource string
	Reason   string

	Field   string
	Message string

	Available uint64
	Required  uint64

	CurrentState  string
	RequiredState string

	cause error
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrAlreadyExists     = &Error{Kind: KindAlreadyExists}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrInternal          = &Error{Kind: KindInternal}
	ErrSystemPaused      = &Error{Kind: KindSystemPaused}
)

func NotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Resource: resource}
}

func AlreadyExists(resource string) *Error {
	return &Error{Kind: KindAlreadyExists, Resource: resource}
}

func Unauthorized(reason string) *Error {
	return &Error{Kind: KindUnauthorized, Reason: reason}
}

func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

func InsufficientFunds(available, required uint64) *Error {
	return &Error{Kind: KindInsufficientFunds, Available: available, Required: required}
}

func InvalidState(current, required string) *Error {
	return &Error{Kind: KindInvalidState, CurrentState: current, RequiredState: required}
}

func Internal(details string) *Error {
	return &Error{Kind: KindInternal, Reason: details}
}

// Internalf wraps an infrastructure failure (typically a storage error) as an
// internal error while keeping the cause reachable through errors.Unwrap.
func Internalf(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Reason: fmt.Sprintf(format, args...), cause: cause}
}

func SystemPaused(reason string) *Error {
	return &Error{Kind: KindSystemPaused, Reason: reason}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var msg string
	switch e.Kind {
	case KindNotFound:
		msg = fmt.Sprintf("%s not found", orDefault(e.Resource, "resource"))
	case KindAlreadyExists:
		msg = fmt.Sprintf("%s already exists", orDefault(e.Resource, "resource"))
	case KindUnauthorized:
		msg = fmt.Sprintf("unauthorized: %s", e.Reason)
	case KindValidation:
		msg = fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	case KindInsufficientFunds:
		msg = fmt.Sprintf("insufficient funds: available %d, required %d", e.Available, e.Required)
	case KindInvalidState:
		msg = fmt.Sprintf("invalid state: current %q, required %q", e.CurrentState, e.RequiredState)
	case KindSystemPaused:
		msg = fmt.Sprintf("system is paused: %s", e.Reason)
	default:
		msg = fmt.Sprintf("internal error: %s", e.Reason)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Is matches on Kind so callers can write errors.Is(err, errors.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Code returns the stable wire code for the error kind.
func (e *Error) Code() string {
	if e == nil {
		return ""
	}
	return e.Kind.Code()
}

// Retryable reports whether a caller may reasonably retry the operation
// unchanged. Only a paused system clears by itself; internal errors signal a
// broken invariant and are never retryable.
func (e *Error) Retryable() bool {
	return e != nil && e.Kind == KindSystemPaused
}

func (k Kind) Code() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindAlreadyExists:
		return "ALREADY_EXISTS"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindInsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case KindInvalidState:
		return "INVALID_STATE"
	case KindSystemPaused:
		return "SYSTEM_PAUSED"
	default:
		return "INTERNAL_ERROR"
	}
}

// KindOf extracts the kind of err. Errors that are not *Error report
// KindInternal.
func KindOf(err error) Kind {
	var typed *Error
	if stderrors.As(err, &typed) && typed != nil {
		return typed.Kind
	}
	return KindInternal
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var typed *Error
	if stderrors.As(err, &typed) && typed != nil {
		return typed, true
	}
	return nil, false
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
