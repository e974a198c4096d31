// Package errs defines the error taxonomy shared across the gateway core
// (see spec §7). Every component returns one of these kinds so that
// transport-level code (MCP error content, HTTP status) can map a single
// Go error type to the right wire representation without type-switching
// on package-private sentinels.
package errs

import "net/http"

// Kind classifies an Error per spec §7.
type Kind string

// Error kinds, independent of transport.
const (
	KindValidation        Kind = "validation"
	KindAuthorization     Kind = "authorization"
	KindNotFound          Kind = "not_found"
	KindUpstreamTransient Kind = "upstream_transient"
	KindUpstreamFatal     Kind = "upstream_fatal"
	KindBudgetExceeded    Kind = "budget_exceeded"
	KindPolicyDenied      Kind = "policy_denied"
	KindInternal          Kind = "internal"
)

// Error is the concrete error type returned by every core component.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// NewError constructs an Error of the given kind.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewValidationError builds a KindValidation error.
func NewValidationError(message string, cause error) *Error {
	return NewError(KindValidation, message, cause)
}

// NewAuthorizationError builds a KindAuthorization error.
func NewAuthorizationError(message string, cause error) *Error {
	return NewError(KindAuthorization, message, cause)
}

// NewNotFoundError builds a KindNotFound error.
func NewNotFoundError(message string, cause error) *Error {
	return NewError(KindNotFound, message, cause)
}

// NewUpstreamTransientError builds a KindUpstreamTransient error.
func NewUpstreamTransientError(message string, cause error) *Error {
	return NewError(KindUpstreamTransient, message, cause)
}

// NewUpstreamFatalError builds a KindUpstreamFatal error.
func NewUpstreamFatalError(message string, cause error) *Error {
	return NewError(KindUpstreamFatal, message, cause)
}

// NewBudgetExceededError builds a KindBudgetExceeded error.
func NewBudgetExceededError(message string, cause error) *Error {
	return NewError(KindBudgetExceeded, message, cause)
}

// NewPolicyDeniedError builds a KindPolicyDenied error.
func NewPolicyDeniedError(message string, cause error) *Error {
	return NewError(KindPolicyDenied, message, cause)
}

// NewInternalError builds a KindInternal error.
func NewInternalError(message string, cause error) *Error {
	return NewError(KindInternal, message, cause)
}

// Code maps an error to an HTTP status code. Errors that are not *Error
// map to 500, matching the "anything else is Internal" rule in spec §7.
func Code(err error) int {
	var e *Error
	if !asError(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamTransient:
		return http.StatusServiceUnavailable
	case KindUpstreamFatal:
		return http.StatusBadGateway
	case KindBudgetExceeded:
		return http.StatusRequestEntityTooLarge
	case KindPolicyDenied:
		return http.StatusForbidden
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// asError walks err's Unwrap() error chain and stores the first *Error it
// finds in target.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
