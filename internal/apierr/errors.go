// Package apierr defines the gateway's error taxonomy and its mapping
// onto REST status codes and session error frames.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy's error kinds, not a concrete type name.
type Kind string

const (
	KindAuth             Kind = "AUTH_ERROR"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindQuotaExceeded    Kind = "QUOTA_EXCEEDED"
	KindNotFound         Kind = "NOT_FOUND"
	KindConflict         Kind = "CONFLICT"
	KindInvalidArgument  Kind = "INVALID_ARGUMENT"
	KindDuplicateEvent   Kind = "DUPLICATE_EVENT"
	KindOutOfOrderEvent  Kind = "OUT_OF_ORDER_EVENT"
	KindTransient        Kind = "TRANSIENT"
	KindCircuitOpen      Kind = "CIRCUIT_OPEN"
	KindFatal            Kind = "FATAL"
)

// HTTPStatus maps a Kind to its REST status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuth:
		return 401
	case KindPermissionDenied:
		return 403
	case KindQuotaExceeded:
		return 429
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindInvalidArgument:
		return 400
	default:
		return 500
	}
}

// Error is a taxonomy-tagged error carrying a stable code and message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a taxonomy kind to an underlying error.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// As reports whether err is, or wraps, a taxonomy *Error and returns it.
// Delegates to errors.As rather than a direct type assertion so an error
// wrapped via fmt.Errorf("%w", ...) is still recovered.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func AuthError(code, message string) *Error            { return New(KindAuth, code, message) }
func PermissionDenied(code, message string) *Error      { return New(KindPermissionDenied, code, message) }
func QuotaExceeded(code, message string) *Error         { return New(KindQuotaExceeded, code, message) }
func NotFound(code, message string) *Error              { return New(KindNotFound, code, message) }
func Conflict(code, message string) *Error              { return New(KindConflict, code, message) }
func InvalidArgument(code, message string) *Error       { return New(KindInvalidArgument, code, message) }
func DuplicateEvent(code, message string) *Error        { return New(KindDuplicateEvent, code, message) }
func OutOfOrderEvent(code, message string) *Error       { return New(KindOutOfOrderEvent, code, message) }
func Transient(code, message string, err error) *Error  { return Wrap(KindTransient, code, message, err) }
func CircuitOpenErr(code, message string) *Error        { return New(KindCircuitOpen, code, message) }
