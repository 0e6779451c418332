// Package apierr defines the closed error taxonomy shared by every
// component. Each kind carries the HTTP status ControlAPI should answer
// with, so translation from an internal error to a wire response never
// needs a switch scattered across handlers.
package apierr

import "fmt"

// Kind is one of the error kinds named in the design's error handling section.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindUnauthorized     Kind = "unauthorized"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindIntegrity        Kind = "integrity"
	KindTransientUpstream Kind = "transient_upstream"
	KindResourceLimit    Kind = "resource_limit"
	KindTimeout          Kind = "timeout"
	KindFatalInit        Kind = "fatal_init"
)

// HTTPStatus maps a Kind to the status code ControlAPI answers with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return 400
	case KindUnauthorized:
		return 401
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindIntegrity, KindFatalInit:
		return 500
	case KindTransientUpstream:
		return 503
	case KindResourceLimit:
		return 200 // clamped, not rejected; logged not surfaced as an error
	case KindTimeout:
		return 504
	default:
		return 500
	}
}

// Error is a typed error with a single-sentence operator-safe message.
// Message must never embed ciphertext, plaintext secrets, or a stack trace.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func Validationf(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

// IntegrityError is returned by SecretBox decryption on any authentication
// tag mismatch. Callers MUST treat it as fatal for that value and never
// expose the ciphertext to the operator.
var IntegrityError = New(KindIntegrity, "stored value failed integrity check")

// Is reports whether err is an *Error of the given kind (direct match only;
// callers should use errors.As for wrapped chains).
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
