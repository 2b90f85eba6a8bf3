package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry policy and HTTP mapping
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuth           Kind = "auth"
	KindForbidden      Kind = "forbidden"
	KindNotFound       Kind = "not_found"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindRetryable      Kind = "retryable"
	KindTerminal       Kind = "terminal"
	KindIntegrity      Kind = "integrity"
	KindKeyUnavailable Kind = "key_unavailable"
	KindConflict       Kind = "conflict"
	KindGone           Kind = "gone"
)

// Error is a classified error. The executor and HTTP layers branch on Kind;
// the wrapped cause is preserved for errors.Is/As.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err, or KindTerminal for unclassified errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTerminal
}

// IsRetryable reports whether err should be retried with backoff
func IsRetryable(err error) bool {
	return KindOf(err) == KindRetryable
}

// HTTPStatus maps an error kind to an HTTP status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return 400
	case KindAuth:
		return 401
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindGone:
		return 410
	case KindQuotaExceeded:
		return 429
	case KindRetryable:
		return 503
	default:
		return 500
	}
}
