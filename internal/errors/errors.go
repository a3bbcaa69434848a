// Package errors defines the error taxonomy shared by every component.
// Components return these errors; only the request layer translates them into
// status codes.
package errors

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies an error for propagation and status mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindForbidden
	KindPoolConstruction
	KindConflict
	KindNotImplemented
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not-found"
	case KindForbidden:
		return "forbidden"
	case KindPoolConstruction:
		return "pool-construction"
	case KindConflict:
		return "conflict"
	case KindNotImplemented:
		return "not-implemented"
	default:
		return "internal"
	}
}

// Error is a classified error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Cause.Error()
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Validation(format string, args ...any) error {
	return newError(KindValidation, nil, format, args...)
}

func NotFound(format string, args ...any) error {
	return newError(KindNotFound, nil, format, args...)
}

func Forbidden(format string, args ...any) error {
	return newError(KindForbidden, nil, format, args...)
}

func Conflict(format string, args ...any) error {
	return newError(KindConflict, nil, format, args...)
}

func NotImplemented(format string, args ...any) error {
	return newError(KindNotImplemented, nil, format, args...)
}

// PoolConstruction reports that the named setup step of a pooled resource failed.
func PoolConstruction(cause error, step string) error {
	return newError(KindPoolConstruction, errors.WithStack(cause), "failed to %s", step)
}

func Internal(cause error, format string, args ...any) error {
	return newError(KindInternal, errors.WithStack(cause), format, args...)
}

// KindOf returns the kind of the outermost classified error in the chain,
// or KindInternal when none is classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsNotFound(err error) bool         { return Is(err, KindNotFound) }
func IsValidation(err error) bool       { return Is(err, KindValidation) }
func IsForbidden(err error) bool        { return Is(err, KindForbidden) }
func IsPoolConstruction(err error) bool { return Is(err, KindPoolConstruction) }
func IsConflict(err error) bool         { return Is(err, KindConflict) }

// HTTPStatus maps an error kind to the response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
