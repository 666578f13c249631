// Package apperr defines the error kinds surfaced by the conversation service
// and their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindForbidden          Kind = "forbidden"
	KindConflict           Kind = "conflict"
	KindBadRequestUpstream Kind = "bad_request_upstream"
	KindInternal           Kind = "internal"
)

// Error is a classified error. Msg is safe to show to the caller; Err is the
// underlying cause and is only logged.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(msg string) *Error  { return &Error{Kind: KindNotFound, Msg: msg} }
func Forbidden(msg string) *Error { return &Error{Kind: KindForbidden, Msg: msg} }
func Conflict(msg string) *Error  { return &Error{Kind: KindConflict, Msg: msg} }

// BadRequestUpstream reports that a completion backend rejected the request
// before any streaming started.
func BadRequestUpstream(status int, body string) *Error {
	return &Error{Kind: KindBadRequestUpstream, Msg: fmt.Sprintf("API error: %d %s", status, body)}
}

// Internal wraps err as an internal failure.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the caller-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindInternal:
			return "Internal Server error"
		case KindForbidden:
			return "Forbidden"
		}
		return e.Msg
	}
	return "Internal Server error"
}

// HTTPStatus maps a kind to the status code returned by the HTTP layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindBadRequestUpstream:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
