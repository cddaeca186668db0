// Package errs defines the failure taxonomy shared by the video pipeline.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a pipeline failure.
type Kind string

const (
	KindInternal           Kind = "INTERNAL"
	KindBadRequest         Kind = "BAD_REQUEST"
	KindNotFound           Kind = "NOT_FOUND"
	KindCredentialsMissing Kind = "CREDENTIALS_MISSING"
	KindSourceUnreachable  Kind = "SOURCE_UNREACHABLE"
	KindEngineUnavailable  Kind = "ENGINE_UNAVAILABLE"
	KindEngineCrashed      Kind = "ENGINE_CRASHED"
	KindFallbackFailed     Kind = "FALLBACK_FAILED"
)

// Error carries a Kind plus the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error

	// ExitCode and Diagnostics are set for subprocess failures.
	ExitCode    int
	Diagnostics string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so sentinel values below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrBadRequest         = &Error{Kind: KindBadRequest}
	ErrCredentialsMissing = &Error{Kind: KindCredentialsMissing}
	ErrSourceUnreachable  = &Error{Kind: KindSourceUnreachable}
)

// E builds an *Error.
func E(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// NotFound is shorthand for a KindNotFound error.
func NotFound(op, message string) *Error {
	return E(KindNotFound, op, message, nil)
}

// BadRequest is shorthand for a KindBadRequest error.
func BadRequest(op, message string) *Error {
	return E(KindBadRequest, op, message, nil)
}

// KindOf returns the Kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Diagnostics returns subprocess diagnostics attached anywhere in the chain.
func Diagnostics(err error) string {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return ""
		}
		if e.Diagnostics != "" {
			return e.Diagnostics
		}
		err = e.Err
	}
	return ""
}

// HTTPStatus maps a Kind to the response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindSourceUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
