// Package apperr defines the error kinds surfaced by the interpretation engine
// and their mapping onto HTTP responses.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Kind categorizes an error for callers and transport layers.
type Kind string

const (
	KindStageFailure      Kind = "stage_failure"
	KindConflict          Kind = "conflict"
	KindInvalidTransition Kind = "invalid_state_transition"
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
)

// Sentinels usable with errors.Is.
var (
	ErrStageFailure      = &Error{Kind: KindStageFailure}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

// Error is a classified engine error.
type Error struct {
	Kind    Kind
	Op      string
	Stage   string
	Msg     string
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Stage != "" {
		parts = append(parts, "stage "+e.Stage)
	}
	if e.Msg != "" {
		parts = append(parts, e.Msg)
	} else {
		parts = append(parts, string(e.Kind))
	}
	msg := strings.Join(parts, ": ")
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Stage == "" || t.Stage == e.Stage)
}

// StageFailure reports that a pipeline stage could not produce output.
func StageFailure(stage, msg string, err error) *Error {
	return &Error{
		Kind:    KindStageFailure,
		Stage:   stage,
		Msg:     msg,
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

func Conflict(op, msg string) *Error {
	return &Error{Kind: KindConflict, Op: op, Msg: msg}
}

func InvalidTransition(op, msg string) *Error {
	return &Error{Kind: KindInvalidTransition, Op: op, Msg: msg}
}

func Validation(op, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

func NotFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf("%s %s not found", what, id)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTimeout reports whether err is a stage failure caused by a deadline.
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Timeout
}

// HTTPStatus maps an error onto the status code a handler should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindInvalidTransition, KindConflict:
		return http.StatusConflict
	case KindStageFailure:
		if IsTimeout(err) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HTTPError converts err into an echo HTTP error. Unclassified errors are
// reported as a generic internal error so that driver details do not leak.
func HTTPError(err error) *echo.HTTPError {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(status, err.Error())
}
