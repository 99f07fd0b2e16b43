package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

type ErrorKind string

const (
	KindValidation            ErrorKind = "VALIDATION"
	KindPreconditionFailed    ErrorKind = "PRECONDITION_FAILED"
	KindConflict              ErrorKind = "CONFLICT"
	KindDependencyUnavailable ErrorKind = "DEPENDENCY_UNAVAILABLE"
	KindJobFailed             ErrorKind = "JOB_FAILED"
	KindNotFound              ErrorKind = "NOT_FOUND"
)

// Error is the engine's typed failure. Code is a stable machine-readable reason
// (e.g. "billing_gate_blocked"); Details carries what the caller needs to recover.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, and on code too when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is.
var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrPreconditionFailed    = &Error{Kind: KindPreconditionFailed}
	ErrConflict              = &Error{Kind: KindConflict}
	ErrDependencyUnavailable = &Error{Kind: KindDependencyUnavailable}
	ErrJobFailed             = &Error{Kind: KindJobFailed}
	ErrNotFound              = &Error{Kind: KindNotFound}
)

func NewValidationError(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func NewPreconditionFailed(code, message string, details map[string]any) *Error {
	return &Error{Kind: KindPreconditionFailed, Code: code, Message: message, Details: details}
}

func NewConflictError(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// NewDependencyUnavailable wraps a collaborator failure (billing, renderer, storage, extractor).
func NewDependencyUnavailable(service string, err error) *Error {
	return &Error{
		Kind:    KindDependencyUnavailable,
		Code:    service + "_unavailable",
		Message: service + " is unavailable",
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

func NewJobFailed(code, reason string) *Error {
	return &Error{Kind: KindJobFailed, Code: code, Message: reason}
}

func NewNotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Code: resource + "_not_found", Message: resource + " not found", Err: ErrorRecordNotFound}
}

// KindOf returns the taxonomy kind of err, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
