package apierror

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide whether to retry, refetch or give up.
type Kind string

const (
	// KindValidation is returned for bad input, before any state mutation.
	KindValidation Kind = "VALIDATION"

	// KindAuthorization is returned when the acting user may not perform the operation.
	KindAuthorization Kind = "AUTHORIZATION"

	// KindStateConflict is returned when an operation is invalid for the current status.
	// Callers may retry after refetching.
	KindStateConflict Kind = "STATE_CONFLICT"

	// KindUpstreamUnavailable is returned when the build server or the mail transport cannot be reached.
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"

	// KindRepository is returned when the storage collaborator fails.
	KindRepository Kind = "REPOSITORY"

	// KindNotFound is returned when the addressed entity does not exist.
	KindNotFound Kind = "NOT_FOUND"
)

// Error is the typed error returned by every mutating operation.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Transient bool
	Err       error
}

// Sentinels for the approval gate and lookups. Compare with errors.Is.
var (
	ErrUnauthorized   = &Error{Kind: KindAuthorization, Code: "UNAUTHORIZED", Message: "approver does not match the approval record"}
	ErrAlreadyDecided = &Error{Kind: KindStateConflict, Code: "ALREADY_DECIDED", Message: "approval has already been decided"}
	ErrOutOfOrder     = &Error{Kind: KindStateConflict, Code: "OUT_OF_ORDER", Message: "a lower approval level is still pending"}
	ErrNotFound       = &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: "not found"}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}

	if e.Err != nil {
		return fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Code when the target carries one.
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

// With returns a copy of a sentinel carrying a more specific message.
func (e *Error) With(format string, args ...interface{}) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)

	return &c
}

// Validation returns a KindValidation error.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: "INVALID_INPUT", Message: fmt.Sprintf(format, args...)}
}

// StateConflict returns a KindStateConflict error.
func StateConflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindStateConflict, Code: "CONFLICT", Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a KindNotFound error for the given resource.
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: fmt.Sprintf("%s '%s' not found", resource, id)}
}

// Upstream wraps a transport failure of an external collaborator.
func Upstream(err error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      KindUpstreamUnavailable,
		Code:      "SERVICE_UNAVAILABLE",
		Message:   fmt.Sprintf(format, args...),
		Transient: true,
		Err:       err,
	}
}

// Repository wraps a storage failure.
func Repository(err error, transient bool) *Error {
	code := "DATABASE_ERROR"
	if transient {
		code = "DATABASE_UNAVAILABLE"
	}

	return &Error{
		Kind:      KindRepository,
		Code:      code,
		Message:   "repository error",
		Transient: transient,
		Err:       err,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or an empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return ""
}

// IsTransient reports whether the caller may retry the whole operation.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}

	return false
}
