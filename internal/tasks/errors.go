package tasks

import (
	"errors"
	"fmt"
)

// ErrorKind classifies task service failures for control plane status
// mapping.
type ErrorKind string

const (
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindUnauthorized       ErrorKind = "unauthorized"
	KindForbiddenMutation  ErrorKind = "forbidden_mutation"
	KindNotFound           ErrorKind = "not_found"
	KindStateConflict      ErrorKind = "state_conflict"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindInternal           ErrorKind = "internal_error"
	KindHandlerNotFound    ErrorKind = "handler_not_found"
	KindLeaseExpired       ErrorKind = "lease_expired"
)

// Error is a task service failure with a machine-readable kind.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errf builds a kinded error.
func Errf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, defaulting to internal_error for
// anything unkinded.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
