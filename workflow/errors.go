package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies a workflow error so outer layers can map it to a
// transport status without inspecting messages.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindRemoteCall   Kind = "remote_call"
	KindCompensation Kind = "compensation"
)

// Error is a kinded workflow error. Steps raise it; the engine propagates
// the first forward failure unchanged after unwinding.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a kinded error with a formatted message.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause with a kind and message.
func WrapError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf reports the kind of err, or "" when err carries no kind.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}

// IsKind reports whether err is a workflow error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
