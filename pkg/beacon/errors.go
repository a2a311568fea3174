package beacon

import (
	"errors"
	"fmt"
)

// ErrorKind tells a caller whether the beacon was unreachable, rejected the
// shared key, never answered in time, answered with a domain error, or the
// channel was torn down under the call.
type ErrorKind uint8

const (
	NetworkError ErrorKind = iota
	AuthError
	TimeoutError
	ApplicationError
	ClosedError
)

func (k ErrorKind) String() string {
	switch k {
	case NetworkError:
		return "network"
	case AuthError:
		return "auth"
	case TimeoutError:
		return "timeout"
	case ApplicationError:
		return "application"
	case ClosedError:
		return "closed"
	}
	return "unknown"
}

type Error struct {
	Kind  ErrorKind
	Event Event
	// Code and Message carry the beacon's own error payload for
	// application-level failures, passed through verbatim.
	Code    string
	Message string
	cause   error
}

func NewError(kind ErrorKind, event Event, cause error) *Error {
	return &Error{Kind: kind, Event: event, cause: cause}
}

func NewApplicationError(event Event, code, message string) *Error {
	return &Error{Kind: ApplicationError, Event: event, Code: code, Message: message}
}

func (e *Error) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("beacon call %s failed (%s): %s: %s", e.Event, e.Kind, e.Code, e.Message)
	case e.cause != nil:
		return fmt.Sprintf("beacon call %s failed (%s): %v", e.Event, e.Kind, e.cause)
	}
	return fmt.Sprintf("beacon call %s failed (%s)", e.Event, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the classification from any error returned by the
// gateway, false for foreign errors.
func KindOf(err error) (ErrorKind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return 0, false
}

func IsKind(err error, kind ErrorKind) bool {
	got, ok := KindOf(err)
	return ok && got == kind
}

// Retryable reports whether a higher layer may reasonably retry the call:
// the beacon was unreachable or silent, but never told us our request was
// wrong.
func Retryable(err error) bool {
	return IsKind(err, NetworkError) || IsKind(err, TimeoutError)
}
