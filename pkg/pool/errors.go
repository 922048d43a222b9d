package pool

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a pool failure. Every error returned by the
// pool carries exactly one Kind.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindUnsupportedBrowser Kind = "unsupported_browser"
	KindPoolExhausted      Kind = "pool_exhausted"
	KindAlreadyReserved    Kind = "already_reserved"
	KindNotReserved        Kind = "not_reserved"
	KindResourceBusy       Kind = "resource_busy"
	KindDriverFailure      Kind = "driver_failure"
	KindInvalidRequest     Kind = "invalid_request"
	KindCanceled           Kind = "canceled"
	KindClosed             Kind = "pool_closed"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrUnsupportedBrowser = &Error{Kind: KindUnsupportedBrowser}
	ErrPoolExhausted      = &Error{Kind: KindPoolExhausted}
	ErrAlreadyReserved    = &Error{Kind: KindAlreadyReserved}
	ErrNotReserved        = &Error{Kind: KindNotReserved}
	ErrResourceBusy       = &Error{Kind: KindResourceBusy}
	ErrDriverFailure      = &Error{Kind: KindDriverFailure}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
	ErrCanceled           = &Error{Kind: KindCanceled}
	ErrClosed             = &Error{Kind: KindClosed}
)

// Error is the typed error returned by Registry, Reservations and Pool.
type Error struct {
	Kind Kind

	// ID is the session the failure concerns, if any
	ID string

	Message string

	// Err is the underlying cause, typically from the browser driver
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of err, or "" when err is not a pool error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func notFound(id string) *Error {
	return &Error{Kind: KindNotFound, ID: id, Message: fmt.Sprintf("session %s not found", id)}
}

func alreadyReserved(id string) *Error {
	return &Error{Kind: KindAlreadyReserved, ID: id, Message: fmt.Sprintf("session %s is already reserved", id)}
}

func notReserved(id string) *Error {
	return &Error{Kind: KindNotReserved, ID: id, Message: fmt.Sprintf("session %s is not reserved", id)}
}

func resourceBusy(id string) *Error {
	return &Error{Kind: KindResourceBusy, ID: id, Message: fmt.Sprintf("session %s is reserved; delete with force to release it", id)}
}

func unsupportedBrowser(name string, cause error) *Error {
	return &Error{Kind: KindUnsupportedBrowser, Message: fmt.Sprintf("unsupported browser %q", name), Err: cause}
}

func driverFailure(id, op string, cause error) *Error {
	return &Error{Kind: KindDriverFailure, ID: id, Message: fmt.Sprintf("browser %s failed", op), Err: cause}
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}
