package session

import (
	"errors"
	"fmt"
)

// ErrorKind is the taxonomic classification of supervisor errors. Callers
// branch on the kind, never on the message text.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindAccessDenied      ErrorKind = "access_denied"
	KindCwdDenied         ErrorKind = "cwd_denied"
	KindAdmissionDenied   ErrorKind = "admission_denied"
	KindUnknownProvider   ErrorKind = "unknown_provider"
	KindNotReady          ErrorKind = "not_ready"
	KindQueueEnded        ErrorKind = "queue_ended"
	KindBusy              ErrorKind = "busy"
	KindInvalidState      ErrorKind = "invalid_state"
	KindTimeout           ErrorKind = "timeout"
	KindTransport         ErrorKind = "transport_error"
	KindRPC               ErrorKind = "rpc_error"
	KindProcessExit       ErrorKind = "process_exit"
	KindPermissionTimeout ErrorKind = "permission_timeout"
	KindIO                ErrorKind = "io_error"
)

// Error pairs a kind with a human-readable summary and an optional cause.
type Error struct {
	Kind ErrorKind
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

// Errf builds an *Error with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around a cause.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or empty when err carries no kind.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
