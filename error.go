package dbuswire

import (
	"errors"
	"fmt"
	"reflect"
)

// TypeError is the error returned when a value cannot be represented
// in the DBus wire format, or does not match the shape its signature
// demands.
type TypeError struct {
	// Type is the name of the Go type that caused the error.
	Type string
	// Reason is an explanation of why the value isn't representable.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := ""
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

// CallError is the structured failure resolving a method call that
// the remote peer answered with an error message.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Body is the error message's body. By convention the first
	// value, if present, is a human-readable detail string.
	Body []any
}

func (e CallError) Error() string {
	if d := e.Detail(); d != "" {
		return fmt.Sprintf("call error %s: %s", e.Name, d)
	}
	return fmt.Sprintf("call error %s", e.Name)
}

// Detail returns the error's detail string, if its body carries one.
func (e CallError) Detail() string {
	if len(e.Body) == 0 {
		return ""
	}
	s, _ := e.Body[0].(string)
	return s
}

// AuthError is a fatal authentication handshake failure. The
// connection must be discarded; the engine never retries.
type AuthError struct {
	// Reason describes what went wrong.
	Reason string
	// Line is the offending server response, if the failure was
	// caused by one.
	Line string
}

func (e AuthError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("authentication failed: %s", e.Reason)
	}
	return fmt.Sprintf("authentication failed: %s (server said %q)", e.Reason, e.Line)
}

// FrameError is a malformed-message error. Once a stream has
// produced one, the stream is no longer trustworthy and the
// connection must be torn down.
type FrameError struct {
	Reason error
}

func (e FrameError) Error() string {
	return fmt.Sprintf("invalid message frame: %v", e.Reason)
}

func (e FrameError) Unwrap() error { return e.Reason }

func frameErr(reason string, args ...any) error {
	return FrameError{fmt.Errorf(reason, args...)}
}

var (
	// ErrRouterClosed resolves every call still pending when the
	// router shuts down, and rejects reply-expecting sends afterward.
	ErrRouterClosed = errors.New("dbus: router closed")

	// ErrFDClosed is returned when using a FileDescriptor after it
	// has been closed.
	ErrFDClosed = errors.New("dbus: file descriptor already closed")

	// ErrFDConverted is returned when using a FileDescriptor after
	// its ownership was handed off by a conversion.
	ErrFDConverted = errors.New("dbus: file descriptor not available, ownership was transferred")

	// ErrFilterClosed is returned by Filter.Next after the filter is
	// closed.
	ErrFilterClosed = errors.New("dbus: filter closed")
)
