package nbd

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured NBD server error carrying the operation that
// failed, its taxonomy category (spec.md §7), an optional syscall errno,
// and a wrapped inner error.
type Error struct {
	Op    string    // operation that failed (e.g. "negotiate", "scr.submit")
	Code  ErrorCode // high-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op == "" {
		return fmt.Sprintf("nbd: %s", msg)
	}
	if e.Errno != 0 {
		return fmt.Sprintf("nbd: %s: %s (errno=%d)", e.Op, msg, e.Errno)
	}
	return fmt.Sprintf("nbd: %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode is the spec.md §7 error taxonomy: protocol, I/O, transport,
// resource/syscall, and client-disconnect-intent.
type ErrorCode string

const (
	// ErrCodeProtocol covers unsupported command flags and illegal request
	// types: recorded as EINVAL on the NRT entry, carried to the client as
	// an error reply (spec.md §7 item 1). A bad request magic is not
	// replied to; the Receiver treats it as a hard disconnect.
	ErrCodeProtocol ErrorCode = "protocol error"

	// ErrCodeIO covers CQ completions with res < 0: recorded on the IOT
	// entry, carried to the client as an ERROR_OFFSET chunk (spec.md §7
	// item 2).
	ErrCodeIO ErrorCode = "I/O error"

	// ErrCodeTransport covers any socket read/write failure: fatal
	// (spec.md §7 item 3).
	ErrCodeTransport ErrorCode = "transport error"

	// ErrCodeResource covers semaphore/mmap/ring syscall failures: fatal
	// (spec.md §7 item 4).
	ErrCodeResource ErrorCode = "resource error"

	// ErrCodeDisconnect marks the client's NBD_CMD_DISC intent: a soft
	// shutdown, not a failure (spec.md §7 item 5).
	ErrCodeDisconnect ErrorCode = "client disconnect"
)

// NewError constructs a structured Error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapError wraps inner with op context, translating a bare syscall.Errno
// into the matching ErrorCode via mapErrnoToCode.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: e.Code, Errno: e.Errno, Msg: e.Msg, Inner: e.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: ErrCodeTransport, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCode maps a syscall failure (mmap, io_uring_enter, socket I/O)
// to the resource/transport taxonomy (spec.md §7 items 3-4).
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EPIPE, syscall.ECONNRESET, syscall.ETIMEDOUT:
		return ErrCodeTransport
	case syscall.ENOMEM, syscall.ENOSPC, syscall.EAGAIN:
		return ErrCodeResource
	default:
		return ErrCodeResource
	}
}

// IsCode reports whether err (or an error it wraps) carries code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
