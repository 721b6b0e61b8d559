// Package vxdna is the renderer's top-level package: the Device, Context,
// Registry, CCMD dispatcher, and the structured error type that boundary
// converts to the exported C-ABI's plain negative-errno ints.
package vxdna

import (
	"fmt"

	stderrors "github.com/pkg/errors"
)

// Error is the Go analogue of the original vaccel_error: an operation
// outcome carrying a negative-errno code plus a human-readable message,
// used internally everywhere a component might fail, and unwrapped to a
// plain int only at the exported API boundary (see Errno below for that
// conversion).
type Error struct {
	Errno int // always <= 0; 0 means success and is never constructed as an *Error
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v (errno %d)", e.msg, e.cause, e.Errno)
	}
	return fmt.Sprintf("%s (errno %d)", e.msg, e.Errno)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds an *Error with a negative errno and a message.
func NewError(errno int, format string, args ...any) *Error {
	if errno > 0 {
		errno = -errno
	}
	return &Error{Errno: errno, msg: fmt.Sprintf(format, args...)}
}

// WrapError wraps cause, tagging it with errno, and attaches file/line
// style context via github.com/pkg/errors the same way vhostuser.Receive
// wraps transport errors before returning them.
func WrapError(cause error, errno int, format string, args ...any) *Error {
	if errno > 0 {
		errno = -errno
	}
	return &Error{Errno: errno, msg: fmt.Sprintf(format, args...), cause: stderrors.WithStack(cause)}
}

// Errno unwraps err (walking any wrapping) into a plain negative-errno int
// for the exported C-ABI boundary. Non-*Error errors become -EIO, since
// the boundary contract promises callers always get a negative errno.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	var verr *Error
	if stderrors.As(err, &verr) {
		return verr.Errno
	}
	return -EIO
}

// Common errno constants used throughout the dispatcher and components,
// named the way the original's vaccel_error.h names them. They hold the
// positive errno values; NewError and WrapError negate them.
const (
	EINVAL  = 22
	ENOMEM  = 12
	ENOENT  = 2
	EIO     = 5
	EBUSY   = 16
	ENOSYS  = 38
	EAGAIN  = 11
	ENODEV  = 19
	EEXIST  = 17
	ENOTSUP = 95
	EFAULT  = 14
)
