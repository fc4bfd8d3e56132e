package ext2kit

import (
	"fmt"
	"syscall"
)

// Error is the error type the engine and the image-access layer return. It pairs a
// POSIX errno code with a human-readable message so that command-line tools
// can use the errno as their exit status.
type Error struct {
	errno   syscall.Errno
	message string
	wrapped error
}

// Sentinel errors for every failure mode the engine can hit. Compare with
// [errors.Is]; derive specific instances with WithMessage() or Wrap().
var (
	ErrNotFound            = NewError(syscall.ENOENT, "no such file or directory")
	ErrExists              = NewError(syscall.EEXIST, "file exists")
	ErrIsADirectory        = NewError(syscall.EISDIR, "is a directory")
	ErrNotADirectory       = NewError(syscall.ENOTDIR, "not a directory")
	ErrNameTooLong         = NewError(syscall.ENAMETOOLONG, "file name too long")
	ErrNoSpaceOnDevice     = NewError(syscall.ENOSPC, "no space left on device")
	ErrInvalidArgument     = NewError(syscall.EINVAL, "invalid argument")
	ErrArgumentOutOfRange  = NewError(syscall.EDOM, "numerical argument out of domain")
	ErrIOFailed            = NewError(syscall.EIO, "input/output error")
	ErrNotPermitted        = NewError(syscall.EPERM, "operation not permitted")
	ErrFileTooLarge        = NewError(syscall.EFBIG, "file too large")
	ErrFileSystemCorrupted = NewError(syscall.EUCLEAN, "structure needs cleaning")
)

// NewError creates an Error from an errno code and a default message.
func NewError(errno syscall.Errno, message string) *Error {
	return &Error{errno: errno, message: message}
}

// Error implements the `error` interface.
func (e *Error) Error() string {
	return e.message
}

// Errno returns the POSIX error code behind this error. Commands use it as
// their process exit code.
func (e *Error) Errno() syscall.Errno {
	return e.errno
}

// WithMessage returns a copy of this error whose message has `message`
// appended to it. The original error is kept for [errors.Is] chains.
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		errno:   e.errno,
		message: fmt.Sprintf("%s: %s", e.message, message),
		wrapped: e,
	}
}

// Wrap returns a copy of this error that records `err` as its cause.
func (e *Error) Wrap(err error) *Error {
	return &Error{
		errno:   e.errno,
		message: fmt.Sprintf("%s: %s", e.message, err.Error()),
		wrapped: err,
	}
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// Is reports whether `target` shares this error's errno. This lets callers
// match a message-decorated error against the bare sentinel.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.errno == e.errno
}
