package errors

import (
	"fmt"
)

// ErrFileChanged is returned when a file's contents change while it's being
// read for a transfer.
var ErrFileChanged = New("file contents changed during sync")

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// BrokenConnection represents a connection that can no longer be used,
// either because the peer closed it or because of a socket error. Callers
// must reconnect.
type BrokenConnection struct {
	Cause error
}

func (err BrokenConnection) Error() string {
	if err.Cause == nil {
		return "connection broken unexpectedly"
	}
	return fmt.Sprintf("connection broken unexpectedly: %s", err.Cause)
}

func (err BrokenConnection) Unwrap() error {
	return err.Cause
}

// Timeout represents a blocking operation that didn't complete before the
// socket's timeout. The connection is still usable.
type Timeout struct {
	Cause error
}

func (err Timeout) Error() string {
	if err.Cause == nil {
		return "timed out"
	}
	return fmt.Sprintf("timed out: %s", err.Cause)
}

func (err Timeout) Unwrap() error {
	return err.Cause
}

// UnexpectedValue represents a protocol violation: the peer sent a value
// outside of what's valid for the current operation.
type UnexpectedValue struct {
	// Expected describes the set of values that would have been valid.
	Expected string

	// Got is the value that was actually received.
	Got string
}

func (err UnexpectedValue) Error() string {
	return fmt.Sprintf("expected %s, but got %s", err.Expected, err.Got)
}

// UnrecognizedSpecialFile represents a filesystem entry that is neither a
// regular file nor a directory, such as a socket or device.
type UnrecognizedSpecialFile struct {
	Path string
}

func (err UnrecognizedSpecialFile) Error() string {
	return fmt.Sprintf("unrecognized special file %q", err.Path)
}

// IsTimeout returns whether any error in the chain is a Timeout.
func IsTimeout(err error) bool {
	var timeout Timeout
	return As(err, &timeout)
}

// IsBrokenConnection returns whether any error in the chain is a
// BrokenConnection.
func IsBrokenConnection(err error) bool {
	var broken BrokenConnection
	return As(err, &broken)
}
