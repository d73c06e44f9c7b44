package errors

import (
	goErrors "errors"
	"fmt"
)

// New returns an error with the given message. It's a thin wrapper so that
// callers don't need to import both this package and the standard library
// errors package.
func New(msg string) error {
	return goErrors.New(msg)
}

// Is and As are re-exported from the standard library so that callers can
// inspect errors wrapped by WithContext.
var (
	Is = goErrors.Is
	As = goErrors.As
)

// contextError annotates an error with a description of what was being
// done when the error occurred.
type contextError struct {
	context string
	err     error
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err contextError) Unwrap() error {
	return err.err
}

// WithContext wraps `err` with `context`. The wrapped error is printed as
// "context: err". A nil error stays nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{context: context, err: err}
}

// RootCause strips all the context added by WithContext, and returns the
// original error.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(contextError)
		if !ok {
			return err
		}
		err = ctxErr.err
	}
}

// FriendlyError is an error whose message is suitable for showing directly
// to the user, without any of the context used for debugging.
type FriendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError from a format string.
func NewFriendlyError(template string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(template, args...)}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the user-facing message.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}

type friendlyMessager interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the message that should be shown to users for
// `err`. If any error in the chain has a friendly message, it's used.
// Otherwise, the full error string is returned.
func GetPrintableMessage(err error) string {
	var friendly friendlyMessager
	if goErrors.As(err, &friendly) {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}
