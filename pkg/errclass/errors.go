package errclass

import (
	"errors"
	"fmt"
)

// Error is a stable, machine-readable error class.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches the class to err. errors.Is matches both the class and
// anything err matches.
func (e *Error) Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: e, err: err}
}

type classified struct {
	class *Error
	err   error
}

func (c *classified) Error() string   { return c.class.Code + ": " + c.err.Error() }
func (c *classified) Unwrap() []error { return []error{c.class, c.err} }

// Code extracts the class code of err, or "" when err carries none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Stable error classes.
var (
	// key store
	ErrNoSpace       = &Error{Code: "E_NO_SPACE"}
	ErrNotFound      = &Error{Code: "E_NOT_FOUND"}
	ErrCorruptLabel  = &Error{Code: "E_CORRUPT_LABEL"}
	ErrRecordInvalid = &Error{Code: "E_RECORD_INVALID"}

	// flash
	ErrOutOfBounds = &Error{Code: "E_OUT_OF_BOUNDS"}
	ErrFlashIO     = &Error{Code: "E_FLASH_IO"}

	// feed
	ErrFeedUnavailable = &Error{Code: "E_FEED_UNAVAILABLE"}
	ErrFeedChecksum    = &Error{Code: "E_FEED_CHECKSUM"}

	ErrLogFull        = &Error{Code: "E_LOG_FULL"}
	ErrConfigInvalid  = &Error{Code: "E_CONFIG_INVALID"}
	ErrFamilyMismatch = &Error{Code: "E_FAMILY_MISMATCH"}
	ErrCRCMismatch    = &Error{Code: "E_CRC_MISMATCH"}
	ErrInstanceLocked = &Error{Code: "E_INSTANCE_LOCKED"}
	ErrLockNotHeld    = &Error{Code: "E_LOCK_NOT_HELD"}
	ErrNameInvalid    = &Error{Code: "E_NAME_INVALID"}

	// data directory
	ErrNotInitialized    = &Error{Code: "E_NOT_INITIALIZED"}
	ErrFormatUnsupported = &Error{Code: "E_FORMAT_UNSUPPORTED"}
)
