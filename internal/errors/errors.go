// Package errors provides structured error handling for the game core.
//
// Domain services attach a machine-readable Code to every refusal so the
// gateway can map failures onto stable wire error frames without string
// matching.
package errors

import (
	"errors"
	"fmt"
)

// Error is a domain error carrying a machine-readable code and optional
// metadata surfaced to clients.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	cause    error
}

// New creates a domain error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a domain code. A nil cause
// returns nil.
func Wrap(code Code, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: cause}
}

// WithMetadata returns a copy of the error carrying the given metadata.
func (e *Error) WithMetadata(metadata map[string]string) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Metadata = metadata
	return &clone
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// GetCode extracts the error code from any error.
// Returns CodeInternal if the error is not a domain error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode checks if the error has the specified code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// GetMetadata extracts metadata from an error if present.
// Returns nil if the error is not a domain error or has no metadata.
func GetMetadata(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Metadata
	}
	return nil
}
