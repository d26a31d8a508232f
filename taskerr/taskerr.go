// Package taskerr defines the error taxonomy shared by the synthesis
// pipeline. Every failure that reaches a task's terminal transition is
// classified into one of five kinds; the kind decides retry behavior and
// the user-visible response code.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind classifies a task failure.
type Kind string

// Error kinds.
const (
	// KindInput covers invalid submissions: empty text, unknown speaker,
	// oversized text.
	KindInput Kind = "input_error"

	// KindTransientProvider covers timeouts, truncated streams, and
	// provider codes marked retryable. Segment workers retry these.
	KindTransientProvider Kind = "transient_provider_error"

	// KindFatalProvider covers authentication, quota, and other
	// non-retryable provider codes.
	KindFatalProvider Kind = "fatal_provider_error"

	// KindStorage covers blob-put and persistence write failures.
	KindStorage Kind = "storage_error"

	// KindInternal covers everything unexpected.
	KindInternal Kind = "internal_error"
)

// Common sentinel errors. Packages wrap these with context; callers test
// with errors.Is.
var (
	// ErrEmptyInput is returned when a text parses to zero dialogue turns.
	ErrEmptyInput = errors.New("no dialogue turns in input")

	// ErrInvalidSpeaker is returned when a speaker has no voice mapping.
	ErrInvalidSpeaker = errors.New("speaker has no voice mapping")

	// ErrTextTooLong is returned when a submission exceeds the text size cap.
	ErrTextTooLong = errors.New("text exceeds maximum length")

	// ErrTimeout is returned when a provider session exceeds a timeout budget.
	ErrTimeout = errors.New("provider session timed out")

	// ErrTruncated is returned when the provider transport closes before the
	// final status frame.
	ErrTruncated = errors.New("provider stream truncated before final status")

	// ErrBusy is returned when no global task slot became available in time.
	ErrBusy = errors.New("no task slot available")

	// ErrNotFound is returned when a task, text, or audio row does not exist.
	ErrNotFound = errors.New("not found")
)

// Error carries a classified failure through the pipeline.
type Error struct {
	// Kind is the taxonomy bucket.
	Kind Kind

	// Code is a provider- or subsystem-specific code, when one exists.
	Code int

	// Message describes the failure.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithCode attaches a provider code and returns the error.
func (e *Error) WithCode(code int) *Error {
	e.Code = code
	return e
}

// KindOf extracts the taxonomy kind from any error. Sentinel errors map to
// their natural kind; unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, ErrEmptyInput), errors.Is(err, ErrInvalidSpeaker), errors.Is(err, ErrTextTooLong):
		return KindInput
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrTruncated), errors.Is(err, ErrBusy):
		return KindTransientProvider
	default:
		return KindInternal
	}
}

// Retryable reports whether a segment worker should retry after err.
func Retryable(err error) bool {
	return KindOf(err) == KindTransientProvider
}
