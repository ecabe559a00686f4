// Package apperr provides coded domain errors shared by the engine components.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown              Code = "UNKNOWN"
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodeConfiguration        Code = "CONFIGURATION_ERROR"
	CodeEndpointDisabled     Code = "ENDPOINT_DISABLED"
	CodeEndpointArchived     Code = "ENDPOINT_ARCHIVED"
	CodeDispatchTimeout      Code = "DISPATCH_TIMEOUT"
	CodeDispatchHTTP         Code = "DISPATCH_HTTP_ERROR"
	CodeTemplateMissingField Code = "TEMPLATE_MISSING_FIELD"
	CodeChannelRestricted    Code = "CHANNEL_RESTRICTED"
	CodeNotFound             Code = "NOT_FOUND"
	CodeConflict             Code = "CONFLICT"
	CodeNoCampaign           Code = "NO_CAMPAIGN"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithMetadata attaches key/value context to the error and returns it.
func (e *Error) WithMetadata(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidInput         = New(CodeInvalidInput, "invalid input")
	ErrConfiguration        = New(CodeConfiguration, "configuration error")
	ErrEndpointDisabled     = New(CodeEndpointDisabled, "endpoint disabled")
	ErrEndpointArchived     = New(CodeEndpointArchived, "endpoint archived")
	ErrDispatchTimeout      = New(CodeDispatchTimeout, "dispatch timeout")
	ErrDispatchHTTP         = New(CodeDispatchHTTP, "dispatch http error")
	ErrTemplateMissingField = New(CodeTemplateMissingField, "template missing field")
	ErrChannelRestricted    = New(CodeChannelRestricted, "channel restricted")
	ErrNotFound             = New(CodeNotFound, "not found")
	ErrConflict             = New(CodeConflict, "conflict")
	ErrNoCampaign           = New(CodeNoCampaign, "no campaign")
)

// CodeOf extracts the code of the first domain error in the chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Retryable reports whether an error class may succeed on a later attempt.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeDispatchTimeout, CodeDispatchHTTP:
		return true
	default:
		return false
	}
}
