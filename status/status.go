// Package status defines the stable status codes and error type shared by
// every bridge surface. Codes travel across the boundary as plain integers,
// so their numeric values are part of the public contract and must never be
// reordered.
package status

import (
	"context"
	"errors"
	"fmt"
)

// Code identifies the outcome of a generation request or schema operation.
type Code uint32

const (
	// Success reports a completed operation.
	Success Code = 0
	// ExceededContextWindow reports a prompt or transcript that no longer
	// fits the engine's context window.
	ExceededContextWindow Code = 1
	// AssetsUnavailable reports that the engine's underlying assets are not
	// present on this system.
	AssetsUnavailable Code = 2
	// GuardrailViolation reports input or output blocked by safety guardrails.
	GuardrailViolation Code = 3
	// UnsupportedGuide reports a generation guide the engine or the schema
	// layer cannot honor for the property type it was attached to.
	UnsupportedGuide Code = 4
	// UnsupportedLocale reports an unsupported language or locale.
	UnsupportedLocale Code = 5
	// DecodingFailure reports engine output that could not be decoded.
	DecodingFailure Code = 6
	// RateLimited reports request throttling.
	RateLimited Code = 7
	// ConcurrentRequests reports a second generation started on a session
	// that is still responding.
	ConcurrentRequests Code = 8
	// Refusal reports that the engine declined to generate content.
	Refusal Code = 9
	// InvalidSchema reports a generation schema the engine rejected or that
	// failed to build or decode.
	InvalidSchema Code = 10
	// InvalidArgument reports a malformed argument at a bridge entry point.
	InvalidArgument Code = 11
	// Cancelled reports a job or stream that was cancelled before it
	// produced a result. Cancellation is an outcome, not a failure.
	Cancelled Code = 12
	// Unknown reports an error the bridge could not classify. The original
	// message is preserved for diagnostics.
	Unknown Code = 255
)

var codeNames = map[Code]string{
	Success:               "success",
	ExceededContextWindow: "exceeded_context_window",
	AssetsUnavailable:     "assets_unavailable",
	GuardrailViolation:    "guardrail_violation",
	UnsupportedGuide:      "unsupported_guide",
	UnsupportedLocale:     "unsupported_locale",
	DecodingFailure:       "decoding_failure",
	RateLimited:           "rate_limited",
	ConcurrentRequests:    "concurrent_requests",
	Refusal:               "refusal",
	InvalidSchema:         "invalid_schema",
	InvalidArgument:       "invalid_argument",
	Cancelled:             "cancelled",
	Unknown:               "unknown",
}

var codeMessages = map[Code]string{
	ExceededContextWindow: "Context window size exceeded",
	AssetsUnavailable:     "Required assets are unavailable",
	GuardrailViolation:    "Guardrail violation occurred",
	UnsupportedGuide:      "Unsupported guide used",
	UnsupportedLocale:     "Unsupported language or locale",
	DecodingFailure:       "Failed to decode response",
	RateLimited:           "Request was rate limited",
	ConcurrentRequests:    "Too many concurrent requests",
	Refusal:               "Model refused to generate content",
	InvalidSchema:         "Invalid generation schema provided",
	InvalidArgument:       "Invalid argument provided",
	Cancelled:             "Request was cancelled",
	Unknown:               "Unknown error",
}

// String returns the snake_case name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", uint32(c))
}

// Message returns the canonical human-readable message for the code.
func (c Code) Message() string {
	return codeMessages[c]
}

// Failure reports whether the code represents a hard error. Success and
// Cancelled are outcomes a caller is expected to handle, not failures.
func (c Code) Failure() bool {
	return c != Success && c != Cancelled
}

// Error is the typed error carried across bridge surfaces. Message holds the
// human-readable diagnostic; Cause, when set, preserves the underlying error
// for unwrapping.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface. The cause is rendered so wrapped
// diagnostics survive into callback and log text.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("generation error [%s]: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("generation error [%s]: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// New creates a status error with the canonical message for the code.
func New(code Code) *Error {
	return &Error{Code: code, Message: code.Message()}
}

// Errorf creates a status error with a formatted diagnostic message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a status error that preserves err as the unwrappable cause.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Cause: err}
}

// CodeOf classifies an arbitrary error into a status code. Typed status
// errors keep their code, context cancellation maps to Cancelled, nil maps
// to Success and everything else is Unknown.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Unknown
}

// AsError extracts a typed status error from an error chain.
func AsError(err error) (*Error, bool) {
	var se *Error
	ok := errors.As(err, &se)
	return se, ok
}
