// Package tool implements the tool call bridge that lets engines invoke
// structured capabilities (APIs, computations, side‑effects) whose results
// arrive asynchronously from the embedder, with schema validated arguments,
// consistent error handling and rich metadata for engine guidance.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/modelbridge/content"
	"github.com/hupe1980/modelbridge/internal/util"
)

// Handler is invoked inline when the engine calls a bridged tool. It should
// start whatever work produces the result and return promptly; the suspended
// call is resumed later via FinishCall(callID, result), from any goroutine.
type Handler func(ctx context.Context, args *content.Generated, callID uint64)

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Error represents errors that occur during tool execution.
type Error struct {
	Tool    string      `json:"tool"`              // Name of the tool that failed
	Message string      `json:"message"`           // Error message
	Code    string      `json:"code"`              // Error code for categorization
	Details interface{} `json:"details,omitempty"` // Additional error details
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewError creates a new Error with the specified details.
func NewError(tool, message, code string) *Error {
	return &Error{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
