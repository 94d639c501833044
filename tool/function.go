package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/modelbridge/content"
	"github.com/hupe1980/modelbridge/internal/util"
	"github.com/hupe1980/modelbridge/schema"
)

// Func is a generic adapter that exposes a plain Go function as a bridged tool.
//
// Responsibilities:
//   - Validates engine supplied arguments against the declared schema before
//     execution
//   - Runs the wrapped function on its own goroutine so the engine's call
//     suspends without holding a thread, and resolves the call through
//     FinishCall when the function returns
//   - Normalizes error handling so engines receive a readable failure text
//     with consistent codes:
//     VALIDATION_ERROR  -> schema / argument mismatch
//     EXECUTION_ERROR   -> underlying function returned an error (non-*Error)
//     (custom codes preserved if the function returns *Error directly)
//
// Concurrency:
//
//	A Func has no internal mutable state beyond its embedded Bridged adapter
//	and is safe for concurrent use by multiple goroutines. The wrapped
//	function may run concurrently with itself when the engine issues
//	parallel calls.
//
// Returned result:
//
//	The returned string is handed to the engine verbatim as the tool result.
//	Failures resolve the call with a "tool error: ..." text instead of
//	failing the generation, leaving the engine free to recover.
type Func struct {
	*Bridged

	// User supplied implementation
	fn func(ctx context.Context, args map[string]any) (string, error)
}

// NewFunc constructs a Func from explicit schema and function.
//
// Arguments:
//
//	name        - unique tool name (avoid collisions; snake_case suggested)
//	description - concise, imperative description ("Calculate the …")
//	params      - schema describing the accepted arguments, nil for none
//	fn          - implementation receiving already decoded args
//
// Example:
//
//	sumTool := tool.NewFunc(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  sumSchema,
//	  func(ctx context.Context, args map[string]any) (string, error) {
//	    a := args["a"].(float64)
//	    b := args["b"].(float64)
//	    return fmt.Sprintf("%g", a+b), nil
//	  },
//	)
func NewFunc(
	name, description string,
	params *schema.Schema,
	fn func(ctx context.Context, args map[string]any) (string, error),
	optFns ...func(o *Options),
) *Func {
	f := &Func{fn: fn}
	f.Bridged = NewBridged(name, description, params, f.handle, optFns...)

	return f
}

// handle runs the wrapped function on its own goroutine and resolves the
// suspended call with its outcome.
func (f *Func) handle(ctx context.Context, args *content.Generated, callID uint64) {
	go func() {
		start := time.Now()

		result, err := f.call(ctx, args)
		if err != nil {
			f.logger.Error("tool call failed", "tool", f.name, "call_id", callID, "error", err.Error())
			f.FinishCall(callID, err.Error()) // *Error text reads "tool error [CODE] in name: message"

			return
		}

		f.logger.Info("tool call succeeded", "tool", f.name, "call_id", callID, "duration_ms", time.Since(start).Milliseconds())
		f.FinishCall(callID, result)
	}()
}

// call validates the provided args against the declared schema then invokes
// the underlying function. Validation or execution failures are wrapped (or
// passed through) as *Error for uniform downstream handling.
//
// Error Semantics:
//
//	*Error (returned directly)  -> forwarded unchanged
//	validation failure          -> *Error{Code: "VALIDATION_ERROR"}
//	other error                 -> *Error{Code: "EXECUTION_ERROR"}
func (f *Func) call(ctx context.Context, args *content.Generated) (string, error) {
	decoded := map[string]any{}
	if args != nil {
		if err := json.Unmarshal([]byte(args.JSON()), &decoded); err != nil {
			return "", &Error{
				Tool:    f.name,
				Message: fmt.Sprintf("malformed arguments: %v", err),
				Code:    "VALIDATION_ERROR",
			}
		}
	}

	if f.schema != nil {
		doc, err := f.schema.Map()
		if err != nil {
			return "", &Error{
				Tool:    f.name,
				Message: fmt.Sprintf("invalid parameter schema: %v", err),
				Code:    "VALIDATION_ERROR",
			}
		}

		if err := util.ValidateParameters(decoded, doc); err != nil {
			f.logger.Warn("tool call validation failed", "tool", f.name, "error", err.Error())

			return "", &Error{
				Tool:    f.name,
				Message: fmt.Sprintf("parameter validation failed: %v", err),
				Code:    "VALIDATION_ERROR",
				Details: err,
			}
		}
	}

	result, err := f.fn(ctx, decoded)
	if err != nil {
		if toolErr, ok := err.(*Error); ok { // Already an *Error -> forward unchanged
			return "", toolErr
		}

		return "", &Error{
			Tool:    f.name,
			Message: err.Error(),
			Code:    "EXECUTION_ERROR",
		}
	}

	return result, nil
}
