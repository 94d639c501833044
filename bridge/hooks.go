package bridge

import (
	"context"
	"fmt"

	"github.com/hupe1980/modelbridge/handle"
	"github.com/hupe1980/modelbridge/status"
)

// HookType defines the specific lifecycle points where hooks can be executed.
//
// Hooks provide a flexible mechanism for observing and influencing the
// bridge's job and stream pipeline without modifying core logic. Each type
// represents a specific point in the lifecycle where custom logic can be
// injected.
//
// Available hook types:
//   - BeforeJob/AfterJob: Around a complete generation job
//   - BeforeEngine/AfterEngine: Around the engine call itself
//   - OnCancel: When a job or stream is cancelled
//   - OnSnapshot: Before each stream snapshot delivery
//
// Hooks run synchronously on the bridge goroutine that owns the job or
// stream. Before-hooks can abort the operation by returning an error; errors
// from the remaining hook types are logged and do not change the outcome.
type HookType string

const (
	// HookBeforeJob is triggered before a job starts any work.
	// A returned error aborts the job and becomes its reported outcome.
	HookBeforeJob HookType = "before_job"

	// HookAfterJob is triggered once a job's outcome is decided, right
	// before the completion callback runs. Use for metrics or auditing.
	HookAfterJob HookType = "after_job"

	// HookBeforeEngine is triggered immediately before the engine call.
	// A returned error aborts the job and becomes its reported outcome.
	HookBeforeEngine HookType = "before_engine"

	// HookAfterEngine is triggered when the engine call returns, with the
	// mapped status code already set on the hook context.
	HookAfterEngine HookType = "after_engine"

	// HookOnCancel is triggered when CancelJob cancels a running job or a
	// stream delivers its cancellation callback.
	HookOnCancel HookType = "on_cancel"

	// HookOnSnapshot is triggered before each stream snapshot delivery.
	HookOnSnapshot HookType = "on_snapshot"
)

// HookContext carries the information a hook needs about the job or stream
// it fires for. The bridge populates the fields that make sense for the
// triggering hook type and leaves the rest at their zero values.
type HookContext struct {
	// Handle identifies the job or stream the hook fires for.
	Handle handle.Handle

	// SessionID identifies the session the work runs against.
	SessionID string

	// Prompt is the user prompt that started the work.
	Prompt string

	// Code carries the outcome status for after-engine, after-job and
	// cancel hooks.
	Code status.Code

	// Snapshot is the zero-based index of the delivered snapshot for
	// on-snapshot hooks.
	Snapshot int

	// HookType indicates which lifecycle point triggered this execution.
	HookType HookType

	// Metadata provides extensible storage for custom hook data.
	Metadata map[string]interface{}
}

// Hook defines the interface for bridge lifecycle hooks.
//
// Implementations should be fast, as hooks run synchronously on the goroutine
// driving the job or stream, and must be safe for concurrent use when the
// same hook instance is registered on a bridge serving multiple jobs.
type Hook interface {
	// Type returns the hook type this implementation handles.
	Type() HookType

	// Execute performs the hook logic with the provided context. For
	// before-hooks, a returned error aborts the operation.
	Execute(ctx context.Context, hookCtx *HookContext) error
}

// FunctionHook wraps a function as a hook implementation.
//
// Example:
//
//	audit := bridge.NewFunctionHook(
//	    bridge.HookAfterJob,
//	    func(ctx context.Context, hc *bridge.HookContext) error {
//	        log.Printf("job %d finished with %s", hc.Handle, hc.Code)
//	        return nil
//	    },
//	)
type FunctionHook struct {
	hookType HookType
	fn       func(ctx context.Context, hookCtx *HookContext) error
}

// NewFunctionHook creates a new function-based hook for the given type.
func NewFunctionHook(
	hookType HookType,
	fn func(ctx context.Context, hookCtx *HookContext) error,
) *FunctionHook {
	return &FunctionHook{
		hookType: hookType,
		fn:       fn,
	}
}

// Type returns the hook type this function handles.
func (h *FunctionHook) Type() HookType {
	return h.hookType
}

// Execute calls the wrapped function with the provided context.
func (h *FunctionHook) Execute(ctx context.Context, hookCtx *HookContext) error {
	return h.fn(ctx, hookCtx)
}

// HookManager routes hook execution to the hooks registered for each type.
//
// Hooks are executed in registration order, and any hook returning an error
// stops execution of the remaining hooks for that type.
//
// Thread Safety:
// Registration is not synchronized. Register all hooks before handing the
// manager to a bridge; execution is then safe for concurrent use.
type HookManager struct {
	hooks map[HookType][]Hook
}

// NewHookManager creates an empty hook manager.
func NewHookManager() *HookManager {
	return &HookManager{
		hooks: make(map[HookType][]Hook),
	}
}

// Register adds a hook for its declared type. Multiple hooks can be
// registered for the same type and run in registration order.
func (hm *HookManager) Register(hook Hook) {
	hookType := hook.Type()
	hm.hooks[hookType] = append(hm.hooks[hookType], hook)
}

// Execute runs all hooks registered for hookType in order, stopping at the
// first error. Returns nil when no hooks are registered.
func (hm *HookManager) Execute(ctx context.Context, hookType HookType, hookCtx *HookContext) error {
	hooks, exists := hm.hooks[hookType]
	if !exists {
		return nil
	}

	for _, hook := range hooks {
		if err := hook.Execute(ctx, hookCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingHook forwards lifecycle events to a logging function.
//
// Example:
//
//	hook := bridge.NewLoggingHook(bridge.HookAfterJob, func(message string) {
//	    log.Printf("[BRIDGE] %s", message)
//	})
type LoggingHook struct {
	hookType HookType
	logger   func(message string)
}

// NewLoggingHook creates a new logging hook for the given type. The logger
// function receives one formatted message per execution.
func NewLoggingHook(hookType HookType, logger func(message string)) *LoggingHook {
	return &LoggingHook{
		hookType: hookType,
		logger:   logger,
	}
}

// Type returns the hook type this logger handles.
func (h *LoggingHook) Type() HookType {
	return h.hookType
}

// Execute logs the lifecycle event with handle, session and status details.
// If no logger function is configured, the hook silently succeeds.
func (h *LoggingHook) Execute(ctx context.Context, hookCtx *HookContext) error {
	if h.logger != nil {
		message := fmt.Sprintf("[%s] handle=%d session=%s code=%s",
			h.hookType, hookCtx.Handle, hookCtx.SessionID, hookCtx.Code)
		h.logger(message)
	}
	return nil
}
