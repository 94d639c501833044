package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/modelbridge/content"
	"github.com/hupe1980/modelbridge/schema"
)

// -------------------- Helpers --------------------

func sumSchema(t *testing.T) *schema.Schema {
	t.Helper()

	b := schema.NewBuilder("SumArgs", "Arguments for calculate_sum")

	a, err := schema.NewProperty("a", "First addend", "number", false)
	assert.NoError(t, err)
	bProp, err := schema.NewProperty("b", "Second addend", "number", false)
	assert.NoError(t, err)

	b.AddProperty(a)
	b.AddProperty(bProp)

	s, err := b.Build()
	assert.NoError(t, err)

	return s
}

func mustParse(t *testing.T, jsonText string) *content.Generated {
	t.Helper()

	g, err := content.Parse(jsonText)
	assert.NoError(t, err)

	return g
}

// -------------------- Bridged Call Lifecycle --------------------

func TestBridgedInvokeAndFinish(t *testing.T) {
	var echo *Bridged
	echo = NewBridged("echo", "Echo the input back", nil, func(_ context.Context, args *content.Generated, callID uint64) {
		// Resolve from another goroutine, the way an embedder would.
		go func() {
			text, err := args.StringValue("text")
			assert.NoError(t, err)
			echo.FinishCall(callID, "echo: "+text)
		}()
	})

	result, err := echo.Invoke(context.Background(), mustParse(t, `{"text":"hello"}`))
	assert.NoError(t, err)
	assert.Equal(t, "echo: hello", result)
	assert.Equal(t, 0, echo.PendingCalls())
}

func TestBridgedInvokeCancelled(t *testing.T) {
	var gotID uint64
	idle := NewBridged("idle", "Never answers on its own", nil, func(_ context.Context, _ *content.Generated, callID uint64) {
		gotID = callID
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := idle.Invoke(ctx, mustParse(t, `{}`))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, idle.PendingCalls())

	// A late result for the abandoned call is silently dropped.
	idle.FinishCall(gotID, "too late")
	assert.Equal(t, 0, idle.PendingCalls())
}

func TestBridgedConcurrentCallIDsUnique(t *testing.T) {
	const calls = 50

	var mu sync.Mutex
	seen := map[uint64]bool{}
	unique := true

	var echo *Bridged
	echo = NewBridged("echo", "Echo", nil, func(_ context.Context, _ *content.Generated, callID uint64) {
		mu.Lock()
		if callID == 0 || seen[callID] {
			unique = false
		}
		seen[callID] = true
		mu.Unlock()

		go echo.FinishCall(callID, "ok")
	})

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := echo.Invoke(context.Background(), mustParse(t, `{}`))
			assert.NoError(t, err)
			assert.Equal(t, "ok", result)
		}()
	}
	wg.Wait()

	assert.True(t, unique, "adapter issued a zero or duplicate call id")
	assert.Len(t, seen, calls)
	assert.Equal(t, 0, echo.PendingCalls())
}

func TestBridgedFinishUnknownCallID(t *testing.T) {
	echo := NewBridged("echo", "Echo", nil, func(_ context.Context, _ *content.Generated, _ uint64) {})

	assert.NotPanics(t, func() { echo.FinishCall(42, "nobody asked") })
	assert.Equal(t, 0, echo.PendingCalls())
}

func TestBridgedPendingCalls(t *testing.T) {
	ids := make(chan uint64, 3)
	hold := NewBridged("hold", "Holds calls open", nil, func(_ context.Context, _ *content.Generated, callID uint64) {
		ids <- callID
	})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := hold.Invoke(context.Background(), mustParse(t, `{}`))
			assert.NoError(t, err)
			assert.Equal(t, "done", result)
		}()
	}

	collected := make([]uint64, 0, 3)
	for i := 0; i < 3; i++ {
		collected = append(collected, <-ids)
	}
	assert.Equal(t, 3, hold.PendingCalls())

	for _, id := range collected {
		hold.FinishCall(id, "done")
	}
	wg.Wait()
	assert.Equal(t, 0, hold.PendingCalls())
}

func TestBridgedParametersJSON(t *testing.T) {
	sum := NewBridged("calculate_sum", "Add numbers", sumSchema(t), func(_ context.Context, _ *content.Generated, _ uint64) {})

	assert.Equal(t, "calculate_sum", sum.Name())
	assert.Equal(t, "Add numbers", sum.Description())

	params, err := sum.ParametersJSON()
	assert.NoError(t, err)
	assert.Contains(t, params, `"a"`)
	assert.Contains(t, params, `"b"`)
	assert.Contains(t, params, `"required"`)
}

func TestBridgedParametersJSONNilSchema(t *testing.T) {
	ping := NewBridged("ping", "No arguments", nil, func(_ context.Context, _ *content.Generated, _ uint64) {})

	params, err := ping.ParametersJSON()
	assert.NoError(t, err)
	assert.JSONEq(t, `{"type":"object","additionalProperties":false,"properties":{}}`, params)
}

// -------------------- Correlation ID Properties --------------------

func TestCallIDProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent calls get distinct ids and drain to zero", prop.ForAll(
		func(calls int) bool {
			var mu sync.Mutex
			seen := map[uint64]bool{}
			unique := true

			var echo *Bridged
			echo = NewBridged("echo", "Echo", nil, func(_ context.Context, _ *content.Generated, callID uint64) {
				mu.Lock()
				if callID == 0 || seen[callID] {
					unique = false
				}
				seen[callID] = true
				mu.Unlock()

				go echo.FinishCall(callID, "ok")
			})

			args, err := content.Parse(`{}`)
			if err != nil {
				return false
			}

			var wg sync.WaitGroup
			failed := atomic.Bool{}
			for i := 0; i < calls; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := echo.Invoke(context.Background(), args); err != nil {
						failed.Store(true)
					}
				}()
			}
			wg.Wait()

			mu.Lock()
			defer mu.Unlock()

			return unique && !failed.Load() && len(seen) == calls && echo.PendingCalls() == 0
		},
		gen.IntRange(0, 64),
	))

	properties.TestingRun(t)
}

// -------------------- Func Tests --------------------

func TestFuncSuccess(t *testing.T) {
	sum := NewFunc("calculate_sum", "Calculate the sum of two numbers", sumSchema(t),
		func(_ context.Context, args map[string]any) (string, error) {
			return fmt.Sprintf("%g", args["a"].(float64)+args["b"].(float64)), nil
		},
	)

	result, err := sum.Invoke(context.Background(), mustParse(t, `{"a":2,"b":3}`))
	assert.NoError(t, err)
	assert.Equal(t, "5", result)
	assert.Equal(t, 0, sum.PendingCalls())
}

func TestFuncValidationError(t *testing.T) {
	var called atomic.Bool
	sum := NewFunc("calculate_sum", "Calculate the sum of two numbers", sumSchema(t),
		func(_ context.Context, _ map[string]any) (string, error) {
			called.Store(true)
			return "", nil
		},
	)

	result, err := sum.Invoke(context.Background(), mustParse(t, `{"a":2}`))
	assert.NoError(t, err)
	assert.Contains(t, result, "tool error")
	assert.Contains(t, result, "VALIDATION_ERROR")
	assert.False(t, called.Load(), "fn must not run on invalid arguments")
}

func TestFuncExecutionError(t *testing.T) {
	boom := NewFunc("boom", "Always fails", nil,
		func(_ context.Context, _ map[string]any) (string, error) {
			return "", errors.New("boom")
		},
	)

	result, err := boom.Invoke(context.Background(), mustParse(t, `{}`))
	assert.NoError(t, err)
	assert.Contains(t, result, "tool error")
	assert.Contains(t, result, "EXECUTION_ERROR")
	assert.Contains(t, result, "boom")
}

func TestFuncCustomErrorPassthrough(t *testing.T) {
	limited := NewFunc("limited", "Rate limited", nil,
		func(_ context.Context, _ map[string]any) (string, error) {
			return "", NewError("limited", "try again later", "RATE_LIMITED")
		},
	)

	result, err := limited.Invoke(context.Background(), mustParse(t, `{}`))
	assert.NoError(t, err)
	assert.Contains(t, result, "RATE_LIMITED")
	assert.Contains(t, result, "try again later")
}

// -------------------- Error Formatting --------------------

func TestErrorFormatting(t *testing.T) {
	err := NewError("demo", "something failed", "E123")
	assert.Contains(t, err.Error(), "E123")
	assert.Contains(t, err.Error(), "demo")

	plain := &Error{Tool: "demo", Message: "something failed"}
	assert.Equal(t, "tool error in demo: something failed", plain.Error())
}
