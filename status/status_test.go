package status

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// -------------------- Code --------------------

func TestCodeString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "unsupported_guide", UnsupportedGuide.String())
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "code_42", Code(42).String())
}

func TestCodeValuesAreStable(t *testing.T) {
	// These integers cross the boundary; changing them is a breaking change.
	assert.Equal(t, Code(0), Success)
	assert.Equal(t, Code(1), ExceededContextWindow)
	assert.Equal(t, Code(5), UnsupportedLocale)
	assert.Equal(t, Code(8), ConcurrentRequests)
	assert.Equal(t, Code(10), InvalidSchema)
	assert.Equal(t, Code(255), Unknown)
}

func TestFailure(t *testing.T) {
	assert.False(t, Success.Failure())
	assert.False(t, Cancelled.Failure())
	assert.True(t, RateLimited.Failure())
	assert.True(t, Unknown.Failure())
}

// -------------------- Error --------------------

func TestErrorFormatting(t *testing.T) {
	err := New(RateLimited)
	assert.Equal(t, "generation error [rate_limited]: Request was rate limited", err.Error())

	err = Errorf(UnsupportedGuide, "guide %q not supported on type %q", "pattern", "integer")
	assert.Contains(t, err.Error(), "unsupported_guide")
	assert.Contains(t, err.Error(), `guide "pattern" not supported on type "integer"`)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(DecodingFailure, "decode failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")

	wrapped := fmt.Errorf("outer: %w", err)
	se, ok := AsError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, DecodingFailure, se.Code)
}

// -------------------- CodeOf --------------------

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Success, CodeOf(nil))
	assert.Equal(t, Refusal, CodeOf(New(Refusal)))
	assert.Equal(t, Cancelled, CodeOf(context.Canceled))
	assert.Equal(t, Cancelled, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, Unknown, CodeOf(errors.New("something else")))
}

func TestCodeOfUnwrapsNestedStatus(t *testing.T) {
	err := fmt.Errorf("engine call: %w", New(GuardrailViolation))
	assert.Equal(t, GuardrailViolation, CodeOf(err))
}
