package engine

import (
	"context"

	"github.com/hupe1980/modelbridge/content"
	"github.com/hupe1980/modelbridge/core"
)

// Tool declaratively exposes a callable function to the engine.
// Unified across vendors so downstream logic does not need per-provider
// branching; implementations live in the tool package, where a call can
// suspend until the embedder supplies the result.
type Tool interface {
	// Name returns the unique tool name offered to the engine.
	Name() string

	// Description explains to the engine when the tool should be called.
	Description() string

	// ParametersJSON returns the JSON Schema for the tool arguments.
	ParametersJSON() (string, error)

	// Invoke runs the tool with decoded arguments and returns the result
	// text fed back into the generation.
	Invoke(ctx context.Context, args *content.Generated) (string, error)
}

// Request captures the normalized engine input produced by sessions.
type Request struct {
	Instructions string           `json:"instructions"`          // rendered as the system message
	Prompt       string           `json:"prompt"`                // current user prompt
	History      []core.Entry     `json:"history,omitempty"`     // prior transcript entries, oldest first
	SchemaJSON   string           `json:"schema_json,omitempty"` // non-empty requests guided generation against this schema
	Tools        []Tool           `json:"-"`                     // tools the engine may call mid-generation
	Config       core.ModelConfig `json:"config"`

	// Record, when set, receives the intermediate transcript entries the
	// engine produces while responding: one response entry per assistant
	// turn that requested tools and one tool entry per resolved call. The
	// final response entry is the caller's to record.
	Record func(entry core.Entry) `json:"-"`
}

// Usage captures token usage statistics for a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the final result of a non-streaming generation.
type Response struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// Snapshot is a partial result emitted by a streaming generation. Snapshots
// are cumulative: each carries the full content generated so far, never a
// delta. Complete marks the snapshot whose content equals the final response.
type Snapshot struct {
	Content  string `json:"content"`
	Complete bool   `json:"complete"`
}

// Info contains metadata about an engine implementation.
type Info struct {
	Name           string `json:"name"`
	Provider       string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools  bool   `json:"supports_tools"`
	SupportsGuided bool   `json:"supports_guided"`
}

// Engine is the minimal interface required by sessions and the bridge to
// drive generation.
type Engine interface {
	// Respond produces the complete response for a request.
	Respond(ctx context.Context, req Request) (Response, error)

	// Stream produces cumulative snapshots for a request. The snapshot
	// channel closes after the final snapshot; a terminal failure is
	// delivered on the error channel instead.
	Stream(ctx context.Context, req Request) (<-chan Snapshot, <-chan error)

	// Availability reports whether the engine can currently serve requests.
	Availability(ctx context.Context) core.Availability

	// Info returns information about the engine implementation.
	Info() Info
}
