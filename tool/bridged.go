package tool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/modelbridge/content"
	"github.com/hupe1980/modelbridge/logging"
	"github.com/hupe1980/modelbridge/schema"
)

// Options configure a bridged tool.
type Options struct {
	// Logger receives call lifecycle debug output. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Bridged exposes a named capability to engines while letting the embedder
// resolve each call asynchronously. When the engine invokes the tool, the
// call is assigned a correlation id, the handler is invoked inline, and the
// invocation suspends until FinishCall resumes it with the result text or the
// context is cancelled. Suspension is unbounded and arbitrarily many calls
// may be pending concurrently.
//
// Correlation ids are unique among the adapter's live calls, survive counter
// wraparound, and carry no ordering meaning. Each adapter instance owns its
// counter and pending table; two adapters never share id space.
//
// Example:
//
//	weather := tool.NewBridged("get_weather", "Look up the current weather",
//	    weatherSchema,
//	    func(ctx context.Context, args *content.Generated, callID uint64) {
//	        city, _ := args.StringValue("city")
//	        go fetchWeather(city, callID) // resolves via weather.FinishCall
//	    },
//	)
type Bridged struct {
	name        string
	description string
	schema      *schema.Schema
	handler     Handler
	logger      logging.Logger

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan string
}

// NewBridged constructs a bridged tool. params may be nil for tools without
// arguments; handler must not be nil.
func NewBridged(
	name, description string,
	params *schema.Schema,
	handler Handler,
	optFns ...func(o *Options),
) *Bridged {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Bridged{
		name:        name,
		description: description,
		schema:      params,
		handler:     handler,
		logger:      opts.Logger,
		pending:     make(map[uint64]chan string),
	}
}

// Name returns the unique tool name used in call declarations and routing.
func (b *Bridged) Name() string { return b.name }

// Description returns the short natural language description exposed to engines.
func (b *Bridged) Description() string { return b.description }

// ParametersJSON returns the JSON Schema describing the accepted arguments.
func (b *Bridged) ParametersJSON() (string, error) {
	if b.schema == nil {
		return `{"type":"object","additionalProperties":false,"properties":{}}`, nil
	}
	return b.schema.JSON()
}

// Invoke implements the engine tool contract. It registers the call, invokes
// the handler inline, then suspends until FinishCall delivers the result or
// ctx is cancelled. A cancelled call is abandoned: its id becomes unknown and
// a late FinishCall for it is a no-op.
func (b *Bridged) Invoke(ctx context.Context, args *content.Generated) (string, error) {
	id, ch := b.register()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	b.logger.Debug("tool call started", "tool", b.name, "call_id", id)

	b.handler(ctx, args, id)

	select {
	case <-ctx.Done():
		b.logger.Debug("tool call abandoned", "tool", b.name, "call_id", id)
		return "", ctx.Err()
	case result := <-ch:
		return result, nil
	}
}

// FinishCall resumes the pending call with the given correlation id. Unknown
// ids (never issued, already finished, or abandoned after cancellation) are a
// silent no-op so late results cannot fail the embedder.
func (b *Bridged) FinishCall(id uint64, result string) {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("finish for unknown tool call", "tool", b.name, "call_id", id)
		return
	}

	ch <- result // buffered, never blocks
	b.logger.Debug("tool call finished", "tool", b.name, "call_id", id)
}

// PendingCalls reports the number of calls currently suspended.
func (b *Bridged) PendingCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// register allocates the next free correlation id and its result channel.
// Zero is never issued; ids colliding with still-pending calls after counter
// wraparound are skipped.
func (b *Bridged) register() (uint64, chan string) {
	ch := make(chan string, 1)

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		id := b.nextID.Add(1)
		if id == 0 {
			continue
		}
		if _, taken := b.pending[id]; taken {
			continue
		}
		b.pending[id] = ch
		return id, ch
	}
}
