package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/modelbridge/content"
	"github.com/hupe1980/modelbridge/core"
	"github.com/hupe1980/modelbridge/engine"
	"github.com/hupe1980/modelbridge/logging"
	"github.com/hupe1980/modelbridge/schema"
	"github.com/hupe1980/modelbridge/status"
)

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// Instructions is the system prompt sent with every request.
	Instructions string
	// Tools are offered to the engine on every request.
	Tools []engine.Tool
	// Config carries the engine configuration for the session.
	Config core.ModelConfig
	// Transcript restores prior conversation state. The session clones it,
	// so later mutation of the argument is not observed.
	Transcript *core.Transcript
	// Logger receives request lifecycle output. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Session is a stateful conversation against one engine. Every request
// carries the session's instructions, its tools and the transcript of prior
// exchanges; each successful request grows the transcript with the user
// prompt, any tool round trips the engine made, and the final response.
//
// A session serves one generation at a time: starting a second request while
// one is in flight fails with status.ConcurrentRequests. Public methods are
// safe for concurrent use.
//
// Example:
//
//	sess := session.New(engine.NewMock("demo", "mock"), func(o *session.Options) {
//		o.Instructions = "You are a helpful assistant."
//	})
//
//	resp, err := sess.Respond(ctx, "Hello!")
type Session struct {
	id           string
	engine       engine.Engine
	instructions string
	tools        []engine.Tool
	config       core.ModelConfig
	logger       logging.Logger

	mu         sync.Mutex
	transcript *core.Transcript

	responding atomic.Bool
}

// New constructs a session with optional overrides. A restored transcript's
// instructions entry is adopted when no explicit instructions are given.
func New(eng engine.Engine, optFns ...func(o *Options)) *Session {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	transcript := &core.Transcript{}
	if opts.Transcript != nil {
		transcript = opts.Transcript.Clone()
	}

	instructions := opts.Instructions
	if instructions == "" {
		for _, entry := range transcript.Entries {
			if entry.Role == core.RoleInstructions {
				instructions = entry.Content
				break
			}
		}
	}

	tools := append([]engine.Tool(nil), opts.Tools...)

	if transcript.Len() == 0 && (instructions != "" || len(tools) > 0) {
		entry := core.NewEntry(core.RoleInstructions, instructions)
		for _, t := range tools {
			entry.Tools = append(entry.Tools, core.ToolInfo{Name: t.Name(), Description: t.Description()})
		}
		transcript.Append(entry)
	}

	return &Session{
		id:           uuid.NewString(),
		engine:       eng,
		instructions: instructions,
		tools:        tools,
		config:       opts.Config,
		logger:       opts.Logger,
		transcript:   transcript,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Respond sends a free-text prompt and blocks until the engine produced the
// complete response.
func (s *Session) Respond(ctx context.Context, prompt string) (engine.Response, error) {
	return s.respond(ctx, prompt, "")
}

// RespondWithSchema sends a prompt constrained by the given schema and
// returns the structured value the engine generated.
func (s *Session) RespondWithSchema(ctx context.Context, prompt string, sc *schema.Schema) (*content.Generated, error) {
	if sc == nil {
		return nil, status.Errorf(status.InvalidArgument, "nil schema")
	}

	schemaJSON, err := sc.JSON()
	if err != nil {
		return nil, err
	}

	return s.RespondWithSchemaJSON(ctx, prompt, schemaJSON)
}

// RespondWithSchemaJSON is RespondWithSchema for callers that already hold
// the schema in its interchange JSON form.
func (s *Session) RespondWithSchemaJSON(ctx context.Context, prompt, schemaJSON string) (*content.Generated, error) {
	if schemaJSON == "" {
		return nil, status.Errorf(status.InvalidArgument, "empty schema JSON")
	}

	resp, err := s.respond(ctx, prompt, schemaJSON)
	if err != nil {
		return nil, err
	}

	return content.Parse(resp.Content)
}

// Stream sends a free-text prompt and returns the engine's cumulative
// snapshots. The snapshot channel closes after the final snapshot; a terminal
// failure arrives on the error channel instead.
func (s *Session) Stream(ctx context.Context, prompt string) (<-chan engine.Snapshot, <-chan error) {
	return s.stream(ctx, prompt, "")
}

// StreamWithSchema streams a generation constrained by the given schema.
// Snapshot contents are partial JSON documents growing toward the final
// structured value.
func (s *Session) StreamWithSchema(ctx context.Context, prompt string, sc *schema.Schema) (<-chan engine.Snapshot, <-chan error) {
	snapCh := make(chan engine.Snapshot)
	errCh := make(chan error, 1)

	if sc == nil {
		errCh <- status.Errorf(status.InvalidArgument, "nil schema")
		close(snapCh)
		close(errCh)
		return snapCh, errCh
	}

	schemaJSON, err := sc.JSON()
	if err != nil {
		errCh <- err
		close(snapCh)
		close(errCh)
		return snapCh, errCh
	}

	return s.stream(ctx, prompt, schemaJSON)
}

// IsResponding reports whether a generation is currently in flight.
func (s *Session) IsResponding() bool { return s.responding.Load() }

// Reset force-clears the responding flag so the session accepts new requests
// after a failed or abandoned generation. The transcript is left untouched.
func (s *Session) Reset() { s.responding.Store(false) }

// Transcript returns a deep copy of the conversation so far.
func (s *Session) Transcript() *core.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Clone()
}

// TranscriptJSON serializes the conversation inside its versioned envelope.
func (s *Session) TranscriptJSON() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.JSON()
}

func (s *Session) respond(ctx context.Context, prompt, schemaJSON string) (engine.Response, error) {
	if !s.responding.CompareAndSwap(false, true) {
		return engine.Response{}, status.New(status.ConcurrentRequests)
	}
	defer s.responding.Store(false)

	rec := &recorder{}
	req := s.request(prompt, schemaJSON)
	req.Record = rec.record

	start := time.Now()

	resp, err := s.engine.Respond(ctx, req)
	if err != nil {
		s.logger.Error("session request failed", "session_id", s.id, "error", err.Error())
		return engine.Response{}, err
	}

	s.commit(prompt, resp.Content, rec.recorded())
	s.logger.Debug("session request completed",
		"session_id", s.id,
		"duration_ms", time.Since(start).Milliseconds(),
		"content_length", len(resp.Content))

	return resp, nil
}

func (s *Session) stream(ctx context.Context, prompt, schemaJSON string) (<-chan engine.Snapshot, <-chan error) {
	snapOut := make(chan engine.Snapshot, 16)
	errOut := make(chan error, 1)

	if !s.responding.CompareAndSwap(false, true) {
		errOut <- status.New(status.ConcurrentRequests)
		close(snapOut)
		close(errOut)
		return snapOut, errOut
	}

	rec := &recorder{}
	req := s.request(prompt, schemaJSON)
	req.Record = rec.record

	snapIn, errIn := s.engine.Stream(ctx, req)

	go func() {
		defer close(snapOut)
		defer close(errOut)
		defer s.responding.Store(false)

		final := ""
		completed := false

		for snap := range snapIn {
			if snap.Complete {
				final = snap.Content
				completed = true
			}
			select {
			case <-ctx.Done():
				errOut <- ctx.Err()
				return
			case snapOut <- snap:
			}
		}

		if err := <-errIn; err != nil {
			s.logger.Error("session stream failed", "session_id", s.id, "error", err.Error())
			errOut <- err
			return
		}

		if completed {
			s.commit(prompt, final, rec.recorded())
		}
	}()

	return snapOut, errOut
}

// request assembles the normalized engine request for a prompt. Instructions
// travel on the request itself, so transcript instructions entries are
// skipped to avoid sending the system prompt twice.
func (s *Session) request(prompt, schemaJSON string) engine.Request {
	s.mu.Lock()
	history := make([]core.Entry, 0, len(s.transcript.Entries))
	for _, entry := range s.transcript.Entries {
		if entry.Role == core.RoleInstructions {
			continue
		}
		history = append(history, entry)
	}
	s.mu.Unlock()

	return engine.Request{
		Instructions: s.instructions,
		Prompt:       prompt,
		History:      history,
		SchemaJSON:   schemaJSON,
		Tools:        s.tools,
		Config:       s.config,
	}
}

// commit appends the completed exchange to the transcript: the user prompt,
// the recorded tool turns, then the final response.
func (s *Session) commit(prompt, response string, intermediate []core.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript.Append(core.NewEntry(core.RoleUser, prompt))
	s.transcript.Append(intermediate...)
	s.transcript.Append(core.NewEntry(core.RoleResponse, response))
}

// recorder collects the intermediate transcript entries the engine reports
// while responding. Streaming adapters record from their own goroutines, so
// access is synchronized.
type recorder struct {
	mu      sync.Mutex
	entries []core.Entry
}

func (r *recorder) record(entry core.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *recorder) recorded() []core.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Entry(nil), r.entries...)
}
