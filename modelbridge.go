// Package modelbridge provides a high-level façade over the session, bridge
// and schema layers enabling rapid construction of handle‑addressed language
// model integrations. Most applications interact with this package by:
//  1. Creating a ModelBridge via New() (optionally overriding the default mock engine)
//  2. Creating one or more sessions (NewSession) or registering their own (RegisterSession)
//  3. Responding asynchronously (Respond) or synchronously (RespondSync), or streaming
//
// The façade delegates job and stream orchestration to bridge.Bridge while
// keeping setup and usage ergonomics concise. All defaults are safe for local
// development and testing; production deployments typically supply a real
// engine adapter and a structured logger.
package modelbridge

import (
	"context"

	"github.com/hupe1980/modelbridge/bridge"
	"github.com/hupe1980/modelbridge/content"
	"github.com/hupe1980/modelbridge/core"
	"github.com/hupe1980/modelbridge/engine"
	"github.com/hupe1980/modelbridge/handle"
	"github.com/hupe1980/modelbridge/logging"
	"github.com/hupe1980/modelbridge/schema"
	"github.com/hupe1980/modelbridge/session"
	"github.com/hupe1980/modelbridge/status"
	"github.com/hupe1980/modelbridge/tool"
)

// Options configures the ModelBridge instance.
type Options struct {
	// Engine serves every generation started through the façade.
	// Defaults to the mock engine.
	Engine engine.Engine

	// MaxConcurrentJobs limits the number of jobs that can execute engine
	// calls simultaneously. This prevents resource exhaustion and provides
	// backpressure. Set to 0 for unlimited.
	MaxConcurrentJobs int

	// Registry issues and resolves every handle the façade hands out.
	// Defaults to a fresh registry.
	Registry *handle.Registry

	// Hooks receives job and stream lifecycle notifications.
	Hooks *bridge.HookManager

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// ModelBridge is the high-level façade aggregating the engine and the bridge.
type ModelBridge struct {
	opts   Options
	engine engine.Engine
	bridge *bridge.Bridge
}

// New creates a new ModelBridge instance with optional overrides. The unset
// engine is initialized with a mock implementation.
func New(optFns ...func(o *Options)) *ModelBridge {
	opts := Options{
		Engine:   engine.NewMock("default", "mock"),
		Registry: handle.NewRegistry(),
		Hooks:    bridge.NewHookManager(),
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	b := bridge.New(func(o *bridge.Options) {
		o.Registry = opts.Registry
		o.MaxConcurrentJobs = opts.MaxConcurrentJobs
		o.Hooks = opts.Hooks
		o.Logger = opts.Logger
	})

	return &ModelBridge{opts: opts, engine: opts.Engine, bridge: b}
}

// Registry returns the handle registry backing the façade, for callers that
// retain and release handles themselves.
func (m *ModelBridge) Registry() *handle.Registry { return m.bridge.Registry() }

// Availability reports whether the configured engine can serve requests.
func (m *ModelBridge) Availability(ctx context.Context) core.Availability {
	return m.engine.Availability(ctx)
}

// NewSession creates a session against the configured engine and returns its
// handle. The caller owns one reference and releases it when done.
func (m *ModelBridge) NewSession(optFns ...func(o *session.Options)) handle.Handle {
	fns := append([]func(o *session.Options){func(o *session.Options) {
		o.Logger = m.opts.Logger
	}}, optFns...)

	return m.Registry().Register(session.New(m.engine, fns...))
}

// RegisterSession mints a handle for a session the caller constructed
// themselves, for example against a different engine.
func (m *ModelBridge) RegisterSession(sess *session.Session) (handle.Handle, error) {
	if sess == nil {
		return 0, status.Errorf(status.InvalidArgument, "modelbridge: nil session")
	}
	return m.Registry().Register(sess), nil
}

// Session resolves a session handle.
func (m *ModelBridge) Session(h handle.Handle) (*session.Session, error) {
	v, ok := m.Registry().Resolve(h)
	if !ok {
		return nil, status.Errorf(status.InvalidArgument, "modelbridge: session %d not found", h)
	}
	sess, ok := v.(*session.Session)
	if !ok {
		return nil, status.Errorf(status.InvalidArgument, "modelbridge: handle %d is not a session", h)
	}
	return sess, nil
}

// RegisterSchema mints a handle for a finalized schema.
func (m *ModelBridge) RegisterSchema(sc *schema.Schema) (handle.Handle, error) {
	if sc == nil {
		return 0, status.Errorf(status.InvalidArgument, "modelbridge: nil schema")
	}
	return m.Registry().Register(sc), nil
}

// Schema resolves a schema handle.
func (m *ModelBridge) Schema(h handle.Handle) (*schema.Schema, error) {
	v, ok := m.Registry().Resolve(h)
	if !ok {
		return nil, status.Errorf(status.InvalidArgument, "modelbridge: schema %d not found", h)
	}
	sc, ok := v.(*schema.Schema)
	if !ok {
		return nil, status.Errorf(status.InvalidArgument, "modelbridge: handle %d is not a schema", h)
	}
	return sc, nil
}

// Respond starts an asynchronous free-text job on the session behind
// sessionHandle and returns the job handle.
func (m *ModelBridge) Respond(ctx context.Context, sessionHandle handle.Handle, prompt string, cb bridge.ResponseCallback) (handle.Handle, error) {
	sess, err := m.Session(sessionHandle)
	if err != nil {
		return 0, err
	}
	return m.bridge.Respond(ctx, sess, prompt, cb)
}

// RespondSync is a synchronous helper that drains the job callback and
// returns the generated text, or a status-coded error for any other outcome.
func (m *ModelBridge) RespondSync(ctx context.Context, sessionHandle handle.Handle, prompt string) (string, error) {
	resultCh := make(chan syncResult, 1)

	_, err := m.Respond(ctx, sessionHandle, prompt, func(code status.Code, text *string) {
		resultCh <- syncResult{code: code, text: text}
	})
	if err != nil {
		return "", err
	}

	// Exactly one callback fires per job, cancellation included.
	res := <-resultCh
	if res.code != status.Success {
		return "", res.err()
	}
	if res.text == nil {
		return "", nil
	}
	return *res.text, nil
}

// RespondWithSchema starts an asynchronous guided job whose Success callback
// carries a value conforming to sc.
func (m *ModelBridge) RespondWithSchema(ctx context.Context, sessionHandle handle.Handle, prompt string, sc *schema.Schema, cb bridge.StructuredCallback) (handle.Handle, error) {
	sess, err := m.Session(sessionHandle)
	if err != nil {
		return 0, err
	}
	return m.bridge.RespondWithSchema(ctx, sess, prompt, sc, cb)
}

// RespondWithSchemaJSON is RespondWithSchema for callers that already hold
// the schema as JSON Schema text.
func (m *ModelBridge) RespondWithSchemaJSON(ctx context.Context, sessionHandle handle.Handle, prompt, schemaJSON string, cb bridge.StructuredCallback) (handle.Handle, error) {
	sess, err := m.Session(sessionHandle)
	if err != nil {
		return 0, err
	}
	return m.bridge.RespondWithSchemaJSON(ctx, sess, prompt, schemaJSON, cb)
}

// RespondWithSchemaSync is a synchronous helper that drains the guided job
// callback and returns the generated value.
func (m *ModelBridge) RespondWithSchemaSync(ctx context.Context, sessionHandle handle.Handle, prompt string, sc *schema.Schema) (*content.Generated, error) {
	resultCh := make(chan syncStructuredResult, 1)

	_, err := m.RespondWithSchema(ctx, sessionHandle, prompt, sc, func(code status.Code, value *content.Generated) {
		resultCh <- syncStructuredResult{code: code, value: value}
	})
	if err != nil {
		return nil, err
	}

	res := <-resultCh
	if res.code != status.Success {
		return nil, status.New(res.code)
	}
	return res.value, nil
}

// OpenStream prepares a streaming generation on the session behind
// sessionHandle. Iteration starts when IterateStream attaches a callback, and
// releasing the stream handle tears the stream down.
func (m *ModelBridge) OpenStream(ctx context.Context, sessionHandle handle.Handle, prompt string) (handle.Handle, error) {
	sess, err := m.Session(sessionHandle)
	if err != nil {
		return 0, err
	}
	return m.bridge.OpenStream(ctx, sess, prompt)
}

// OpenStreamWithSchema prepares a streaming guided generation whose snapshots
// accumulate toward JSON conforming to sc.
func (m *ModelBridge) OpenStreamWithSchema(ctx context.Context, sessionHandle handle.Handle, prompt string, sc *schema.Schema) (handle.Handle, error) {
	sess, err := m.Session(sessionHandle)
	if err != nil {
		return 0, err
	}
	return m.bridge.OpenStreamWithSchema(ctx, sess, prompt, sc)
}

// IterateStream attaches cb to the stream behind h and starts delivering
// cumulative snapshots. See bridge.Bridge.IterateStream for the callback
// contract.
func (m *ModelBridge) IterateStream(h handle.Handle, cb bridge.ResponseCallback) error {
	return m.bridge.IterateStream(h, cb)
}

// CancelJob requests cooperative cancellation of a running job.
func (m *ModelBridge) CancelJob(h handle.Handle) error {
	return m.bridge.CancelJob(h)
}

// FinishToolCall resumes the pending tool call with the given correlation id.
// Unknown ids and a nil adapter are a no-op.
func (m *ModelBridge) FinishToolCall(t *tool.Bridged, id uint64, result string) {
	if t == nil {
		return
	}
	t.FinishCall(id, result)
}

type syncResult struct {
	code status.Code
	text *string
}

// err maps a failed delivery onto a status error, keeping the diagnostic
// text when the callback carried one.
func (r syncResult) err() error {
	if r.text != nil {
		return status.Errorf(r.code, "%s", *r.text)
	}
	return status.New(r.code)
}

type syncStructuredResult struct {
	code  status.Code
	value *content.Generated
}
