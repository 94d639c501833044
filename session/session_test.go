package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/modelbridge/core"
	"github.com/hupe1980/modelbridge/engine"
	"github.com/hupe1980/modelbridge/schema"
	"github.com/hupe1980/modelbridge/status"
	"github.com/hupe1980/modelbridge/tool"
)

// -------------------- Helpers --------------------

// captureEngine records every request and answers with a fixed response.
type captureEngine struct {
	mu   sync.Mutex
	reqs []engine.Request
	resp string
}

func (c *captureEngine) Respond(_ context.Context, req engine.Request) (engine.Response, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	return engine.Response{Content: c.resp}, nil
}

func (c *captureEngine) Stream(_ context.Context, req engine.Request) (<-chan engine.Snapshot, <-chan error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()

	snapCh := make(chan engine.Snapshot, 1)
	errCh := make(chan error, 1)
	snapCh <- engine.Snapshot{Content: c.resp, Complete: true}
	close(snapCh)
	close(errCh)
	return snapCh, errCh
}

func (c *captureEngine) Availability(context.Context) core.Availability { return core.Available() }

func (c *captureEngine) Info() engine.Info {
	return engine.Info{Name: "capture", Provider: "test", SupportsTools: true, SupportsGuided: true}
}

func (c *captureEngine) last() engine.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs[len(c.reqs)-1]
}

// blockingEngine suspends Respond until released, for responding-flag tests.
type blockingEngine struct {
	release chan struct{}
}

func (b *blockingEngine) Respond(ctx context.Context, _ engine.Request) (engine.Response, error) {
	select {
	case <-ctx.Done():
		return engine.Response{}, ctx.Err()
	case <-b.release:
		return engine.Response{Content: "released"}, nil
	}
}

func (b *blockingEngine) Stream(ctx context.Context, req engine.Request) (<-chan engine.Snapshot, <-chan error) {
	snapCh := make(chan engine.Snapshot)
	errCh := make(chan error, 1)
	go func() {
		defer close(snapCh)
		defer close(errCh)
		if _, err := b.Respond(ctx, req); err != nil {
			errCh <- err
		}
	}()
	return snapCh, errCh
}

func (b *blockingEngine) Availability(context.Context) core.Availability { return core.Available() }

func (b *blockingEngine) Info() engine.Info {
	return engine.Info{Name: "blocking", Provider: "test"}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// -------------------- Respond --------------------

func TestSessionRespond(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.AddResponse("What is a hedgehog?", "A small spiny mammal.")

	sess := New(eng)

	resp, err := sess.Respond(context.Background(), "What is a hedgehog?")
	assert.NoError(t, err)
	assert.Equal(t, "A small spiny mammal.", resp.Content)
	assert.NotNil(t, resp.Usage)

	tr := sess.Transcript()
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, core.RoleUser, tr.Entries[0].Role)
	assert.Equal(t, "What is a hedgehog?", tr.Entries[0].Content)
	assert.Equal(t, core.RoleResponse, tr.Entries[1].Role)
	assert.Equal(t, "A small spiny mammal.", tr.Entries[1].Content)
}

func TestSessionInstructionsOnRequest(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.SetFallback("{{.instructions}} | {{.prompt}}")

	sess := New(eng, func(o *Options) {
		o.Instructions = "Be terse."
	})

	resp, err := sess.Respond(context.Background(), "hi")
	assert.NoError(t, err)
	assert.Equal(t, "Be terse. | hi", resp.Content)

	tr := sess.Transcript()
	assert.Equal(t, core.RoleInstructions, tr.Entries[0].Role)
	assert.Equal(t, "Be terse.", tr.Entries[0].Content)
}

func TestSessionHistoryCarried(t *testing.T) {
	capture := &captureEngine{resp: "ok"}
	sess := New(capture)

	_, err := sess.Respond(context.Background(), "first")
	assert.NoError(t, err)
	_, err = sess.Respond(context.Background(), "second")
	assert.NoError(t, err)

	req := capture.last()
	assert.Len(t, req.History, 2)
	assert.Equal(t, "first", req.History[0].Content)
	assert.Equal(t, "ok", req.History[1].Content)
	assert.Equal(t, "second", req.Prompt)
}

func TestSessionConcurrentRequestsRejected(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.SetDelay(200 * time.Millisecond)
	sess := New(eng)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := sess.Respond(context.Background(), "first")
		assert.NoError(t, err)
	}()

	waitFor(t, sess.IsResponding)

	_, err := sess.Respond(context.Background(), "second")
	se, ok := status.AsError(err)
	assert.True(t, ok)
	assert.Equal(t, status.ConcurrentRequests, se.Code)

	<-done
	assert.False(t, sess.IsResponding())
}

func TestSessionRespondCancelled(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.SetDelay(time.Hour)
	sess := New(eng)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := sess.Respond(ctx, "never")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, status.Cancelled, status.CodeOf(err))

	assert.False(t, sess.IsResponding())
	assert.Equal(t, 0, sess.Transcript().Len(), "failed requests must not grow the transcript")
}

func TestSessionReset(t *testing.T) {
	eng := &blockingEngine{release: make(chan struct{})}
	sess := New(eng)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = sess.Respond(context.Background(), "stuck")
	}()

	waitFor(t, sess.IsResponding)

	sess.Reset()
	assert.False(t, sess.IsResponding())

	close(eng.release)
	<-done
}

// -------------------- Guided Generation --------------------

func TestSessionRespondWithSchema(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	sess := New(eng)

	b := schema.NewBuilder("Hedgehog", "A hedgehog character")
	name, err := schema.NewProperty("name", "", "string", false)
	assert.NoError(t, err)
	age, err := schema.NewProperty("age", "Age in years", "integer", false, schema.Minimum(2))
	assert.NoError(t, err)
	b.AddProperty(name)
	b.AddProperty(age)
	sc, err := b.Build()
	assert.NoError(t, err)

	value, err := sess.RespondWithSchema(context.Background(), "Generate a hedgehog", sc)
	assert.NoError(t, err)

	nameVal, err := value.StringValue("name")
	assert.NoError(t, err)
	assert.Equal(t, "mock", nameVal)

	ageVal, err := value.IntValue("age")
	assert.NoError(t, err)
	assert.EqualValues(t, 2, ageVal)

	assert.Equal(t, 2, sess.Transcript().Len(), "guided exchanges are recorded like any other")
}

func TestSessionRespondWithSchemaNil(t *testing.T) {
	sess := New(engine.NewMock("demo", "mock"))

	_, err := sess.RespondWithSchema(context.Background(), "x", nil)
	se, ok := status.AsError(err)
	assert.True(t, ok)
	assert.Equal(t, status.InvalidArgument, se.Code)
}

// -------------------- Streaming --------------------

func TestSessionStream(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.AddResponse("count", "12345")
	sess := New(eng)

	snapCh, errCh := sess.Stream(context.Background(), "count")

	var snaps []engine.Snapshot
	for snap := range snapCh {
		snaps = append(snaps, snap)
	}
	assert.NoError(t, <-errCh)

	assert.Len(t, snaps, 5)
	for i, snap := range snaps {
		assert.Equal(t, "12345"[:i+1], snap.Content)
		assert.Equal(t, i == len(snaps)-1, snap.Complete)
	}

	tr := sess.Transcript()
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, "12345", tr.Entries[1].Content)
	assert.False(t, sess.IsResponding())
}

func TestSessionStreamConcurrentRejected(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.SetDelay(200 * time.Millisecond)
	sess := New(eng)

	snapCh, errCh := sess.Stream(context.Background(), "first")

	waitFor(t, sess.IsResponding)

	_, err := sess.Respond(context.Background(), "second")
	assert.Equal(t, status.ConcurrentRequests, status.CodeOf(err))

	for range snapCh {
	}
	assert.NoError(t, <-errCh)
}

// -------------------- Tool Recording --------------------

func TestSessionRespondRecordsToolTurns(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.ScriptToolCall("echo_tool", `{"text":"pong"}`)
	eng.AddResponse("ping", "{{index .results 0}}")

	echo := tool.NewFunc("echo_tool", "Echo the input", nil,
		func(_ context.Context, args map[string]any) (string, error) {
			return "echo: " + args["text"].(string), nil
		},
	)

	sess := New(eng, func(o *Options) {
		o.Tools = []engine.Tool{echo}
	})

	resp, err := sess.Respond(context.Background(), "ping")
	assert.NoError(t, err)
	assert.Equal(t, "echo: pong", resp.Content)

	tr := sess.Transcript()
	roles := make([]core.Role, 0, tr.Len())
	for _, entry := range tr.Entries {
		roles = append(roles, entry.Role)
	}
	assert.Equal(t, []core.Role{
		core.RoleInstructions,
		core.RoleUser,
		core.RoleResponse,
		core.RoleTool,
		core.RoleResponse,
	}, roles)

	callTurn := tr.Entries[2]
	assert.Len(t, callTurn.ToolCalls, 1)
	assert.Equal(t, "echo_tool", callTurn.ToolCalls[0].Name)

	toolEntry := tr.Entries[3]
	assert.Equal(t, "echo_tool", toolEntry.ToolName)
	assert.Equal(t, "echo: pong", toolEntry.Content)
	assert.Equal(t, callTurn.ToolCalls[0].ID, toolEntry.CallID)
}

// -------------------- Transcript Restore --------------------

func TestSessionTranscriptRestore(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.AddResponse("What is a hedgehog?", "A small spiny mammal.")

	original := New(eng, func(o *Options) {
		o.Instructions = "Answer briefly."
	})

	_, err := original.Respond(context.Background(), "What is a hedgehog?")
	assert.NoError(t, err)

	serialized, err := original.TranscriptJSON()
	assert.NoError(t, err)

	restoredTr, err := core.ParseTranscript(serialized)
	assert.NoError(t, err)

	capture := &captureEngine{resp: "ok"}
	restored := New(capture, func(o *Options) {
		o.Transcript = restoredTr
	})

	_, err = restored.Respond(context.Background(), "And where does it live?")
	assert.NoError(t, err)

	req := capture.last()
	assert.Equal(t, "Answer briefly.", req.Instructions, "restored transcript must supply the instructions")
	assert.Len(t, req.History, 2)
	assert.Equal(t, "What is a hedgehog?", req.History[0].Content)
	assert.Equal(t, "A small spiny mammal.", req.History[1].Content)
}
