package modelbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/modelbridge/content"
	"github.com/hupe1980/modelbridge/core"
	"github.com/hupe1980/modelbridge/engine"
	"github.com/hupe1980/modelbridge/handle"
	"github.com/hupe1980/modelbridge/internal/testutil"
	"github.com/hupe1980/modelbridge/session"
	"github.com/hupe1980/modelbridge/status"
	"github.com/hupe1980/modelbridge/tool"
)

// -------------------- Construction --------------------

func TestNewDefaults(t *testing.T) {
	mb := New()

	assert.NotNil(t, mb.Registry())
	assert.True(t, mb.Availability(context.Background()).Available)

	h := mb.NewSession()
	assert.NotZero(t, h)

	sess, err := mb.Session(h)
	assert.NoError(t, err)
	assert.NotEmpty(t, sess.ID())
}

func TestSessionHandleLifecycle(t *testing.T) {
	mb := New()

	h := mb.NewSession()
	assert.NoError(t, mb.Registry().Release(h))

	_, err := mb.Session(h)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestRegisterSession(t *testing.T) {
	mb := New()

	own := session.New(engine.NewMock("own", "mock"))
	h, err := mb.RegisterSession(own)
	assert.NoError(t, err)

	got, err := mb.Session(h)
	assert.NoError(t, err)
	assert.Equal(t, own.ID(), got.ID())

	_, err = mb.RegisterSession(nil)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestRegisterSchema(t *testing.T) {
	mb := New()

	h, err := mb.RegisterSchema(testutil.HedgehogSchema())
	assert.NoError(t, err)

	sc, err := mb.Schema(h)
	assert.NoError(t, err)
	assert.Equal(t, "Hedgehog", sc.Name())

	// A schema handle does not resolve as a session, and vice versa.
	_, err = mb.Session(h)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	_, err = mb.Schema(mb.NewSession())
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	_, err = mb.RegisterSchema(nil)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestAvailabilityPassthrough(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.SetAvailability(core.Unavailable(core.ReasonModelNotReady))

	mb := New(func(o *Options) {
		o.Engine = eng
	})

	av := mb.Availability(context.Background())
	assert.False(t, av.Available)
	assert.Equal(t, core.ReasonModelNotReady, av.Reason)
}

// -------------------- Jobs --------------------

func TestRespondSync(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.AddResponse("hello", "Hello there!")

	mb := New(func(o *Options) {
		o.Engine = eng
	})

	text, err := mb.RespondSync(context.Background(), mb.NewSession(), "hello")
	assert.NoError(t, err)
	assert.Equal(t, "Hello there!", text)
}

func TestRespondSyncEngineFailure(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.FailWith(status.RateLimited)

	mb := New(func(o *Options) {
		o.Engine = eng
	})

	_, err := mb.RespondSync(context.Background(), mb.NewSession(), "hello")
	assert.Equal(t, status.RateLimited, status.CodeOf(err))
}

func TestRespondSyncUnknownSession(t *testing.T) {
	mb := New()

	_, err := mb.RespondSync(context.Background(), handle.Handle(999), "hello")
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestRespondAsync(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.AddResponse("hello", "Hello there!")

	mb := New(func(o *Options) {
		o.Engine = eng
	})

	rec := testutil.NewCallbackRecorder()
	jobHandle, err := mb.Respond(context.Background(), mb.NewSession(), "hello", rec.Response)
	assert.NoError(t, err)
	assert.NotZero(t, jobHandle)

	assert.True(t, testutil.WaitUntil(2*time.Second, func() bool { return rec.Len() == 1 }))
	assert.Equal(t, status.Success, rec.Codes()[0])
}

func TestCancelJob(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.SetDelay(300 * time.Millisecond)

	mb := New(func(o *Options) {
		o.Engine = eng
	})

	rec := testutil.NewCallbackRecorder()
	jobHandle, err := mb.Respond(context.Background(), mb.NewSession(), "slow", rec.Response)
	assert.NoError(t, err)
	assert.NoError(t, mb.CancelJob(jobHandle))

	assert.True(t, testutil.WaitUntil(2*time.Second, func() bool { return rec.Len() == 1 }))
	assert.Equal(t, status.Cancelled, rec.Codes()[0])
}

// -------------------- Guided Jobs --------------------

func TestRespondWithSchemaSync(t *testing.T) {
	mb := New()

	value, err := mb.RespondWithSchemaSync(context.Background(), mb.NewSession(), "Generate a hedgehog", testutil.HedgehogSchema())
	assert.NoError(t, err)

	name, err := value.StringValue("name")
	assert.NoError(t, err)
	assert.Equal(t, "mock", name)
}

func TestRespondWithSchemaJSONAsync(t *testing.T) {
	mb := New()

	schemaHandle, err := mb.RegisterSchema(testutil.PersonSchema())
	assert.NoError(t, err)

	sc, err := mb.Schema(schemaHandle)
	assert.NoError(t, err)

	schemaJSON, err := sc.JSON()
	assert.NoError(t, err)

	rec := testutil.NewCallbackRecorder()
	_, err = mb.RespondWithSchemaJSON(context.Background(), mb.NewSession(), "Generate a person", schemaJSON, rec.Structured)
	assert.NoError(t, err)

	assert.True(t, testutil.WaitUntil(2*time.Second, func() bool { return rec.Len() == 1 }))
	assert.Equal(t, status.Success, rec.Codes()[0])
	assert.NotNil(t, rec.Values()[0])
}

// -------------------- Streams --------------------

func TestStreamThroughFacade(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.AddResponse("count", "123")

	mb := New(func(o *Options) {
		o.Engine = eng
	})

	streamHandle, err := mb.OpenStream(context.Background(), mb.NewSession(), "count")
	assert.NoError(t, err)

	rec := testutil.NewCallbackRecorder()
	assert.NoError(t, mb.IterateStream(streamHandle, rec.Response))

	assert.True(t, testutil.WaitUntil(2*time.Second, func() bool { return rec.Len() == 4 }))

	texts := rec.Texts()
	for i, want := range []string{"1", "12", "123"} {
		if assert.NotNil(t, texts[i]) {
			assert.Equal(t, want, *texts[i])
		}
	}
	assert.Nil(t, texts[3])

	assert.NoError(t, mb.Registry().Release(streamHandle))
}

func TestStreamWithSchemaThroughFacade(t *testing.T) {
	mb := New()

	streamHandle, err := mb.OpenStreamWithSchema(context.Background(), mb.NewSession(), "Generate a hedgehog", testutil.HedgehogSchema())
	assert.NoError(t, err)

	rec := testutil.NewCallbackRecorder()
	assert.NoError(t, mb.IterateStream(streamHandle, rec.Response))

	assert.True(t, testutil.WaitUntil(2*time.Second, func() bool {
		texts := rec.Texts()
		return len(texts) > 0 && texts[len(texts)-1] == nil
	}))

	texts := rec.Texts()
	final := texts[len(texts)-2]
	if assert.NotNil(t, final) {
		value, err := content.Parse(*final)
		assert.NoError(t, err)
		assert.True(t, value.Exists("name"))
	}
}

// -------------------- Tool Calls --------------------

func TestFinishToolCallUnknownID(t *testing.T) {
	mb := New()

	echo := tool.NewBridged("echo", "Echoes back", nil, func(context.Context, *content.Generated, uint64) {})

	// Unknown ids and nil adapters are silent no-ops.
	mb.FinishToolCall(echo, 999, "late")
	assert.Equal(t, 0, echo.PendingCalls())

	mb.FinishToolCall(nil, 1, "x")
}

func TestFinishToolCallResumesInvocation(t *testing.T) {
	mb := New()

	var callID uint64
	gotArgs := make(chan string, 1)

	lookup := tool.NewBridged("lookup", "Looks things up", nil,
		func(_ context.Context, args *content.Generated, id uint64) {
			callID = id
			city, _ := args.StringValue("city")
			gotArgs <- city
		},
	)

	resultCh := make(chan string, 1)
	go func() {
		args, _ := content.Parse(`{"city":"Berlin"}`)
		result, err := lookup.Invoke(context.Background(), args)
		assert.NoError(t, err)
		resultCh <- result
	}()

	assert.Equal(t, "Berlin", <-gotArgs)
	mb.FinishToolCall(lookup, callID, "sunny")
	assert.Equal(t, "sunny", <-resultCh)
}
