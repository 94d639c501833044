package bridge

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/modelbridge/content"
	"github.com/hupe1980/modelbridge/engine"
	"github.com/hupe1980/modelbridge/handle"
	"github.com/hupe1980/modelbridge/internal/testutil"
	"github.com/hupe1980/modelbridge/session"
	"github.com/hupe1980/modelbridge/status"
)

// -------------------- Iteration --------------------

func TestStreamIterate(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.AddResponse("count", "12345")
	sess := session.New(eng)
	b := New()

	h, err := b.OpenStream(context.Background(), sess, "count")
	assert.NoError(t, err)
	assert.NotZero(t, h)

	rec := testutil.NewCallbackRecorder()
	assert.NoError(t, b.IterateStream(h, rec.Response))

	// Five cumulative snapshots plus the terminal marker.
	awaitDeliveries(t, rec, 6)
	time.Sleep(50 * time.Millisecond)

	codes, texts := rec.Codes(), rec.Texts()
	assert.Len(t, codes, 6)
	for i, want := range []string{"1", "12", "123", "1234", "12345"} {
		assert.Equal(t, status.Success, codes[i])
		if assert.NotNil(t, texts[i]) {
			assert.Equal(t, want, *texts[i])
		}
	}
	assert.Equal(t, status.Success, codes[5])
	assert.Nil(t, texts[5], "the terminal marker carries no content")

	// The finished exchange lands in the transcript.
	transcript := sess.Transcript()
	if assert.Len(t, transcript.Entries, 2) {
		assert.Equal(t, "12345", transcript.Entries[1].Content)
	}

	// The caller still owns the handle after completion.
	assert.NoError(t, b.Registry().Release(h))
}

func TestStreamWithSchema(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	sess := session.New(eng)
	b := New()

	h, err := b.OpenStreamWithSchema(context.Background(), sess, "Generate a hedgehog", testutil.HedgehogSchema())
	assert.NoError(t, err)

	rec := testutil.NewCallbackRecorder()
	assert.NoError(t, b.IterateStream(h, rec.Response))

	assert.True(t, testutil.WaitUntil(2*time.Second, func() bool {
		texts := rec.Texts()
		return len(texts) > 0 && texts[len(texts)-1] == nil
	}))

	codes, texts := rec.Codes(), rec.Texts()
	for _, code := range codes {
		assert.Equal(t, status.Success, code)
	}

	// Snapshots accumulate: every delivery extends the previous one.
	for i := 1; i < len(texts)-1; i++ {
		assert.True(t, strings.HasPrefix(*texts[i], *texts[i-1]))
	}

	final := texts[len(texts)-2]
	if assert.NotNil(t, final) {
		value, err := content.Parse(*final)
		assert.NoError(t, err)

		name, err := value.StringValue("name")
		assert.NoError(t, err)
		assert.Equal(t, "mock", name)

		age, err := value.IntValue("age")
		assert.NoError(t, err)
		assert.EqualValues(t, 0, age)
	}
}

func TestStreamOpenValidation(t *testing.T) {
	b := New()
	sess := session.New(engine.NewMock("demo", "mock"))

	_, err := b.OpenStream(context.Background(), nil, "x")
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	_, err = b.OpenStreamWithSchema(context.Background(), sess, "x", nil)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestStreamIterateUnknownHandle(t *testing.T) {
	b := New()
	err := b.IterateStream(handle.Handle(12345), func(status.Code, *string) {})
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestStreamIterateNilCallback(t *testing.T) {
	b := New()
	sess := session.New(engine.NewMock("demo", "mock"))

	h, err := b.OpenStream(context.Background(), sess, "x")
	assert.NoError(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(b.IterateStream(h, nil)))
}

func TestStreamIterateTwice(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	sess := session.New(eng)
	b := New()

	h, err := b.OpenStream(context.Background(), sess, "once")
	assert.NoError(t, err)

	rec := testutil.NewCallbackRecorder()
	assert.NoError(t, b.IterateStream(h, rec.Response))
	assert.Error(t, b.IterateStream(h, rec.Response), "streams iterate at most once")
}

func TestStreamReleaseBeforeIterate(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	sess := session.New(eng)
	b := New()

	h, err := b.OpenStream(context.Background(), sess, "x")
	assert.NoError(t, err)
	assert.NoError(t, b.Registry().Release(h))

	err = b.IterateStream(h, func(status.Code, *string) {})
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

// -------------------- Cancellation --------------------

func TestStreamCancelMidIteration(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.AddResponse("count", "12345")
	sess := session.New(eng)
	b := New()

	h, err := b.OpenStream(context.Background(), sess, "count")
	assert.NoError(t, err)

	v, ok := b.Registry().Resolve(h)
	assert.True(t, ok)
	st := v.(*stream)

	var mu sync.Mutex
	var codes []status.Code
	var texts []*string

	cb := func(code status.Code, text *string) {
		mu.Lock()
		codes = append(codes, code)
		texts = append(texts, text)
		n := len(codes)
		mu.Unlock()

		// Releasing the handle from inside a delivery tears the stream down.
		if n == 2 {
			assert.NoError(t, b.Registry().Release(h))
		}
	}

	assert.NoError(t, b.IterateStream(h, cb))

	select {
	case <-st.done:
	case <-time.After(2 * time.Second):
		t.Fatal("iteration task did not finish")
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if assert.Len(t, codes, 3) {
		assert.Equal(t, status.Success, codes[0])
		assert.Equal(t, "1", *texts[0])
		assert.Equal(t, status.Success, codes[1])
		assert.Equal(t, "12", *texts[1])
		assert.Equal(t, status.Cancelled, codes[2])
		assert.Nil(t, texts[2], "a cancelled stream never sees the terminal marker")
	}
}

func TestStreamCallerContextCancelled(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.SetDelay(time.Hour)
	sess := session.New(eng)
	b := New()

	ctx, cancel := context.WithCancel(context.Background())
	h, err := b.OpenStream(ctx, sess, "never")
	assert.NoError(t, err)

	rec := testutil.NewCallbackRecorder()
	assert.NoError(t, b.IterateStream(h, rec.Response))

	cancel()

	awaitDeliveries(t, rec, 1)
	time.Sleep(50 * time.Millisecond)

	codes := rec.Codes()
	assert.Len(t, codes, 1)
	assert.Equal(t, status.Cancelled, codes[0])
	assert.Nil(t, rec.Texts()[0])
}

// -------------------- Failure --------------------

func TestStreamEngineError(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.FailWith(status.RateLimited)
	sess := session.New(eng)
	b := New()

	h, err := b.OpenStream(context.Background(), sess, "x")
	assert.NoError(t, err)

	rec := testutil.NewCallbackRecorder()
	assert.NoError(t, b.IterateStream(h, rec.Response))

	awaitDeliveries(t, rec, 1)
	time.Sleep(50 * time.Millisecond)

	codes := rec.Codes()
	assert.Len(t, codes, 1, "a failed stream delivers no terminal marker")
	assert.Equal(t, status.RateLimited, codes[0])
	assert.Nil(t, rec.Texts()[0])
}

func TestStreamEngineUnknownError(t *testing.T) {
	sess := session.New(&failEngine{err: assert.AnError})
	b := New()

	h, err := b.OpenStream(context.Background(), sess, "x")
	assert.NoError(t, err)

	rec := testutil.NewCallbackRecorder()
	assert.NoError(t, b.IterateStream(h, rec.Response))

	awaitDeliveries(t, rec, 1)
	assert.Equal(t, status.Unknown, rec.Codes()[0])
	if assert.NotNil(t, rec.Texts()[0]) {
		assert.Equal(t, assert.AnError.Error(), *rec.Texts()[0])
	}
}

// -------------------- Hooks --------------------

func TestStreamSnapshotHook(t *testing.T) {
	eng := engine.NewMock("demo", "mock")
	eng.AddResponse("count", "123")
	sess := session.New(eng)

	var snapshots atomic.Int32
	hooks := NewHookManager()
	hooks.Register(NewFunctionHook(HookOnSnapshot, func(context.Context, *HookContext) error {
		snapshots.Add(1)
		return nil
	}))

	b := New(func(o *Options) {
		o.Hooks = hooks
	})

	h, err := b.OpenStream(context.Background(), sess, "count")
	assert.NoError(t, err)

	rec := testutil.NewCallbackRecorder()
	assert.NoError(t, b.IterateStream(h, rec.Response))

	awaitDeliveries(t, rec, 4)
	assert.EqualValues(t, 3, snapshots.Load(), "the snapshot hook fires per delivery, not for the terminal marker")
}

// -------------------- Terminal-Once Property --------------------

func TestStreamDeliveriesProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 30

	properties := gopter.NewProperties(params)

	properties.Property("a stream of n runes delivers n cumulative snapshots and one terminal marker", prop.ForAll(
		func(n int) bool {
			var sb strings.Builder
			for i := 0; i < n; i++ {
				sb.WriteByte(byte('a' + i%26))
			}
			text := sb.String()

			eng := engine.NewMock("demo", "mock")
			eng.AddResponse("gen", text)
			sess := session.New(eng)
			b := New()

			h, err := b.OpenStream(context.Background(), sess, "gen")
			if err != nil {
				return false
			}

			rec := testutil.NewCallbackRecorder()
			if err := b.IterateStream(h, rec.Response); err != nil {
				return false
			}

			if !testutil.WaitUntil(2*time.Second, func() bool { return rec.Len() >= n+1 }) {
				return false
			}
			time.Sleep(10 * time.Millisecond)

			codes, texts := rec.Codes(), rec.Texts()
			if len(codes) != n+1 {
				return false
			}
			for i := 0; i < n; i++ {
				if codes[i] != status.Success || texts[i] == nil || *texts[i] != text[:i+1] {
					return false
				}
			}
			return codes[n] == status.Success && texts[n] == nil
		},
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}
