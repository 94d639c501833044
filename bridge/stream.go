package bridge

import (
	"context"
	"sync"

	"github.com/hupe1980/modelbridge/engine"
	"github.com/hupe1980/modelbridge/handle"
	"github.com/hupe1980/modelbridge/schema"
	"github.com/hupe1980/modelbridge/session"
	"github.com/hupe1980/modelbridge/status"
)

// stream is the registry value behind a stream handle. It implements
// io.Closer so releasing the last reference tears the iteration down: the
// registry close cancels the task context, and the background task then
// delivers its cancellation callback at the next checkpoint. The task itself
// keeps the session and the snapshot channels alive for its whole run.
type stream struct {
	sess   *session.Session
	prompt string
	schema *schema.Schema

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	iterating bool

	done chan struct{} // closed when the iteration task ends
}

// Close implements io.Closer for registry teardown. It never blocks on the
// running task and is safe to call more than once.
func (s *stream) Close() error {
	s.cancel()
	return nil
}

// open starts the engine-side stream under the task context.
func (s *stream) open() (<-chan engine.Snapshot, <-chan error) {
	if s.schema != nil {
		return s.sess.StreamWithSchema(s.ctx, s.prompt, s.schema)
	}
	return s.sess.Stream(s.ctx, s.prompt)
}

// OpenStream prepares a streaming generation against sess and returns the
// stream handle. No engine work starts until IterateStream attaches a
// callback. Releasing the handle is the teardown path for the stream; there
// is no separate stop operation. Cancelling ctx tears the stream down the
// same way.
func (b *Bridge) OpenStream(ctx context.Context, sess *session.Session, prompt string) (handle.Handle, error) {
	return b.openStream(ctx, sess, prompt, nil)
}

// OpenStreamWithSchema prepares a streaming guided generation whose
// snapshots accumulate toward JSON conforming to sc.
func (b *Bridge) OpenStreamWithSchema(ctx context.Context, sess *session.Session, prompt string, sc *schema.Schema) (handle.Handle, error) {
	if sc == nil {
		return 0, status.Errorf(status.InvalidArgument, "bridge: nil schema")
	}
	return b.openStream(ctx, sess, prompt, sc)
}

func (b *Bridge) openStream(ctx context.Context, sess *session.Session, prompt string, sc *schema.Schema) (handle.Handle, error) {
	if sess == nil {
		return 0, status.Errorf(status.InvalidArgument, "bridge: nil session")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	st := &stream{
		sess:   sess,
		prompt: prompt,
		schema: sc,
		ctx:    streamCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	h := b.registry.Register(st)
	b.logger.Debug("stream opened", "stream", uint64(h), "session_id", sess.ID())
	return h, nil
}

// IterateStream attaches cb to the stream behind h and starts its background
// iteration task. Each cumulative snapshot arrives as one Success callback
// carrying the full content so far; natural exhaustion delivers exactly one
// terminal callback with Success and nil content; a cancelled stream
// delivers one Cancelled callback instead of the terminal marker, never
// both. Cancellation is checked before every delivery. Callbacks run on a
// bridge goroutine in generation order, never on the caller's.
//
// A stream iterates at most once; a second IterateStream on the same handle
// returns an error.
func (b *Bridge) IterateStream(h handle.Handle, cb ResponseCallback) error {
	if cb == nil {
		return status.Errorf(status.InvalidArgument, "bridge: nil callback")
	}

	v, ok := b.registry.Resolve(h)
	if !ok {
		return status.Errorf(status.InvalidArgument, "bridge: stream %d not found", h)
	}
	st, ok := v.(*stream)
	if !ok {
		return status.Errorf(status.InvalidArgument, "bridge: handle %d is not a stream", h)
	}

	st.mu.Lock()
	if st.iterating {
		st.mu.Unlock()
		return status.Errorf(status.InvalidArgument, "bridge: stream %d already iterating", h)
	}
	st.iterating = true
	st.mu.Unlock()

	go b.iterate(st, h, cb)
	return nil
}

// iterate consumes the snapshot sequence and re-delivers it through cb.
func (b *Bridge) iterate(st *stream, h handle.Handle, cb ResponseCallback) {
	defer close(st.done)

	snapCh, errCh := st.open()

	seq := 0
	for {
		select {
		case <-st.ctx.Done():
			b.deliverStreamCancel(st, h, cb)
			return

		case snap, ok := <-snapCh:
			if !ok {
				b.finishStream(st, h, cb, <-errCh, seq)
				return
			}

			// Cancellation is checked before every delivery.
			if st.ctx.Err() != nil {
				b.deliverStreamCancel(st, h, cb)
				return
			}

			if err := b.notify(st.ctx, HookOnSnapshot, HookContext{Handle: h, SessionID: st.sess.ID(), Prompt: st.prompt, Snapshot: seq}); err != nil {
				b.logger.Warn("snapshot hook failed", "stream", uint64(h), "error", err.Error())
			}

			text := snap.Content
			cb(status.Success, &text)
			seq++
		}
	}
}

// finishStream delivers the single final callback once the snapshot channel
// has closed: the terminal marker, a cancellation, or a mapped engine error.
func (b *Bridge) finishStream(st *stream, h handle.Handle, cb ResponseCallback, err error, seq int) {
	switch {
	case err == nil:
		if st.ctx.Err() != nil {
			b.deliverStreamCancel(st, h, cb)
			return
		}
		cb(status.Success, nil) // terminal marker
		b.logger.Debug("stream completed", "stream", uint64(h), "snapshots", seq)

	case status.CodeOf(err) == status.Cancelled:
		b.deliverStreamCancel(st, h, cb)

	default:
		code, res := failure(err)
		cb(code, res.text)
		b.logger.Error("stream failed",
			"stream", uint64(h),
			"code", code.String(),
			"error", err.Error(),
		)
	}
}

func (b *Bridge) deliverStreamCancel(st *stream, h handle.Handle, cb ResponseCallback) {
	cb(status.Cancelled, nil)

	if err := b.notify(context.Background(), HookOnCancel, HookContext{Handle: h, SessionID: st.sess.ID(), Code: status.Cancelled}); err != nil {
		b.logger.Warn("cancel hook failed", "stream", uint64(h), "error", err.Error())
	}

	b.logger.Debug("stream cancelled", "stream", uint64(h))
}
