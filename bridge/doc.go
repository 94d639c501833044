// Package bridge wraps session generations as cancellable asynchronous jobs
// and streams addressed by opaque handles.
//
// The bridge is the boundary layer of the module: callers hand in a session
// and a prompt, immediately get a handle back, and receive the outcome
// through a single callback on a bridge goroutine. Every outcome is
// normalized into one fixed contract tagged by a status code, so success,
// cooperative cancellation, typed engine failures and unknown failures all
// arrive the same way.
//
// # Jobs
//
// Respond, RespondWithSchema and RespondWithSchemaJSON start one engine
// round trip each. The job observes cancellation cooperatively at three
// checkpoints: before it starts, before the engine call, and before the
// completion callback. The engine call itself is not preemptible, so a job
// cancelled mid-flight still reports Cancelled rather than the result the
// engine produced. Exactly one callback fires per job, and the job handle is
// revoked after it. CancelJob is the cancellation path; releasing a job
// handle does not cancel anything.
//
// # Streams
//
// OpenStream and OpenStreamWithSchema register a stream, IterateStream
// starts its background task. The engine produces cumulative snapshots, each
// re-sending the full content so far, and the task re-delivers every one
// through the callback in generation order, checking cancellation before
// each delivery. Natural exhaustion ends with exactly one terminal callback
// (Success with nil content); a cancelled stream ends with one Cancelled
// callback instead, never both. The task holds the session and the snapshot
// sequence for its entire lifetime, and releasing the stream handle is the
// only teardown path: the registry closes the stream, which cancels the
// task.
//
// # Hooks
//
// A HookManager can observe the lifecycle (before/after job, before/after
// engine call, cancellation, snapshot delivery). Before-hooks may abort a
// job by returning an error; all other hook failures are logged and ignored.
//
// # Ordering
//
// Within one stream, callbacks arrive in generation order. Across
// independent jobs and streams there is no ordering guarantee.
//
// Example:
//
//	b := bridge.New(func(o *bridge.Options) {
//	    o.MaxConcurrentJobs = 4
//	})
//
//	h, err := b.OpenStream(ctx, sess, "Write a haiku about hedgehogs.")
//	if err != nil {
//	    return err
//	}
//	defer b.Registry().Release(h)
//
//	err = b.IterateStream(h, func(code status.Code, snapshot *string) {
//	    switch {
//	    case code == status.Success && snapshot != nil:
//	        render(*snapshot)
//	    case code == status.Success:
//	        markDone() // terminal marker
//	    default:
//	        markFailed(code)
//	    }
//	})
package bridge
