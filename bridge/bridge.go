package bridge

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/modelbridge/content"
	"github.com/hupe1980/modelbridge/handle"
	"github.com/hupe1980/modelbridge/logging"
	"github.com/hupe1980/modelbridge/schema"
	"github.com/hupe1980/modelbridge/session"
	"github.com/hupe1980/modelbridge/status"
)

// ResponseCallback receives the outcome of a free-text job or one stream
// delivery. For jobs, content carries the generated text on Success and the
// original diagnostic text on Unknown; it is nil for every other code. For
// streams, a Success callback with non-nil content is a cumulative snapshot
// and a Success callback with nil content is the terminal end-of-stream
// marker.
type ResponseCallback func(code status.Code, content *string)

// StructuredCallback receives the outcome of a guided job. value is non-nil
// only on Success; failure diagnostics travel through the status code and
// the bridge log.
type StructuredCallback func(code status.Code, value *content.Generated)

// Options configures a Bridge instance.
type Options struct {
	// Registry issues and resolves the handles the bridge hands out.
	// Defaults to a fresh registry private to this bridge.
	Registry *handle.Registry

	// MaxConcurrentJobs caps how many jobs may run engine calls at the
	// same time. Jobs beyond the cap wait before their engine call.
	// Zero means no limit.
	MaxConcurrentJobs int

	// Hooks receives lifecycle notifications for jobs and streams.
	// Defaults to an empty manager.
	Hooks *HookManager

	// Logger receives job and stream lifecycle output.
	// Defaults to NoOpLogger.
	Logger logging.Logger
}

// Bridge turns session generations into cancellable asynchronous jobs and
// streams addressed by opaque handles.
//
// Every operation returns its handle immediately and performs the engine
// round trip on a bridge goroutine. The outcome arrives through a single
// callback, tagged with a status code, and the callback never runs on the
// caller's goroutine. Jobs observe cancellation cooperatively: it is checked
// before the job starts, before the engine call, and again before the
// completion callback, so a cancelled job reports Cancelled even when the
// engine call itself already finished. The engine call is not preemptible
// in between.
//
// Job handles stay resolvable while the job runs and are revoked once the
// callback has fired; CancelJob is the only operation callers owe a job
// handle. Stream handles are owned by the caller, and releasing one is the
// teardown path for its iteration.
//
// Example:
//
//	b := bridge.New()
//	sess := session.New(eng)
//
//	done := make(chan struct{})
//	h, err := b.Respond(ctx, sess, "Tell me about hedgehogs.",
//	    func(code status.Code, text *string) {
//	        if code == status.Success {
//	            fmt.Println(*text)
//	        }
//	        close(done)
//	    })
//	if err != nil {
//	    return err
//	}
//	_ = h // use for CancelJob
//	<-done
type Bridge struct {
	// Collaborators - immutable after construction
	registry *handle.Registry    // Handle minting and resolution
	hooks    *HookManager        // Lifecycle hook registry
	logger   logging.Logger      // Structured logging interface
	sem      *semaphore.Weighted // Bounds concurrent engine calls, nil when unlimited

	// Active job tracking - protected by jobsMu
	jobs   map[handle.Handle]context.CancelFunc // Cancellation functions by job handle
	jobsMu sync.Mutex
}

// New creates a Bridge with the given options applied over the defaults.
func New(optFns ...func(o *Options)) *Bridge {
	opts := Options{
		Registry: handle.NewRegistry(),
		Hooks:    NewHookManager(),
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	b := &Bridge{
		registry: opts.Registry,
		hooks:    opts.Hooks,
		logger:   opts.Logger,
		jobs:     make(map[handle.Handle]context.CancelFunc),
	}

	if opts.MaxConcurrentJobs > 0 {
		b.sem = semaphore.NewWeighted(int64(opts.MaxConcurrentJobs))
	}

	return b
}

// Registry returns the handle registry this bridge mints from, so embedders
// can resolve, retain and release handles themselves.
func (b *Bridge) Registry() *handle.Registry { return b.registry }

// ActiveJobs returns the number of jobs whose callbacks have not fired yet.
func (b *Bridge) ActiveJobs() int {
	b.jobsMu.Lock()
	defer b.jobsMu.Unlock()
	return len(b.jobs)
}

// Respond starts a free-text generation job against sess and returns its job
// handle immediately. Exactly one callback fires per job: Success with the
// generated text, Cancelled, a typed engine code, or Unknown with the
// original diagnostic text. Cancelling ctx cancels the job the same way
// CancelJob does.
func (b *Bridge) Respond(ctx context.Context, sess *session.Session, prompt string, cb ResponseCallback) (handle.Handle, error) {
	if cb == nil {
		return 0, status.Errorf(status.InvalidArgument, "bridge: nil callback")
	}

	return b.startJob(ctx, sess, prompt,
		func(jobCtx context.Context) (jobResult, error) {
			resp, err := sess.Respond(jobCtx, prompt)
			if err != nil {
				return jobResult{}, err
			}
			return jobResult{text: &resp.Content}, nil
		},
		func(code status.Code, res jobResult) {
			cb(code, res.text)
		})
}

// RespondWithSchema starts a guided generation job whose Success callback
// carries a value conforming to sc. See Respond for the job lifecycle.
func (b *Bridge) RespondWithSchema(ctx context.Context, sess *session.Session, prompt string, sc *schema.Schema, cb StructuredCallback) (handle.Handle, error) {
	if cb == nil {
		return 0, status.Errorf(status.InvalidArgument, "bridge: nil callback")
	}
	if sc == nil {
		return 0, status.Errorf(status.InvalidArgument, "bridge: nil schema")
	}

	return b.startJob(ctx, sess, prompt,
		func(jobCtx context.Context) (jobResult, error) {
			value, err := sess.RespondWithSchema(jobCtx, prompt, sc)
			if err != nil {
				return jobResult{}, err
			}
			return jobResult{value: value}, nil
		},
		func(code status.Code, res jobResult) {
			cb(code, res.value)
		})
}

// RespondWithSchemaJSON is RespondWithSchema for callers that already hold
// the schema as JSON Schema text.
func (b *Bridge) RespondWithSchemaJSON(ctx context.Context, sess *session.Session, prompt, schemaJSON string, cb StructuredCallback) (handle.Handle, error) {
	if cb == nil {
		return 0, status.Errorf(status.InvalidArgument, "bridge: nil callback")
	}
	if schemaJSON == "" {
		return 0, status.Errorf(status.InvalidArgument, "bridge: empty schema JSON")
	}

	return b.startJob(ctx, sess, prompt,
		func(jobCtx context.Context) (jobResult, error) {
			value, err := sess.RespondWithSchemaJSON(jobCtx, prompt, schemaJSON)
			if err != nil {
				return jobResult{}, err
			}
			return jobResult{value: value}, nil
		},
		func(code status.Code, res jobResult) {
			cb(code, res.value)
		})
}

// CancelJob requests cooperative cancellation of a running job. The job's
// callback then fires with Cancelled at its next checkpoint. Unknown and
// already finished handles return an error. Releasing a job handle does not
// cancel the job; this is the cancellation path.
func (b *Bridge) CancelJob(h handle.Handle) error {
	b.jobsMu.Lock()
	cancel, exists := b.jobs[h]
	b.jobsMu.Unlock()

	if !exists {
		return status.Errorf(status.InvalidArgument, "bridge: job %d not found", h)
	}

	cancel()

	if err := b.notify(context.Background(), HookOnCancel, HookContext{Handle: h, Code: status.Cancelled}); err != nil {
		b.logger.Warn("cancel hook failed", "job", uint64(h), "error", err.Error())
	}

	b.logger.Debug("job cancel requested", "job", uint64(h))
	return nil
}

// job is the registry entry behind a live job handle.
type job struct {
	sessionID string
	started   time.Time
}

// jobResult carries whichever payload the job variant produced.
type jobResult struct {
	text  *string
	value *content.Generated
}

// runFunc performs the engine round trip for one job variant.
type runFunc func(ctx context.Context) (jobResult, error)

// deliverFunc hands a finished job's outcome to the caller-facing callback.
type deliverFunc func(code status.Code, res jobResult)

// startJob registers the job, tracks its cancel function and spawns the
// goroutine that runs it. The goroutine owns the callback: it delivers
// exactly once and then revokes the job handle.
func (b *Bridge) startJob(ctx context.Context, sess *session.Session, prompt string, run runFunc, deliver deliverFunc) (handle.Handle, error) {
	if sess == nil {
		return 0, status.Errorf(status.InvalidArgument, "bridge: nil session")
	}

	jobCtx, cancel := context.WithCancel(ctx)

	started := time.Now()
	h := b.registry.Register(&job{sessionID: sess.ID(), started: started})

	b.jobsMu.Lock()
	b.jobs[h] = cancel
	b.jobsMu.Unlock()

	b.logger.Debug("job started", "job", uint64(h), "session_id", sess.ID())

	go func() {
		defer func() {
			cancel()
			b.jobsMu.Lock()
			delete(b.jobs, h)
			b.jobsMu.Unlock()
			_ = b.registry.Release(h) // job handles die with their callback
		}()

		code, res := b.runJob(jobCtx, h, sess.ID(), prompt, run)

		// A cancellation observed after the engine call still wins: the
		// callback never reports success for a cancelled job.
		if jobCtx.Err() != nil {
			code, res = status.Cancelled, jobResult{}
		}

		if err := b.notify(jobCtx, HookAfterJob, HookContext{Handle: h, SessionID: sess.ID(), Prompt: prompt, Code: code}); err != nil {
			b.logger.Warn("after-job hook failed", "job", uint64(h), "error", err.Error())
		}

		deliver(code, res)

		b.logger.Debug("job finished",
			"job", uint64(h),
			"code", code.String(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}()

	return h, nil
}

// runJob walks one job through its checkpoints and returns the outcome.
func (b *Bridge) runJob(ctx context.Context, h handle.Handle, sessionID, prompt string, run runFunc) (status.Code, jobResult) {
	// Cancellation checkpoint before any work starts.
	if ctx.Err() != nil {
		return status.Cancelled, jobResult{}
	}

	if err := b.notify(ctx, HookBeforeJob, HookContext{Handle: h, SessionID: sessionID, Prompt: prompt}); err != nil {
		b.logger.Warn("before-job hook aborted job", "job", uint64(h), "error", err.Error())
		return failure(err)
	}

	if b.sem != nil {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			return status.Cancelled, jobResult{}
		}
		defer b.sem.Release(1)
	}

	if err := b.notify(ctx, HookBeforeEngine, HookContext{Handle: h, SessionID: sessionID, Prompt: prompt}); err != nil {
		b.logger.Warn("before-engine hook aborted job", "job", uint64(h), "error", err.Error())
		return failure(err)
	}

	// Cancellation checkpoint before the engine call.
	if ctx.Err() != nil {
		return status.Cancelled, jobResult{}
	}

	res, err := run(ctx)

	code := status.Success
	if err != nil {
		code, res = failure(err)
		b.logger.Error("job engine call failed",
			"job", uint64(h),
			"session_id", sessionID,
			"code", code.String(),
			"error", err.Error(),
		)
	}

	if hookErr := b.notify(ctx, HookAfterEngine, HookContext{Handle: h, SessionID: sessionID, Prompt: prompt, Code: code}); hookErr != nil {
		b.logger.Warn("after-engine hook failed", "job", uint64(h), "error", hookErr.Error())
	}

	return code, res
}

// notify runs the hooks registered for t with hc stamped to that type.
func (b *Bridge) notify(ctx context.Context, t HookType, hc HookContext) error {
	hc.HookType = t
	return b.hooks.Execute(ctx, t, &hc)
}

// failure maps an error onto the callback contract. Unknown failures keep
// their original text so diagnostics survive the boundary.
func failure(err error) (status.Code, jobResult) {
	code := status.CodeOf(err)
	if code == status.Unknown {
		msg := err.Error()
		return code, jobResult{text: &msg}
	}
	return code, jobResult{}
}
