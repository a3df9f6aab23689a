// Package detached runs fire-and-forget work that must not hold up the
// caller, while still being owned by something that can log its failures
// and wait for it on shutdown.
package detached

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/growilabs/slackbot-proxy/pkg/clog"
	"github.com/growilabs/slackbot-proxy/pkg/panicerr"
)

type Option func(*Runner)

// WithTaskTimeout bounds every task started by the runner.
func WithTaskTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.timeout = d
	}
}

// WithErrorHandler is called after a task fails, in addition to logging.
func WithErrorHandler(fn func(name string, err error)) Option {
	return func(r *Runner) {
		r.onError = fn
	}
}

// Runner owns background tasks. Tasks get a context derived from the runner,
// not from the caller, so they outlive the request that scheduled them.
type Runner struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *conc.WaitGroup
	timeout time.Duration
	onError func(name string, err error)

	mu     sync.Mutex
	closed bool
}

func NewRunner(opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		ctx:    ctx,
		cancel: cancel,
		wg:     conc.NewWaitGroup(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Go schedules fn and returns immediately. It reports false if the runner
// has already been closed, in which case fn is not run.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		slog.Warn("detached task dropped after shutdown", "task", name)
		return false
	}

	safe := panicerr.SafeContext(fn)
	r.wg.Go(func() {
		ctx := clog.ContextWithSlog(r.ctx)
		clog.AddAttribute(ctx, "task", name)
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		if err := safe(ctx); err != nil {
			clog.AddError(ctx, err)
			slog.ErrorContext(ctx, "detached task failed")
			if r.onError != nil {
				r.onError(name, err)
			}
		}
	})
	return true
}

// Close cancels running tasks and waits for them to return.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every scheduled task has returned, without cancelling them.
func (r *Runner) Wait() {
	r.wg.Wait()
}
