package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"callkit-voip/internal/scheduler"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// Operation is one attempt of a fallible platform call.
type Operation func(ctx context.Context) error

// Callbacks report progress. All fields are optional.
type Callbacks struct {
	// OnRetry is called after a failed attempt that will be retried.
	// attempt is the 1-based number of the attempt that failed.
	OnRetry   func(attempt int, err error)
	OnSuccess func()
	OnFailure func(lastErr error)
}

// Executor runs an operation with bounded retries and exponential backoff.
//
// The first attempt runs on the caller's goroutine. Every later attempt is
// scheduled on the shared scheduler after BaseDelay * 2^(attempt-1), so the
// caller is never blocked while waiting.
type Executor struct {
	Sched       scheduler.Scheduler
	MaxAttempts int
	BaseDelay   time.Duration
	Log         *slog.Logger
}

func NewExecutor(sched scheduler.Scheduler, maxAttempts int, baseDelay time.Duration, log *slog.Logger) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{Sched: sched, MaxAttempts: maxAttempts, BaseDelay: baseDelay, Log: log}
}

// Run starts op. Completion is reported through cb.
func (e *Executor) Run(ctx context.Context, name string, op Operation, cb Callbacks) {
	e.attempt(ctx, name, op, cb, 1)
}

func (e *Executor) attempt(ctx context.Context, name string, op Operation, cb Callbacks, n int) {
	if err := ctx.Err(); err != nil {
		e.fail(cb, err)
		return
	}

	err := op(ctx)
	if err == nil {
		if cb.OnSuccess != nil {
			cb.OnSuccess()
		}
		return
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		e.Log.Warn("operation failed permanently", "op", name, "attempt", n, "err", perm.err)
		e.fail(cb, perm.err)
		return
	}
	if n >= e.MaxAttempts {
		e.Log.Error("max retries reached, giving up", "op", name, "attempts", n, "err", err)
		e.fail(cb, err)
		return
	}

	delay := e.Backoff(n)
	e.Log.Warn("operation failed, retrying", "op", name, "attempt", n, "max_attempts", e.MaxAttempts, "delay", delay, "err", err)
	if cb.OnRetry != nil {
		cb.OnRetry(n, err)
	}
	e.Sched.AfterFunc(delay, func() {
		e.attempt(ctx, name, op, cb, n+1)
	})
}

func (e *Executor) fail(cb Callbacks, err error) {
	if cb.OnFailure != nil {
		cb.OnFailure(err)
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (e *Executor) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return e.BaseDelay << (attempt - 1)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }
