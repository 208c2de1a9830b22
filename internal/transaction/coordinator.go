package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nerrad567/till-core/internal/infrastructure/database"
	"github.com/nerrad567/till-core/internal/infrastructure/logging"
	"github.com/nerrad567/till-core/internal/store"
)

// Default retry policy.
const (
	DefaultRetryCount  = 3
	DefaultTimeout     = 10 * time.Second
	DefaultBackoffStep = 500 * time.Millisecond
)

// Queue is the part of store.Manager the Coordinator needs.
type Queue interface {
	EnsureInitialized(ctx context.Context) error
	Enqueue(ctx context.Context, op store.Operation) (any, error)
}

// Func is a unit of work run inside one transaction attempt. It must use
// tx for every statement and honour ctx, which carries the attempt deadline.
type Func func(ctx context.Context, tx database.Execer) error

// Outcome labels how an attempt (or the whole transaction) ended.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeExhausted  Outcome = "exhausted"
)

// Recorder receives attempt outcomes. The InfluxDB client implements it.
type Recorder interface {
	RecordTransaction(outcome Outcome, attempt int, elapsed time.Duration)
}

// Options is the per-call retry policy.
type Options struct {
	// RetryCount is the total number of attempts.
	RetryCount int

	// Timeout is the deadline for each attempt.
	Timeout time.Duration

	// BackoffStep is multiplied by the attempt number between attempts.
	BackoffStep time.Duration
}

// DefaultOptions returns 3 attempts, a 10s deadline and 500ms backoff steps.
func DefaultOptions() Options {
	return Options{
		RetryCount:  DefaultRetryCount,
		Timeout:     DefaultTimeout,
		BackoffStep: DefaultBackoffStep,
	}
}

// Option overrides the policy for one call.
type Option func(*Options)

// WithRetryCount sets the number of attempts.
func WithRetryCount(n int) Option {
	return func(o *Options) { o.RetryCount = n }
}

// WithTimeout sets the per-attempt deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithBackoffStep sets the backoff step.
func WithBackoffStep(d time.Duration) Option {
	return func(o *Options) { o.BackoffStep = d }
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithDefaults sets the policy used when a call passes no options.
func WithDefaults(o Options) CoordinatorOption {
	return func(c *Coordinator) { c.defaults = o }
}

// WithLogger sets the logger. The Coordinator adds component=transaction.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRecorder sets where attempt outcomes are reported.
func WithRecorder(r Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.recorder = r }
}

// WithSleep replaces the backoff wait. It must return early with
// ctx.Err() when ctx is done.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) CoordinatorOption {
	return func(c *Coordinator) { c.sleep = sleep }
}

// Coordinator runs multi-statement units of work as serialized,
// retried, deadline-bounded transactions.
//
// The whole attempt loop for one call occupies a single queue entry, so
// no other operation interleaves with its BEGIN..COMMIT.
type Coordinator struct {
	queue    Queue
	defaults Options
	logger   *slog.Logger
	recorder Recorder
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Coordinator over queue.
func New(queue Queue, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		queue:    queue,
		defaults: DefaultOptions(),
		logger:   logging.Discard(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "transaction")
	return c
}

// WithTransaction runs fn inside BEGIN TRANSACTION .. COMMIT.
//
// Each attempt gets its own deadline. When fn fails, when COMMIT fails, or
// when the deadline passes first (*TimeoutError), the attempt is rolled
// back and, while attempts remain, retried after BackoffStep × attempt.
// Rollback failures are logged, never returned. Once every attempt has
// failed the last error is returned inside *RetryExhaustedError.
//
// The handle passed to fn stops working when its attempt ends; statements
// issued through it afterwards fail with ErrAttemptAbandoned.
func (c *Coordinator) WithTransaction(ctx context.Context, fn Func, opts ...Option) error {
	o := c.defaults
	for _, opt := range opts {
		opt(&o)
	}
	if o.RetryCount < 1 {
		o.RetryCount = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}

	if err := c.queue.EnsureInitialized(ctx); err != nil {
		return err
	}

	_, err := c.queue.Enqueue(ctx, func(ctx context.Context, ex database.Execer) (any, error) {
		return nil, c.run(ctx, ex, fn, o)
	})
	return err
}

// WithLoggingTransaction is WithTransaction with start and elapsed logging.
func (c *Coordinator) WithLoggingTransaction(ctx context.Context, description string, fn Func, opts ...Option) error {
	start := time.Now()
	c.logger.Debug("transaction started", "description", description)

	err := c.WithTransaction(ctx, fn, opts...)
	if err != nil {
		c.logger.Error("transaction failed",
			"description", description,
			"elapsed", time.Since(start),
			"error", err,
		)
		return err
	}

	c.logger.Info("transaction completed", "description", description, "elapsed", time.Since(start))
	return nil
}

// Value runs fn in a transaction and returns its result once committed.
func Value[T any](ctx context.Context, c *Coordinator, fn func(ctx context.Context, tx database.Execer) (T, error), opts ...Option) (T, error) {
	var (
		mu  sync.Mutex
		out T
	)

	err := c.WithTransaction(ctx, func(ctx context.Context, tx database.Execer) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		// A late result from an abandoned attempt must not win.
		if err := ctx.Err(); err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// run is the attempt loop. It executes on the queue worker.
func (c *Coordinator) run(ctx context.Context, ex database.Execer, fn Func, o Options) error {
	var last error

	for attempt := 1; attempt <= o.RetryCount; attempt++ {
		start := time.Now()
		err := c.attempt(ctx, ex, fn, attempt, o.Timeout)
		if err == nil {
			c.record(OutcomeCommitted, attempt, time.Since(start))
			if attempt > 1 {
				c.logger.Info("transaction committed after retry", "attempt", attempt)
			}
			return nil
		}
		last = err

		outcome := OutcomeRolledBack
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) {
			outcome = OutcomeTimeout
		}
		c.record(outcome, attempt, time.Since(start))
		c.logger.Warn("transaction attempt failed",
			"attempt", attempt,
			"of", o.RetryCount,
			"outcome", string(outcome),
			"error", err,
		)

		if attempt == o.RetryCount {
			break
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(err, last)
		}
		if err := c.sleep(ctx, o.BackoffStep*time.Duration(attempt)); err != nil {
			return errors.Join(err, last)
		}
	}

	c.record(OutcomeExhausted, o.RetryCount, 0)
	return &RetryExhaustedError{Attempts: o.RetryCount, Err: last}
}

// attempt runs one BEGIN .. COMMIT/ROLLBACK cycle. fn runs on its own
// goroutine so the deadline can win the race; its handle is fenced before
// the attempt finishes.
func (c *Coordinator) attempt(ctx context.Context, ex database.Execer, fn Func, attempt int, timeout time.Duration) error {
	if err := database.Begin(ctx, ex); err != nil {
		c.rollback(ctx, ex, attempt)
		return fmt.Errorf("beginning transaction: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	h := &handle{ex: ex}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrCallbackPanic, r)
			}
		}()
		done <- fn(attemptCtx, h)
	}()

	var err error
	select {
	case err = <-done:
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = &TimeoutError{Attempt: attempt, Timeout: timeout}
		}
	}

	// Interrupt whatever the callback still has in flight, then wait for
	// it and shut the handle before touching the transaction again.
	cancel()
	h.fence()

	if err == nil {
		if err = database.Commit(ctx, ex); err == nil {
			return nil
		}
		err = fmt.Errorf("committing transaction: %w", err)
	}

	c.rollback(ctx, ex, attempt)
	return err
}

// rollback never propagates its error.
func (c *Coordinator) rollback(ctx context.Context, ex database.Execer, attempt int) {
	if err := database.Rollback(context.WithoutCancel(ctx), ex); err != nil {
		c.logger.Warn("rollback failed", "attempt", attempt, "error", err)
	}
}

func (c *Coordinator) record(outcome Outcome, attempt int, elapsed time.Duration) {
	if c.recorder != nil {
		c.recorder.RecordTransaction(outcome, attempt, elapsed)
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
