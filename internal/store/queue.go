package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/till-core/internal/infrastructure/database"
)

// Operation is a unit of work run by the queue worker. It receives the
// restricted handle to the open connection and must not retain it after
// returning.
type Operation func(ctx context.Context, ex database.Execer) (any, error)

// entry is one queued operation and the slot its result is delivered to.
type entry struct {
	id       string
	ctx      context.Context
	op       Operation
	result   chan result
	enqueued time.Time
}

type result struct {
	value any
	err   error
}

// Enqueue appends op to the operation queue and waits for its result.
//
// Entries run strictly in submission order, one at a time. Before each
// entry the worker ensures the database is initialized; if that fails only
// this entry receives the error. An entry whose ctx is already done when it
// reaches the head of the queue is skipped with ctx.Err(). A failing or
// panicking entry never blocks the entries behind it.
//
// Enqueue waits for the entry to finish even if ctx is cancelled while it
// runs, so the caller never loses the outcome of work that reached the
// database.
func (m *Manager) Enqueue(ctx context.Context, op Operation) (any, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	m.start()

	e := &entry{
		id:       uuid.NewString(),
		ctx:      ctx,
		op:       op,
		result:   make(chan result, 1),
		enqueued: time.Now(),
	}

	m.pending.Add(1)
	select {
	case m.queue <- e:
	case <-m.closing:
		m.pending.Add(-1)
		return nil, ErrClosed
	}

	select {
	case r := <-e.result:
		return r.value, r.err
	case <-m.done:
		// The worker may have finished this entry while draining.
		select {
		case r := <-e.result:
			return r.value, r.err
		default:
			return nil, ErrClosed
		}
	}
}

// Run is a typed wrapper over Enqueue.
func Run[T any](ctx context.Context, m *Manager, op func(ctx context.Context, ex database.Execer) (T, error)) (T, error) {
	v, err := m.Enqueue(ctx, func(ctx context.Context, ex database.Execer) (any, error) {
		return op(ctx, ex)
	})

	var zero T
	if v == nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, err
	}
	return t, err
}

// start launches the worker goroutine once.
func (m *Manager) start() {
	m.startOnce.Do(func() {
		go m.run()
	})
}

// run is the worker loop. After closing is signalled it drains whatever
// is already queued and exits.
func (m *Manager) run() {
	defer close(m.done)

	for {
		select {
		case e := <-m.queue:
			m.process(e)
		case <-m.closing:
			for {
				select {
				case e := <-m.queue:
					m.process(e)
				default:
					return
				}
			}
		}
	}
}

// process runs a single entry and delivers its result.
func (m *Manager) process(e *entry) {
	m.pending.Add(-1)
	logger := m.logger.With("op_id", e.id)

	value, err := m.execute(e)

	if err != nil {
		m.failed.Add(1)
		logger.Warn("operation failed", "error", err, "elapsed", time.Since(e.enqueued))
	} else {
		m.processed.Add(1)
		logger.Debug("operation completed", "elapsed", time.Since(e.enqueued))
	}

	e.result <- result{value: value, err: err}
}

// execute skips cancelled entries, ensures the connection is open and
// runs the operation with panic recovery.
func (m *Manager) execute(e *entry) (value any, err error) {
	if err := e.ctx.Err(); err != nil {
		return nil, err
	}

	if err := m.EnsureInitialized(e.ctx); err != nil {
		return nil, err
	}

	ex := m.executor()
	if ex == nil {
		return nil, fmt.Errorf("store: %w", database.ErrNotOpen)
	}

	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("%w: %v", ErrOperationPanic, r)
		}
	}()

	return e.op(e.ctx, ex)
}
