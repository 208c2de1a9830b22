package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/till-core/internal/infrastructure/database"
	"github.com/nerrad567/till-core/internal/infrastructure/logging"
)

// initKey is the singleflight key shared by initialization and the
// close/copy/reopen cycle, so callers arriving mid-cycle wait for it.
const initKey = "init"

// defaultQueueBuffer is used when no buffer size is configured.
const defaultQueueBuffer = 64

// State is the connection lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateClosed
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Opener opens the database file. database.Open is the default.
type Opener func(ctx context.Context, cfg database.Config) (*database.DB, error)

// Option configures a Manager.
type Option func(*Manager)

// WithOpener replaces database.Open.
func WithOpener(open Opener) Option {
	return func(m *Manager) { m.open = open }
}

// WithFs sets the filesystem used for backup and restore copies.
func WithFs(fs afero.Fs) Option {
	return func(m *Manager) { m.fs = fs }
}

// WithLogger sets the logger. The Manager adds component=store.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithQueueBuffer sets how many entries may wait before Enqueue blocks.
func WithQueueBuffer(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.buffer = n
		}
	}
}

// Manager owns the database connection and the operation queue.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Operations run one at a time on the worker goroutine.
type Manager struct {
	cfg    database.Config
	logger *slog.Logger
	open   Opener
	fs     afero.Fs
	buffer int

	init singleflight.Group

	mu    sync.RWMutex
	state State
	db    *database.DB
	ex    *database.Executor

	queue     chan *entry
	startOnce sync.Once
	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
	closed    atomic.Bool

	pending   atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// Stats is a snapshot of queue activity.
type Stats struct {
	State     State
	Pending   int64
	Processed int64
	Failed    int64
}

// NewManager creates a Manager for the database at cfg.Path.
// Nothing is opened until EnsureInitialized or the first Enqueue.
func NewManager(cfg database.Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		logger:  logging.Discard(),
		open:    database.Open,
		fs:      afero.NewOsFs(),
		buffer:  defaultQueueBuffer,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "store")
	m.queue = make(chan *entry, m.buffer)
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Path returns the live database file path.
func (m *Manager) Path() string {
	return m.cfg.Path
}

// Stats returns a snapshot of queue counters.
func (m *Manager) Stats() Stats {
	return Stats{
		State:     m.State(),
		Pending:   m.pending.Load(),
		Processed: m.processed.Load(),
		Failed:    m.failed.Load(),
	}
}

// EnsureInitialized opens the database, creates the base schema and runs
// pending migrations, once.
//
// It returns immediately when the Manager is Ready. Callers arriving while
// an open (or a backup/restore cycle) is in flight wait for that one to
// finish and share its result. On failure the error is an
// *InitializationError and the Manager stays Uninitialized; nothing retries
// automatically.
//
// ctx bounds only the caller's wait. The shared open itself is not
// cancelled when one waiter gives up.
func (m *Manager) EnsureInitialized(ctx context.Context) error {
	if m.State() == StateReady {
		return nil
	}
	if m.closed.Load() {
		return ErrClosed
	}

	ch := m.init.DoChan(initKey, func() (any, error) {
		return nil, m.initialize(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// initialize runs inside the singleflight group.
func (m *Manager) initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateReady {
		m.mu.Unlock()
		return nil
	}
	m.state = StateInitializing
	m.mu.Unlock()

	start := time.Now()
	m.logger.Info("opening database", "path", m.cfg.Path)

	db, ex, err := m.connect(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.state = StateUninitialized
		initErr := &InitializationError{Op: "open", Err: err}
		m.logger.Error("database initialization failed", "error", initErr)
		return initErr
	}

	m.db, m.ex = db, ex
	m.state = StateReady
	m.logger.Info("database ready", "path", m.cfg.Path, "elapsed", time.Since(start))
	return nil
}

// connect opens the file, pins the connection and brings the schema up
// to date. Partially opened resources are released on failure.
func (m *Manager) connect(ctx context.Context) (*database.DB, *database.Executor, error) {
	db, err := m.open(ctx, m.cfg)
	if err != nil {
		return nil, nil, err
	}

	ex, err := db.Executor(ctx)
	if err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, nil, err
	}

	setup := func() error {
		if err := database.EnsureSchema(ctx, ex); err != nil {
			return err
		}
		return database.NewMigrator(ex, m.logger).CheckAndUpgrade(ctx)
	}
	if err := setup(); err != nil {
		ex.Close() //nolint:errcheck // Best effort cleanup on error path
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, nil, err
	}

	return db, ex, nil
}

// disconnect releases the connection and moves to Closed.
func (m *Manager) disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.ex != nil {
		errs = append(errs, m.ex.Close())
	}
	if m.db != nil {
		errs = append(errs, m.db.Close())
	}
	m.ex, m.db = nil, nil
	m.state = StateClosed

	if err := errors.Join(errs...); err != nil {
		return &InitializationError{Op: "close", Err: err}
	}
	return nil
}

// executor returns the live Executor, or nil when not Ready.
func (m *Manager) executor() *database.Executor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ex
}

// Close drains queued operations, stops the worker and closes the
// connection. Later Enqueue calls fail with ErrClosed.
//
// ctx bounds the wait for the drain. Close may be called more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.start()
		close(m.closing)
	})

	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Wait out any in-flight open before tearing down.
	_, _, _ = m.init.Do(initKey, func() (any, error) { return nil, nil })

	if err := m.disconnect(); err != nil {
		m.logger.Error("closing database failed", "error", err)
		return err
	}
	m.logger.Info("database closed", "processed", m.processed.Load(), "failed", m.failed.Load())
	return nil
}
