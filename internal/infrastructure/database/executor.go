package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Transaction control statements. The text matches what the till has
// always sent, so statement logs stay comparable across versions.
const (
	stmtBegin    = "BEGIN TRANSACTION"
	stmtCommit   = "COMMIT"
	stmtRollback = "ROLLBACK"
)

// Row is a single result row keyed by column name.
// TEXT and BLOB columns are returned as string; INTEGER as int64; REAL as float64.
type Row map[string]any

// Execer is the restricted handle given to units of work.
// It exposes statement execution and nothing that can open, close or
// reconfigure the connection.
type Execer interface {
	// Execute runs a statement that returns no rows.
	Execute(ctx context.Context, stmt string, args ...any) (sql.Result, error)

	// Query runs a statement and returns every row it produces.
	Query(ctx context.Context, stmt string, args ...any) ([]Row, error)
}

// Executor issues raw statements against the one open connection.
//
// Thread Safety:
//   - Calls are serialised by an internal mutex, but the Executor is meant
//     to be driven from the store.Manager worker only.
//   - Close may be called concurrently with in-flight statements; it waits
//     for them to finish.
type Executor struct {
	mu   sync.Mutex
	conn *sql.Conn
}

var _ Execer = (*Executor)(nil)

// NewExecutor binds an Executor to an already acquired connection.
func NewExecutor(conn *sql.Conn) *Executor {
	return &Executor{conn: conn}
}

// Close releases the pinned connection back to the pool.
// Later calls fail with ErrNotOpen. Close is idempotent.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("releasing connection: %w", err)
	}
	return nil
}

// Execute runs a statement that returns no rows.
func (e *Executor) Execute(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil, &ExecutionError{Statement: stmt, Err: ErrNotOpen}
	}

	res, err := e.conn.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, &ExecutionError{Statement: stmt, Err: err}
	}
	return res, nil
}

// Query runs a statement and collects every row it produces.
func (e *Executor) Query(ctx context.Context, stmt string, args ...any) ([]Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil, &ExecutionError{Statement: stmt, Err: ErrNotOpen}
	}

	rows, err := e.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, &ExecutionError{Statement: stmt, Err: err}
	}
	defer rows.Close()

	out, err := collectRows(rows)
	if err != nil {
		return nil, &ExecutionError{Statement: stmt, Err: err}
	}
	return out, nil
}

// Transaction runs fn between BEGIN and COMMIT on this Executor.
//
// If fn fails, or COMMIT fails, the transaction is rolled back and fn's
// error is returned. A failed rollback is joined onto that error.
// There is no retry or timeout here; see the transaction package.
func (e *Executor) Transaction(ctx context.Context, fn func(ctx context.Context, tx Execer) error) error {
	return RunTransaction(ctx, e, fn)
}

// RunTransaction is the bare begin/commit/rollback primitive over any Execer.
func RunTransaction(ctx context.Context, ex Execer, fn func(ctx context.Context, tx Execer) error) error {
	if _, err := ex.Execute(ctx, stmtBegin); err != nil {
		return err
	}

	err := fn(ctx, ex)
	if err == nil {
		if _, err = ex.Execute(ctx, stmtCommit); err == nil {
			return nil
		}
	}

	// Rollback must run even when ctx is already done.
	if _, rbErr := ex.Execute(context.WithoutCancel(ctx), stmtRollback); rbErr != nil {
		return errors.Join(err, fmt.Errorf("rolling back: %w", rbErr))
	}
	return err
}

// Begin starts a transaction on ex.
func Begin(ctx context.Context, ex Execer) error {
	_, err := ex.Execute(ctx, stmtBegin)
	return err
}

// Commit commits the open transaction on ex.
func Commit(ctx context.Context, ex Execer) error {
	_, err := ex.Execute(ctx, stmtCommit)
	return err
}

// Rollback rolls back the open transaction on ex.
func Rollback(ctx context.Context, ex Execer) error {
	_, err := ex.Execute(ctx, stmtRollback)
	return err
}

// collectRows drains rows into Row maps, normalising []byte to string.
func collectRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	out := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}
