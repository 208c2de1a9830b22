package transaction

import (
	"context"
	"database/sql"
	"sync"

	"github.com/nerrad567/till-core/internal/infrastructure/database"
)

// handle is the Execer given to a callback for one attempt. After fence
// it refuses every statement, so abandoned work cannot run against a
// rolled-back or later transaction.
type handle struct {
	mu     sync.Mutex
	ex     database.Execer
	fenced bool
}

var _ database.Execer = (*handle)(nil)

func (h *handle) Execute(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fenced {
		return nil, &database.ExecutionError{Statement: stmt, Err: ErrAttemptAbandoned}
	}
	return h.ex.Execute(ctx, stmt, args...)
}

func (h *handle) Query(ctx context.Context, stmt string, args ...any) ([]database.Row, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fenced {
		return nil, &database.ExecutionError{Statement: stmt, Err: ErrAttemptAbandoned}
	}
	return h.ex.Query(ctx, stmt, args...)
}

// fence waits for any statement in flight and closes the handle.
func (h *handle) fence() {
	h.mu.Lock()
	h.fenced = true
	h.mu.Unlock()
}
