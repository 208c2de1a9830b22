package store

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for store operations.
var (
	// ErrClosed indicates the Manager has been shut down.
	ErrClosed = errors.New("store: manager closed")

	// ErrOperationPanic indicates a queued operation panicked. The worker
	// recovers and continues with the next entry.
	ErrOperationPanic = errors.New("store: operation panicked")

	// ErrBackupNotFound indicates a restore source does not exist.
	ErrBackupNotFound = errors.New("store: backup file not found")
)

// InitializationError reports a failure to open or close the database.
// The Manager stays uninitialized after an open failure; a later
// EnsureInitialized call tries again.
type InitializationError struct {
	// Op is "open" or "close".
	Op  string
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("store: %s database: %v", e.Op, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// IntegrityError carries the rows reported by PRAGMA integrity_check when
// the result is anything other than "ok".
type IntegrityError struct {
	Problems []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("store: integrity check failed: %s", strings.Join(e.Problems, "; "))
}
