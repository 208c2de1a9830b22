package database

import (
	"errors"
	"fmt"
)

// Sentinel errors for database operations.
//
// These errors can be checked using errors.Is() for specific handling:
//
//	if errors.Is(err, database.ErrNotOpen) {
//	    // connection was closed underneath the caller
//	}
var (
	// ErrNotOpen indicates a statement was issued while no connection is attached.
	ErrNotOpen = errors.New("database: connection not open")

	// ErrEmptyPath indicates the database path was not configured.
	ErrEmptyPath = errors.New("database: path is empty")

	// ErrInvalidIdentifier indicates a table or column name failed validation.
	ErrInvalidIdentifier = errors.New("database: invalid identifier")

	// ErrEmptyData indicates an insert or update was given no columns.
	ErrEmptyData = errors.New("database: no columns supplied")
)

// ExecutionError reports a statement that could not be run.
// Statement holds the exact text sent to SQLite.
type ExecutionError struct {
	Statement string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("database: executing %q: %v", e.Statement, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// MigrationError reports a failure in the schema upgrade path.
// Step is the step key (e.g. "1.0.0_to_1.1.0") when one applies,
// Version is set when an unrecognised version was supplied.
type MigrationError struct {
	Step    string
	Version string
	Err     error
}

func (e *MigrationError) Error() string {
	switch {
	case e.Step != "":
		return fmt.Sprintf("database: migration step %s: %v", e.Step, e.Err)
	case e.Version != "":
		return fmt.Sprintf("database: migration version %q: %v", e.Version, e.Err)
	default:
		return fmt.Sprintf("database: migration: %v", e.Err)
	}
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}
