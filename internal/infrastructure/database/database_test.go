package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpen verifies database connection establishment.
func TestOpen(t *testing.T) {
	t.Run("creates database file", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(context.Background(), Config{
			Path:        dbPath,
			WALMode:     true,
			BusyTimeout: 5,
		})
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck // Test cleanup

		// SQLite creates the file lazily; force a write.
		_, err = db.DB.Exec("CREATE TABLE marker (id INTEGER)")
		require.NoError(t, err)
		assert.FileExists(t, dbPath)
	})

	t.Run("creates directory if not exists", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

		db, err := Open(context.Background(), Config{Path: dbPath, BusyTimeout: 5})
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck // Test cleanup

		assert.DirExists(t, filepath.Dir(dbPath))
	})

	t.Run("returns path", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(context.Background(), Config{Path: dbPath, BusyTimeout: 5})
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck // Test cleanup

		assert.Equal(t, dbPath, db.Path())
	})

	t.Run("rejects empty path", func(t *testing.T) {
		_, err := Open(context.Background(), Config{})
		assert.ErrorIs(t, err, ErrEmptyPath)
	})
}

// TestHealthCheck runs the check through the Executor that holds the
// pool's only connection.
func TestHealthCheck(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ex, err := db.Executor(ctx)
	require.NoError(t, err)

	assert.NoError(t, HealthCheck(ctx, ex))

	require.NoError(t, ex.Close())
	assert.ErrorIs(t, HealthCheck(ctx, ex), ErrNotOpen)
}

// TestClose verifies graceful shutdown.
func TestClose(t *testing.T) {
	db := openTestDB(t)

	assert.NoError(t, db.Close())

	db.DB = nil
	assert.NoError(t, db.Close(), "nil DB")
}

// TestSingleConnection verifies the pool is capped at one connection.
func TestSingleConnection(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	assert.Equal(t, 1, db.Stats().MaxOpenConnections, "SQLite single writer")
}

// openTestDB creates a temporary database for testing.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(context.Background(), Config{
		Path:        dbPath,
		WALMode:     true,
		BusyTimeout: 5,
	})
	require.NoError(t, err, "failed to open test database")

	return db
}

// openTestExecutor returns an Executor over a fresh database with the base schema.
func openTestExecutor(t *testing.T) *Executor {
	t.Helper()

	db := openTestDB(t)
	ex, err := db.Executor(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		ex.Close() //nolint:errcheck // Test cleanup
		db.Close() //nolint:errcheck // Test cleanup
	})

	require.NoError(t, EnsureSchema(context.Background(), ex))
	return ex
}
