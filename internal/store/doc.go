// Package store owns the till's single SQLite connection.
//
// The Manager is the only component that opens, closes or copies the
// database file. Everything else reaches the connection by handing an
// Operation to Enqueue; one worker goroutine runs those operations in
// submission order, one at a time, and passes each the restricted
// database.Execer handle.
//
// Lifecycle:
//
//	Uninitialized -> Initializing -> Ready -> Closed
//
// EnsureInitialized is shared: concurrent callers join the same in-flight
// open (base schema plus migrations). A failed open leaves the Manager
// Uninitialized. Backup and Restore drop to Closed, copy the file, and
// always reopen before returning.
//
// Usage:
//
//	m := store.NewManager(database.Config{Path: "data/till.db", WALMode: true},
//	    store.WithLogger(logger.Logger))
//	defer m.Close(context.Background())
//
//	n, err := store.Run(ctx, m, func(ctx context.Context, ex database.Execer) (int64, error) {
//	    rows, err := ex.Query(ctx, "SELECT COUNT(*) AS n FROM products")
//	    if err != nil {
//	        return 0, err
//	    }
//	    return database.AsInt64(rows[0]["n"]), nil
//	})
package store
