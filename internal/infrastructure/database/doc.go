// Package database provides SQLite access for Till Core.
//
// This package manages:
//   - Opening the database file with a single pinned connection
//   - The Executor: raw statement execution against that connection
//   - Literal escaping and statement builders (insert/update/delete/select/paginate)
//   - The bare BEGIN/COMMIT/ROLLBACK transaction primitive
//   - The base schema and the versioned schema Migrator
//
// It does not decide when statements run. All access to the Executor is
// serialised by store.Manager; retries and deadlines belong to the
// transaction package.
//
// Security Considerations:
//   - Statements built by Insert/Update/Delete/Select embed values as
//     literals produced by Escape. Escape is the only injection defence on
//     those paths and must wrap every interpolated value.
//   - Table and column names are checked against a strict identifier pattern.
//   - Statements owned by the core (version log, sequences) use ? binding.
//   - Keyword search must go through LikePattern.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: "data/till.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	ex, err := db.Executor(ctx)
//	if err != nil {
//	    return err
//	}
//	if err := database.EnsureSchema(ctx, ex); err != nil {
//	    return err
//	}
//	if err := database.NewMigrator(ex, logger).CheckAndUpgrade(ctx); err != nil {
//	    return err
//	}
//
// Migration Strategy:
//
// Versions are discrete steps ("initial_to_1.0.0", "1.0.0_to_1.1.0").
// Each step is additive, runs in its own transaction, and appends its
// resulting version to db_version. A failed step aborts the path; earlier
// steps stay applied.
package database
