package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// TargetVersion is the schema version this build expects.
const TargetVersion = "1.1.0"

// initialVersion names the implicit predecessor of the first recognised version.
const initialVersion = "initial"

// Versions lists every recognised schema version, oldest first.
// Each entry is one discrete step from its predecessor.
var Versions = []string{"1.0.0", "1.1.0"}

// Migration errors. Wrapped in *MigrationError when returned.
var (
	// ErrUnknownVersion indicates a version not present in Versions.
	ErrUnknownVersion = errors.New("unrecognised schema version")

	// ErrMissingStep indicates the upgrade path names a step with no Migration.
	ErrMissingStep = errors.New("no migration registered for step")
)

// Migration is one versioned schema step.
type Migration struct {
	// From is the version this step starts at ("" for a fresh database).
	From string

	// To is the version recorded in db_version once Apply succeeds.
	To string

	// Apply performs the schema change. It runs inside a transaction
	// together with the db_version insert.
	Apply func(ctx context.Context, ex Execer) error
}

// Key returns the step name, e.g. "initial_to_1.0.0".
func (m Migration) Key() string {
	return StepKey(m.From, m.To)
}

// StepKey builds the name of the step between two versions.
func StepKey(from, to string) string {
	if from == "" {
		from = initialVersion
	}
	return from + "_to_" + to
}

// Migrations is the ordered list of schema steps.
var Migrations = []Migration{
	{
		From: "",
		To:   "1.0.0",
		// The base schema from schema.sql is version 1.0.0.
		Apply: func(context.Context, Execer) error { return nil },
	},
	{
		From:  "1.0.0",
		To:    "1.1.0",
		Apply: migrateAddUnifiedOrderNo,
	},
}

// migrateAddUnifiedOrderNo adds the unified order number columns and indexes.
// Column additions are skipped when the column already exists, so a retried
// upgrade resumes cleanly.
func migrateAddUnifiedOrderNo(ctx context.Context, ex Execer) error {
	if _, err := ex.Execute(ctx, `
		CREATE TABLE IF NOT EXISTS db_version (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version TEXT NOT NULL,
			updated_at TEXT DEFAULT (datetime('now','localtime'))
		)`); err != nil {
		return err
	}

	for _, table := range []string{"orders", "hanging_orders"} {
		if err := addColumnIfMissing(ctx, ex, table, "unified_order_no", "TEXT"); err != nil {
			return err
		}
	}

	for _, stmt := range []string{
		"CREATE INDEX IF NOT EXISTS idx_orders_unified_order_no ON orders(unified_order_no)",
		"CREATE INDEX IF NOT EXISTS idx_hanging_orders_unified_order_no ON hanging_orders(unified_order_no)",
	} {
		if _, err := ex.Execute(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// addColumnIfMissing runs ALTER TABLE ... ADD COLUMN unless the column exists.
func addColumnIfMissing(ctx context.Context, ex Execer, table, column, decl string) error {
	exists, err := ColumnExists(ctx, ex, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := checkIdentifiers(column); err != nil {
		return err
	}
	_, err = ex.Execute(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// Migrator tracks the persisted schema version and walks the upgrade path.
//
// # Atomicity
//
// Each step runs in its own transaction together with its db_version row.
// If step N fails:
//   - Steps 1 to N-1 remain committed
//   - Step N is rolled back
//   - Steps N+1 onwards are not attempted
//
// There is no compensation across steps. Re-running CheckAndUpgrade after
// fixing the cause continues from step N.
type Migrator struct {
	ex         Execer
	logger     *slog.Logger
	versions   []string
	migrations []Migration
	target     string
}

// NewMigrator returns a Migrator over ex using the built-in Versions and Migrations.
func NewMigrator(ex Execer, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		ex:         ex,
		logger:     logger.With("component", "migrator"),
		versions:   Versions,
		migrations: Migrations,
		target:     TargetVersion,
	}
}

// WithSteps replaces the recognised versions, step list and target.
// Intended for tests and tooling that manage their own schema.
func (m *Migrator) WithSteps(versions []string, migrations []Migration, target string) *Migrator {
	m.versions = versions
	m.migrations = migrations
	m.target = target
	return m
}

// Target returns the version CheckAndUpgrade moves towards.
func (m *Migrator) Target() string {
	return m.target
}

// CurrentVersion returns the most recently recorded schema version.
// It returns "" when db_version does not exist or is empty.
func (m *Migrator) CurrentVersion(ctx context.Context) (string, error) {
	exists, err := TableExists(ctx, m.ex, "db_version")
	if err != nil {
		return "", fmt.Errorf("checking version table: %w", err)
	}
	if !exists {
		return "", nil
	}

	rows, err := m.ex.Query(ctx, "SELECT version FROM db_version ORDER BY id DESC LIMIT 1")
	if err != nil {
		return "", fmt.Errorf("reading schema version: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	return AsString(rows[0]["version"]), nil
}

// UpgradePath returns the ordered step keys needed to go from current to target.
//
//   - current == "": every step from "initial" up to target
//   - current or target unrecognised: *MigrationError
//   - current at or past target: empty path
func (m *Migrator) UpgradePath(current, target string) ([]string, error) {
	targetIdx := slices.Index(m.versions, target)
	if targetIdx == -1 {
		return nil, &MigrationError{Version: target, Err: ErrUnknownVersion}
	}

	startIdx := -1
	if current != "" {
		startIdx = slices.Index(m.versions, current)
		if startIdx == -1 {
			return nil, &MigrationError{Version: current, Err: ErrUnknownVersion}
		}
	}

	if startIdx >= targetIdx {
		return []string{}, nil
	}

	path := make([]string, 0, targetIdx-startIdx)
	for i := startIdx; i < targetIdx; i++ {
		from := ""
		if i >= 0 {
			from = m.versions[i]
		}
		path = append(path, StepKey(from, m.versions[i+1]))
	}
	return path, nil
}

// CheckAndUpgrade moves the schema from its current version to the target.
// It returns *MigrationError naming the failing step on any failure.
func (m *Migrator) CheckAndUpgrade(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return &MigrationError{Err: err}
	}

	m.logger.Info("checking schema version",
		"current", displayVersion(current),
		"target", m.target,
	)

	if current == m.target {
		return nil
	}

	path, err := m.UpgradePath(current, m.target)
	if err != nil {
		return err
	}
	if len(path) == 0 {
		m.logger.Info("schema upgrade not required")
		return nil
	}

	m.logger.Info("upgrading schema", "path", path)

	for _, key := range path {
		step, ok := m.step(key)
		if !ok || step.Apply == nil {
			return &MigrationError{Step: key, Err: ErrMissingStep}
		}

		if err := m.applyStep(ctx, step); err != nil {
			m.logger.Error("schema step failed", "step", key, "error", err)
			return &MigrationError{Step: key, Err: err}
		}
		m.logger.Info("schema upgraded", "version", step.To)
	}
	return nil
}

// Status returns the current version and the steps still pending.
func (m *Migrator) Status(ctx context.Context) (current string, pending []string, err error) {
	current, err = m.CurrentVersion(ctx)
	if err != nil {
		return "", nil, err
	}
	pending, err = m.UpgradePath(current, m.target)
	if err != nil {
		return current, nil, err
	}
	return current, pending, nil
}

// applyStep runs one step and records its version in a single transaction.
func (m *Migrator) applyStep(ctx context.Context, step Migration) error {
	return RunTransaction(ctx, m.ex, func(ctx context.Context, tx Execer) error {
		if err := step.Apply(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.Execute(ctx, "INSERT INTO db_version (version) VALUES (?)", step.To); err != nil {
			return fmt.Errorf("recording version %s: %w", step.To, err)
		}
		return nil
	})
}

func (m *Migrator) step(key string) (Migration, bool) {
	for _, mig := range m.migrations {
		if mig.Key() == key {
			return mig, true
		}
	}
	return Migration{}, false
}

func displayVersion(v string) string {
	if v == "" {
		return "none"
	}
	return v
}
