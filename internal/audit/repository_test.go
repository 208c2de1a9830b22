package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/till-core/internal/infrastructure/database"
	"github.com/nerrad567/till-core/internal/maintenance"
	"github.com/nerrad567/till-core/internal/store"
)

func newRepository(t *testing.T) (*Repository, *store.Manager) {
	t.Helper()
	m := store.NewManager(database.Config{
		Path:        filepath.Join(t.TempDir(), "till.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	t.Cleanup(func() {
		m.Close(context.Background()) //nolint:errcheck // Test cleanup
	})
	return NewRepository(m), m
}

func TestListWithoutTable(t *testing.T) {
	repo, _ := newRepository(t)

	res, err := repo.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, res.Logs)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, defaultLimit, res.Limit)
}

func TestCreateAndList(t *testing.T) {
	repo, _ := newRepository(t)
	ctx := context.Background()

	first := &AuditLog{
		Action:     ActionBackup,
		EntityType: "database",
		EntityID:   "/backups/till-01_20240501T090000.000Z.db",
		Source:     SourceDaemon,
		Success:    true,
		Details:    map[string]any{"size_bytes": 4096},
	}
	require.NoError(t, repo.Create(ctx, first))
	assert.Regexp(t, `^aud-[0-9a-f]{8}$`, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	require.NoError(t, repo.Create(ctx, &AuditLog{
		Action:     ActionIntegrity,
		EntityType: "database",
		Source:     SourceCLI,
		Details:    map[string]any{"error": "row 3 missing from index"},
	}))

	res, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, res.Logs, 2)
	assert.Equal(t, 2, res.Total)

	latest := res.Logs[0]
	assert.Equal(t, ActionIntegrity, latest.Action, "most recent first")
	assert.False(t, latest.Success)
	assert.Empty(t, latest.EntityID)
	assert.Equal(t, "row 3 missing from index", latest.Details["error"])

	older := res.Logs[1]
	assert.Equal(t, first.ID, older.ID)
	assert.True(t, older.Success)
	assert.Equal(t, first.EntityID, older.EntityID)
	assert.InDelta(t, 4096, older.Details["size_bytes"], 0)
	assert.WithinDuration(t, first.CreatedAt, older.CreatedAt, time.Millisecond)
}

func TestListFilterAndPagination(t *testing.T) {
	repo, _ := newRepository(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := range 5 {
		source := SourceDaemon
		if i%2 == 1 {
			source = SourceCLI
		}
		require.NoError(t, repo.Create(ctx, &AuditLog{
			Action:     ActionBackup,
			EntityType: "database",
			Source:     source,
			Success:    true,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Create(ctx, &AuditLog{
		Action:     ActionRestore,
		EntityType: "database",
		Source:     SourceCLI,
		Success:    true,
		CreatedAt:  base.Add(time.Hour),
	}))

	res, err := repo.List(ctx, Filter{Action: ActionBackup, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	require.Len(t, res.Logs, 2)
	assert.True(t, base.Add(3*time.Minute).Equal(res.Logs[0].CreatedAt))
	assert.True(t, base.Add(2*time.Minute).Equal(res.Logs[1].CreatedAt))

	res, err = repo.List(ctx, Filter{Source: SourceCLI})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)

	res, err = repo.List(ctx, Filter{Action: ActionBackup, Source: SourceDaemon})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
}

func TestListLimitClamp(t *testing.T) {
	repo, _ := newRepository(t)

	res, err := repo.List(context.Background(), Filter{Limit: 1000, Offset: -3})
	require.NoError(t, err)
	assert.Equal(t, maxLimit, res.Limit)
	assert.Equal(t, 0, res.Offset)
}

func TestInsertInsideTransaction(t *testing.T) {
	repo, m := newRepository(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, func(ctx context.Context, ex database.Execer) (any, error) {
		return nil, database.RunTransaction(ctx, ex, func(ctx context.Context, tx database.Execer) error {
			return Insert(ctx, tx, &AuditLog{Action: ActionMigrate, EntityType: "schema", EntityID: database.TargetVersion, Source: SourceCLI, Success: true})
		})
	})
	require.NoError(t, err)

	res, err := repo.List(ctx, Filter{Action: ActionMigrate})
	require.NoError(t, err)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, database.TargetVersion, res.Logs[0].EntityID)
}

func TestMaintenanceJournal(t *testing.T) {
	repo, _ := newRepository(t)
	ctx := context.Background()
	journal := NewMaintenanceJournal(repo, SourceDaemon)

	require.NoError(t, journal.RecordMaintenance(ctx, maintenance.Result{
		Kind:    maintenance.KindBackup,
		OK:      true,
		Path:    "/backups/till-01_20240501T090000.000Z.db",
		Size:    8192,
		Pruned:  []string{"/backups/till-01_20240430T090000.000Z.db"},
		Elapsed: 1500 * time.Millisecond,
	}))

	res, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, res.Logs, 1)

	entry := res.Logs[0]
	assert.Equal(t, ActionBackup, entry.Action)
	assert.Equal(t, SourceDaemon, entry.Source)
	assert.True(t, entry.Success)
	assert.Equal(t, "/backups/till-01_20240501T090000.000Z.db", entry.EntityID)
	assert.InDelta(t, 1500, entry.Details["elapsed_ms"], 0)
	assert.Equal(t, []any{"/backups/till-01_20240430T090000.000Z.db"}, entry.Details["pruned"])
}

func TestFromResultFailure(t *testing.T) {
	entry := FromResult(maintenance.Result{
		Kind:  maintenance.KindIntegrity,
		Error: "integrity check failed",
	}, SourceCLI)

	assert.Equal(t, ActionIntegrity, entry.Action)
	assert.False(t, entry.Success)
	assert.Equal(t, SourceCLI, entry.Source)
	assert.Equal(t, "integrity check failed", entry.Details["error"])
	assert.NotContains(t, entry.Details, "size_bytes")
}
