package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/till-core/internal/infrastructure/database"
	"github.com/nerrad567/till-core/internal/store"
)

// fakeStore writes a fixed payload to the backup path on a shared fs.
type fakeStore struct {
	fs         afero.Fs
	payload    []byte
	backupErr  error
	integrity  error
	integrityN atomic.Int32
	backups    []string
	mu         sync.Mutex
}

func (f *fakeStore) VerifyIntegrity(context.Context) error {
	f.integrityN.Add(1)
	return f.integrity
}

func (f *fakeStore) Backup(_ context.Context, path string) error {
	if f.backupErr != nil {
		return f.backupErr
	}
	f.mu.Lock()
	f.backups = append(f.backups, path)
	f.mu.Unlock()
	if err := f.fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	if err := afero.WriteFile(f.fs, path, f.payload, 0o600); err != nil {
		return err
	}
	return afero.WriteFile(f.fs, path+"-wal", []byte("wal"), 0o600)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Result
	err    error
}

func (p *fakePublisher) PublishEvent(kind string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, _ := data.(Result)
	if res.Kind != kind {
		return errors.New("kind mismatch")
	}
	p.events = append(p.events, res)
	return p.err
}

type metricCall struct {
	kind string
	ok   bool
	size int64
}

type fakeMetrics struct {
	mu    sync.Mutex
	calls []metricCall
}

func (m *fakeMetrics) WriteMaintenance(kind string, ok bool, size int64, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, metricCall{kind: kind, ok: ok, size: size})
}

// steppingClock advances one minute per call.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *fakeStore, *fakePublisher, *fakeMetrics) {
	t.Helper()
	fs := afero.NewMemMapFs()
	st := &fakeStore{fs: fs, payload: make([]byte, 2048)}
	pub := &fakePublisher{}
	met := &fakeMetrics{}
	clock := &steppingClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}

	s := New(st, cfg,
		WithFs(fs),
		WithPublisher(pub),
		WithMetrics(met),
		WithClock(clock.Now),
	)
	return s, st, pub, met
}

func TestBackupName(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 0, 1, 250_000_000, time.FixedZone("BST", 3600))
	assert.Equal(t, "till-01_20240501T080001.250Z.db", BackupName("till-01", ts))
}

func TestRunBackup(t *testing.T) {
	s, st, pub, met := newTestScheduler(t, Config{Terminal: "till-01", Dir: "/backups", Keep: 5})

	res := s.RunBackup(context.Background())
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "/backups/till-01_20240501T090100.000Z.db", filepath.ToSlash(res.Path))
	assert.Equal(t, int64(2048), res.Size)
	assert.Empty(t, res.Pruned)
	assert.Equal(t, []string{res.Path}, st.backups)

	require.Len(t, pub.events, 1)
	assert.Equal(t, KindBackup, pub.events[0].Kind)
	assert.Equal(t, []metricCall{{kind: KindBackup, ok: true, size: 2048}}, met.calls)
}

func TestRunBackupPrunesOldest(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Config{Terminal: "till-01", Dir: "/backups", Keep: 2})
	ctx := context.Background()

	var paths []string
	for range 4 {
		res := s.RunBackup(ctx)
		require.True(t, res.OK, res.Error)
		paths = append(paths, res.Path)
	}

	remaining, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, paths[2:], remaining)

	for _, old := range paths[:2] {
		exists, err := afero.Exists(s.fs, old)
		require.NoError(t, err)
		assert.False(t, exists, "%s should be pruned", old)

		walExists, err := afero.Exists(s.fs, old+"-wal")
		require.NoError(t, err)
		assert.False(t, walExists, "%s-wal should be pruned", old)
	}
}

func TestRunBackupFailure(t *testing.T) {
	s, st, pub, met := newTestScheduler(t, Config{Terminal: "till-01", Dir: "/backups", Keep: 2})
	st.backupErr = errors.New("disk full")

	res := s.RunBackup(context.Background())
	assert.False(t, res.OK)
	assert.Equal(t, "disk full", res.Error)

	require.Len(t, pub.events, 1)
	assert.False(t, pub.events[0].OK)
	require.Len(t, met.calls, 1)
	assert.False(t, met.calls[0].ok)
}

func TestRunBackupWithoutDir(t *testing.T) {
	s, st, _, _ := newTestScheduler(t, Config{Terminal: "till-01"})

	res := s.RunBackup(context.Background())
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "backup dir")
	assert.Empty(t, st.backups)
}

func TestRunIntegrity(t *testing.T) {
	s, st, pub, met := newTestScheduler(t, Config{Terminal: "till-01"})

	res := s.RunIntegrity(context.Background())
	assert.True(t, res.OK)
	assert.Empty(t, res.Error)

	st.integrity = &store.IntegrityError{Problems: []string{"row 3 missing from index"}}
	res = s.RunIntegrity(context.Background())
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "row 3 missing from index")

	require.Len(t, pub.events, 2)
	assert.Equal(t, []metricCall{
		{kind: KindIntegrity, ok: true},
		{kind: KindIntegrity, ok: false},
	}, met.calls)
}

func TestPublishFailureDoesNotFailRun(t *testing.T) {
	s, _, pub, _ := newTestScheduler(t, Config{Terminal: "till-01"})
	pub.err = errors.New("mqtt: client not connected")

	assert.True(t, s.RunIntegrity(context.Background()).OK)
}

func TestListFiltersForeignFiles(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Config{Terminal: "till-01", Dir: "/backups"})

	backups, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, backups, "missing dir lists nothing")

	for _, name := range []string{
		"till-01_20240501T090000.000Z.db",
		"till-01_20240501T080000.000Z.db",
		"till-01_20240501T080000.000Z.db-wal",
		"till-02_20240501T070000.000Z.db",
		"notes.txt",
	} {
		require.NoError(t, afero.WriteFile(s.fs, filepath.Join("/backups", name), nil, 0o600))
	}
	require.NoError(t, s.fs.MkdirAll("/backups/till-01_dir.db", 0o750))

	backups, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join("/backups", "till-01_20240501T080000.000Z.db"),
		filepath.Join("/backups", "till-01_20240501T090000.000Z.db"),
	}, backups)
}

func TestStartRunsOnSchedule(t *testing.T) {
	s, st, _, _ := newTestScheduler(t, Config{
		Terminal:          "till-01",
		Dir:               "/backups",
		IntegrityInterval: 5 * time.Millisecond,
		Interval:          5 * time.Millisecond,
		Keep:              3,
	})

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.integrityN.Load() >= 2 && len(st.backups) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	after := st.integrityN.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, st.integrityN.Load(), "no runs after Stop")

	backups, err := s.List()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), 3)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Config{IntegrityInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not stop on context cancel")
	}
}

func TestBackupWithManager(t *testing.T) {
	dir := t.TempDir()
	m := store.NewManager(database.Config{
		Path:        filepath.Join(dir, "till.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	t.Cleanup(func() {
		m.Close(context.Background()) //nolint:errcheck // Test cleanup
	})
	ctx := context.Background()
	require.NoError(t, m.EnsureInitialized(ctx))

	clock := &steppingClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	s := New(m, Config{Terminal: "till-01", Dir: filepath.Join(dir, "backups"), Keep: 1}, WithClock(clock.Now))

	first := s.RunBackup(ctx)
	require.True(t, first.OK, first.Error)
	assert.Positive(t, first.Size)

	second := s.RunBackup(ctx)
	require.True(t, second.OK, second.Error)
	assert.Equal(t, []string{first.Path}, second.Pruned)

	integrity := s.RunIntegrity(ctx)
	assert.True(t, integrity.OK, integrity.Error)
}

type fakeJournal struct {
	mu   sync.Mutex
	runs []Result
	err  error
}

func (j *fakeJournal) RecordMaintenance(_ context.Context, res Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs = append(j.runs, res)
	return j.err
}

func TestJournalRecordsEveryRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := &fakeStore{fs: fs, payload: []byte("db")}
	journal := &fakeJournal{err: errors.New("database is locked")}

	s := New(st, Config{Terminal: "till-01", Dir: "/backups"},
		WithFs(fs),
		WithJournal(journal),
	)

	require.True(t, s.RunBackup(context.Background()).OK, "journal errors do not fail the run")
	st.integrity = errors.New("corrupt")
	require.False(t, s.RunIntegrity(context.Background()).OK)

	require.Len(t, journal.runs, 2)
	assert.Equal(t, KindBackup, journal.runs[0].Kind)
	assert.True(t, journal.runs[0].OK)
	assert.Equal(t, KindIntegrity, journal.runs[1].Kind)
	assert.Equal(t, "corrupt", journal.runs[1].Error)
}
