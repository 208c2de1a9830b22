package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/nerrad567/till-core/internal/infrastructure/logging"
)

// Run kinds, also used as event kinds and metric tags.
const (
	KindBackup    = "backup"
	KindIntegrity = "integrity"
)

const (
	backupExt        = ".db"
	backupTimeLayout = "20060102T150405.000Z"
	walSuffix        = "-wal"
)

// Store is the part of store.Manager the Scheduler needs.
type Store interface {
	VerifyIntegrity(ctx context.Context) error
	Backup(ctx context.Context, path string) error
}

// Publisher receives each Result. The MQTT client implements it.
type Publisher interface {
	PublishEvent(kind string, data any) error
}

// Metrics receives each run. The InfluxDB client implements it.
type Metrics interface {
	WriteMaintenance(kind string, ok bool, size int64, elapsed time.Duration)
}

// Journal keeps a durable record of each run.
type Journal interface {
	RecordMaintenance(ctx context.Context, res Result) error
}

// Config controls the schedule. A zero interval disables that run.
type Config struct {
	Terminal          string
	Dir               string
	Interval          time.Duration
	IntegrityInterval time.Duration

	// Keep is the number of backups retained. Zero keeps all.
	Keep int
}

// Result describes one run.
type Result struct {
	Kind    string        `json:"kind"`
	OK      bool          `json:"ok"`
	Path    string        `json:"path,omitempty"`
	Size    int64         `json:"size_bytes,omitempty"`
	Pruned  []string      `json:"pruned,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`
	Error   string        `json:"error,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithFs sets the filesystem used for backup files. Defaults to the OS.
func WithFs(afs afero.Fs) Option {
	return func(s *Scheduler) { s.fs = afs }
}

// WithLogger sets the logger. The Scheduler adds component=maintenance.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher sets where results are published.
func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithMetrics sets where run metrics are written.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithJournal sets where runs are recorded.
func WithJournal(j Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

// WithClock replaces time.Now for backup file names.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler runs integrity checks and backups on fixed intervals.
//
// Runs are serialized: an on-demand backup never overlaps a scheduled one.
type Scheduler struct {
	store     Store
	cfg       Config
	fs        afero.Fs
	logger    *slog.Logger
	publisher Publisher
	metrics   Metrics
	journal   Journal
	now       func() time.Time

	runMu sync.Mutex

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// New creates a Scheduler. Call Start to begin the schedule.
func New(st Store, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  st,
		cfg:    cfg,
		fs:     afero.NewOsFs(),
		logger: logging.Discard(),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "maintenance")
	return s
}

// Start launches one loop per enabled run. The loops stop when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.IntegrityInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, s.cfg.IntegrityInterval, func(ctx context.Context) { s.RunIntegrity(ctx) })
	}
	if s.cfg.Interval > 0 && s.cfg.Dir != "" {
		s.wg.Add(1)
		go s.loop(ctx, s.cfg.Interval, func(ctx context.Context) { s.RunBackup(ctx) })
	}
	s.logger.Info("maintenance scheduled",
		"integrity_interval", s.cfg.IntegrityInterval,
		"backup_interval", s.cfg.Interval,
		"backup_dir", s.cfg.Dir,
		"keep", s.cfg.Keep,
	)
}

// Stop ends the loops and waits for a run in progress to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// RunIntegrity checks the database once and reports the result.
func (s *Scheduler) RunIntegrity(ctx context.Context) Result {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	err := s.store.VerifyIntegrity(ctx)

	res := Result{Kind: KindIntegrity, OK: err == nil, Elapsed: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		s.logger.Error("integrity check failed", "error", err, "elapsed", res.Elapsed)
	} else {
		s.logger.Info("integrity check passed", "elapsed", res.Elapsed)
	}

	s.report(ctx, res)
	return res
}

// RunBackup writes a timestamped backup into Dir, prunes old ones and
// reports the result.
func (s *Scheduler) RunBackup(ctx context.Context) Result {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	res := Result{Kind: KindBackup}

	err := s.backup(ctx, &res)
	res.Elapsed = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		s.logger.Error("backup failed", "path", res.Path, "error", err)
	} else {
		res.OK = true
		s.logger.Info("backup written",
			"path", res.Path,
			"size", humanize.Bytes(uint64(res.Size)), //nolint:gosec // size is a file length
			"pruned", len(res.Pruned),
			"elapsed", res.Elapsed,
		)
	}

	s.report(ctx, res)
	return res
}

func (s *Scheduler) backup(ctx context.Context, res *Result) error {
	if s.cfg.Dir == "" {
		return errors.New("maintenance: backup dir not configured")
	}

	res.Path = filepath.Join(s.cfg.Dir, BackupName(s.cfg.Terminal, s.now()))
	if err := s.store.Backup(ctx, res.Path); err != nil {
		return err
	}

	info, err := s.fs.Stat(res.Path)
	if err != nil {
		return fmt.Errorf("maintenance: stat backup: %w", err)
	}
	res.Size = info.Size()

	pruned, err := s.Prune()
	res.Pruned = pruned
	if err != nil {
		// The backup itself succeeded; pruning is retried next run.
		s.logger.Warn("pruning backups failed", "dir", s.cfg.Dir, "error", err)
	}
	return nil
}

// Prune removes the oldest backups of this terminal beyond Keep and
// returns the removed paths.
func (s *Scheduler) Prune() ([]string, error) {
	if s.cfg.Keep <= 0 {
		return nil, nil
	}

	backups, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(backups) <= s.cfg.Keep {
		return nil, nil
	}

	var (
		removed []string
		errs    []error
	)
	for _, path := range backups[:len(backups)-s.cfg.Keep] {
		if err := s.fs.Remove(path); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.fs.Remove(path + walSuffix); err != nil && !isNotExist(err) {
			errs = append(errs, err)
		}
		removed = append(removed, path)
	}
	return removed, errors.Join(errs...)
}

// List returns this terminal's backups in Dir, oldest first.
func (s *Scheduler) List() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.cfg.Dir)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("maintenance: listing backups: %w", err)
	}

	prefix := s.cfg.Terminal + "_"
	var backups []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, backupExt) {
			continue
		}
		backups = append(backups, filepath.Join(s.cfg.Dir, name))
	}
	// Names embed a fixed-width UTC timestamp, so lexical order is age order.
	sort.Strings(backups)
	return backups, nil
}

// BackupName returns the file name for a backup taken at t, e.g.
// "till-01_20240501T090000.000Z.db".
func BackupName(terminal string, t time.Time) string {
	return terminal + "_" + t.UTC().Format(backupTimeLayout) + backupExt
}

func (s *Scheduler) report(ctx context.Context, res Result) {
	if s.metrics != nil {
		s.metrics.WriteMaintenance(res.Kind, res.OK, res.Size, res.Elapsed)
	}
	if s.publisher != nil {
		if err := s.publisher.PublishEvent(res.Kind, res); err != nil {
			s.logger.Debug("maintenance event not published", "kind", res.Kind, "error", err)
		}
	}
	if s.journal != nil {
		if err := s.journal.RecordMaintenance(ctx, res); err != nil {
			s.logger.Warn("maintenance run not journaled", "kind", res.Kind, "error", err)
		}
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
