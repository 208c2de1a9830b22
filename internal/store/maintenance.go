package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/nerrad567/till-core/internal/infrastructure/database"
)

const (
	// walSuffix and shmSuffix name SQLite's WAL-mode sidecar files.
	walSuffix = "-wal"
	shmSuffix = "-shm"

	// tmpSuffix names the staging file a copy is written to.
	tmpSuffix = ".tmp"

	backupDirPermissions  = 0750
	backupFilePermissions = 0600
)

// CheckIntegrity runs PRAGMA integrity_check through the queue and
// reports whether SQLite answered "ok".
func (m *Manager) CheckIntegrity(ctx context.Context) (bool, error) {
	problems, err := m.integrityProblems(ctx)
	if err != nil {
		return false, err
	}
	return len(problems) == 0, nil
}

// VerifyIntegrity is CheckIntegrity returning an *IntegrityError that
// lists what SQLite reported when the check does not pass.
func (m *Manager) VerifyIntegrity(ctx context.Context) error {
	problems, err := m.integrityProblems(ctx)
	if err != nil {
		return err
	}
	if len(problems) > 0 {
		return &IntegrityError{Problems: problems}
	}
	return nil
}

// HealthCheck runs a trivial query through the queue. A long
// transaction holding the queue delays it; ctx bounds the wait.
func (m *Manager) HealthCheck(ctx context.Context) error {
	_, err := m.Enqueue(ctx, func(ctx context.Context, ex database.Execer) (any, error) {
		return nil, database.HealthCheck(ctx, ex)
	})
	return err
}

func (m *Manager) integrityProblems(ctx context.Context) ([]string, error) {
	return Run(ctx, m, func(ctx context.Context, ex database.Execer) ([]string, error) {
		rows, err := ex.Query(ctx, "PRAGMA integrity_check")
		if err != nil {
			return nil, fmt.Errorf("running integrity check: %w", err)
		}

		var problems []string
		for _, row := range rows {
			for _, v := range row {
				if s := database.AsString(v); s != "ok" {
					problems = append(problems, s)
				}
			}
		}
		if len(rows) == 0 {
			problems = append(problems, "no result")
		}
		m.logger.Info("integrity check", "ok", len(problems) == 0, "problems", len(problems))
		return problems, nil
	})
}

// Backup copies the live database file to path.
//
// It runs as a queued operation: the connection is closed so the file is
// quiescent, the file (and its -wal sidecar if one survives) is copied,
// and the connection is reopened. The reopen happens before any error is
// returned, including a copy failure.
func (m *Manager) Backup(ctx context.Context, path string) error {
	_, err := m.Enqueue(ctx, func(ctx context.Context, _ database.Execer) (any, error) {
		return nil, m.cycle(ctx, "backup", func() (int64, error) {
			return m.copyDatabase(m.cfg.Path, path)
		})
	})
	return err
}

// Restore replaces the live database file with the one at path, then
// reopens the connection (running migrations if the backup is older).
//
// The source is checked before the connection is touched; a missing
// backup returns ErrBackupNotFound without a close/reopen cycle.
func (m *Manager) Restore(ctx context.Context, path string) error {
	if _, err := m.fs.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBackupNotFound, path)
		}
		return fmt.Errorf("checking backup: %w", err)
	}

	_, err := m.Enqueue(ctx, func(ctx context.Context, _ database.Execer) (any, error) {
		return nil, m.cycle(ctx, "restore", func() (int64, error) {
			return m.copyDatabase(path, m.cfg.Path)
		})
	})
	return err
}

// cycle closes the connection, runs copy and reopens. It executes inside
// the init singleflight group so callers of EnsureInitialized that arrive
// mid-cycle wait for the reopen instead of opening the file under the copy.
func (m *Manager) cycle(ctx context.Context, name string, copyFn func() (int64, error)) error {
	start := time.Now()
	reopenCtx := context.WithoutCancel(ctx)

	var copyErr, reopenErr error
	for ran := false; !ran; {
		// A no-op init already in flight would be joined instead of
		// running the cycle; go round until this function itself ran.
		_, reopenErr, _ = m.init.Do(initKey, func() (any, error) {
			ran = true
			return nil, m.runCycle(reopenCtx, name, start, copyFn, &copyErr)
		})
	}

	if reopenErr != nil {
		m.logger.Error(name+" reopen failed", "error", reopenErr)
	}
	return errors.Join(copyErr, reopenErr)
}

// runCycle is the body of cycle. The copy outcome is reported through
// copyErr; the return value is the reopen result.
func (m *Manager) runCycle(ctx context.Context, name string, start time.Time, copyFn func() (int64, error), copyErr *error) error {
	if err := m.disconnect(); err != nil {
		*copyErr = err
	} else {
		n, err := copyFn()
		if err != nil {
			*copyErr = fmt.Errorf("%s copy: %w", name, err)
		} else {
			m.logger.Info(name+" copied",
				"size", humanize.Bytes(uint64(n)), //nolint:gosec // n is a byte count from io.Copy
				"elapsed", time.Since(start),
			)
		}
	}
	return m.initialize(ctx)
}

// copyDatabase copies a database file and its WAL sidecar from src to dst.
// A stale dst sidecar is removed when src has none, so SQLite never
// replays an old log over the copied file. Returns bytes written.
func (m *Manager) copyDatabase(src, dst string) (int64, error) {
	n, err := copyFile(m.fs, src, dst)
	if err != nil {
		return 0, err
	}

	if exists, _ := afero.Exists(m.fs, src+walSuffix); exists {
		w, err := copyFile(m.fs, src+walSuffix, dst+walSuffix)
		if err != nil {
			return n, err
		}
		n += w
	} else if err := removeIfExists(m.fs, dst+walSuffix); err != nil {
		return n, err
	}

	if err := removeIfExists(m.fs, dst+shmSuffix); err != nil {
		return n, err
	}
	return n, nil
}

// copyFile writes src to dst through fs, creating dst's directory. The
// data goes to dst+".tmp" first and is renamed over dst only once it is
// complete, so a failed copy leaves any existing dst untouched.
func copyFile(fs afero.Fs, src, dst string) (int64, error) {
	in, err := fs.Open(src)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	if err := fs.MkdirAll(filepath.Dir(dst), backupDirPermissions); err != nil {
		return 0, fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
	}

	tmp := dst + tmpSuffix
	n, err := writeFile(fs, in, tmp)
	if err != nil {
		fs.Remove(tmp) //nolint:errcheck // Write error takes precedence
		return n, err
	}
	if err := fs.Rename(tmp, dst); err != nil {
		fs.Remove(tmp) //nolint:errcheck // Rename error takes precedence
		return n, fmt.Errorf("replacing %s: %w", dst, err)
	}
	return n, nil
}

// writeFile copies r into a freshly truncated path and syncs it.
func writeFile(fs afero.Fs, r io.Reader, path string) (int64, error) {
	out, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, backupFilePermissions)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", path, err)
	}

	n, err := io.Copy(out, r)
	if err != nil {
		out.Close() //nolint:errcheck // Copy error takes precedence
		return n, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := out.Sync(); err != nil {
		out.Close() //nolint:errcheck // Sync error takes precedence
		return n, fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("closing %s: %w", path, err)
	}
	return n, nil
}

func removeIfExists(fs afero.Fs, path string) error {
	if err := fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}
