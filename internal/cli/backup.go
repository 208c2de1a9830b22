package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nerrad567/till-core/internal/audit"
	"github.com/nerrad567/till-core/internal/maintenance"
)

// BackupResult is the backup and restore commands' output.
type BackupResult struct {
	Path    string `json:"path"`
	Size    int64  `json:"size_bytes"`
	Elapsed string `json:"elapsed"`
}

// NewBackupCommand creates the backup command.
func NewBackupCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup [dest]",
		Short: "Copy the database to a file",
		Long: `Copy the live database to dest, closing and reopening the connection
around the copy. Without dest, a timestamped file is written into backup.dir.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnv(cmd, opts, func(ctx context.Context, e *env) error {
				dest := ""
				if len(args) == 1 {
					dest = args[0]
				} else {
					if e.cfg.Backup.Dir == "" {
						return fmt.Errorf("no destination given and backup.dir is not set")
					}
					dest = filepath.Join(e.cfg.Backup.Dir, maintenance.BackupName(e.cfg.Terminal.ID, time.Now()))
				}

				start := time.Now()
				err := e.manager.Backup(ctx, dest)
				e.record(ctx, copyEntry(audit.ActionBackup, dest, time.Since(start), err))
				if err != nil {
					return err
				}
				return writeCopyResult(e, "backed up to", dest, time.Since(start))
			})
		},
	}
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <src>",
		Short: "Replace the database with a backup",
		Long: `Replace the live database with src and reopen it. A backup from an
older schema is migrated on reopen.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnv(cmd, opts, func(ctx context.Context, e *env) error {
				start := time.Now()
				err := e.manager.Restore(ctx, args[0])
				e.record(ctx, copyEntry(audit.ActionRestore, args[0], time.Since(start), err))
				if err != nil {
					return err
				}
				return writeCopyResult(e, "restored from", args[0], time.Since(start))
			})
		},
	}
}

func writeCopyResult(e *env, verb, path string, elapsed time.Duration) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	res := BackupResult{
		Path:    path,
		Size:    info.Size(),
		Elapsed: elapsed.Round(time.Millisecond).String(),
	}
	return e.out.Result(res, "%s %s (%s, %s)",
		verb, res.Path, humanize.Bytes(uint64(res.Size)), res.Elapsed) //nolint:gosec // size is a file length
}

func copyEntry(action, path string, elapsed time.Duration, err error) *audit.AuditLog {
	entry := &audit.AuditLog{
		Action:     action,
		EntityType: "database",
		EntityID:   path,
		Success:    err == nil,
		Details:    map[string]any{"elapsed_ms": elapsed.Milliseconds()},
	}
	if err != nil {
		entry.Details["error"] = err.Error()
	}
	return entry
}
