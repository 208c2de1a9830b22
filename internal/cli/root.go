package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/till-core/internal/audit"
	"github.com/nerrad567/till-core/internal/infrastructure/config"
	"github.com/nerrad567/till-core/internal/infrastructure/database"
	"github.com/nerrad567/till-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/till-core/internal/infrastructure/logging"
	"github.com/nerrad567/till-core/internal/store"
)

// closeTimeout bounds how long a command waits for the queue to drain.
const closeTimeout = 30 * time.Second

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool

	// BuildInfo is reported by the version command.
	Version string
	Commit  string
	Date    string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for tillctl.
func NewRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tillctl",
		Short: "Operate a till's local database",
		Long: `tillctl inspects and maintains the SQLite database of a Till Core terminal.

It uses the same configuration as the daemon (TILL_CONFIG or --config, plus
TILL_* environment overrides). Commands that touch the database go through
the same operation queue, so they are safe to run beside the daemon.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", opts.ConfigPath, "path to config.yaml (defaults plus TILL_* overrides when empty)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(NewVersionCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewIntegrityCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))
	cmd.AddCommand(NewRestoreCommand(opts))
	cmd.AddCommand(NewOrderNumberCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

// env is what a command needs to reach the database.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *store.Manager
	out     *Output
}

// setup loads config and builds an uninitialised Manager. The caller must
// call env.close.
func setup(cmd *cobra.Command, opts *RootOptions) (*env, error) {
	cfg, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	e := &env{
		cfg:    cfg,
		logger: commandLogger(cmd.ErrOrStderr(), cfg, opts),
		out:    &Output{Format: opts.Format, Writer: cmd.OutOrStdout()},
	}
	e.manager = store.NewManager(databaseConfig(cfg),
		store.WithLogger(e.logger),
		store.WithQueueBuffer(cfg.Queue.Buffer),
	)
	return e, nil
}

func (e *env) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return e.manager.Close(ctx)
}

// connectInfluxDB returns a metrics client when InfluxDB is enabled and
// reachable, nil otherwise. Commands never fail for lack of metrics.
func (e *env) connectInfluxDB() *influxdb.Client {
	if !e.cfg.InfluxDB.Enabled {
		return nil
	}
	client, err := influxdb.Connect(e.cfg.InfluxDB, e.cfg.Terminal.ID)
	if err != nil {
		e.logger.Warn("InfluxDB unavailable, metrics not recorded", "error", err)
		return nil
	}
	client.SetOnError(func(err error) {
		e.logger.Error("InfluxDB write error", "error", err)
	})
	return client
}

// record writes an audit entry attributed to tillctl. A failure is logged,
// never returned; the command itself already succeeded or failed.
func (e *env) record(ctx context.Context, entry *audit.AuditLog) {
	entry.Source = audit.SourceCLI
	if err := audit.NewRepository(e.manager).Create(ctx, entry); err != nil {
		e.logger.Warn("audit entry not recorded", "action", entry.Action, "error", err)
	}
}

func databaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	}
}

// commandLogger logs to stderr when verbose, so stdout stays parseable.
func commandLogger(w io.Writer, cfg *config.Config, opts *RootOptions) *slog.Logger {
	if !opts.Verbose {
		return logging.Discard()
	}
	lc := cfg.Logging
	lc.Format = "text"
	lc.Level = "debug"
	return logging.NewWithWriter(lc, opts.Version, w).Logger
}

// runWithEnv wraps a command body with setup and close.
func runWithEnv(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, e *env) error) (err error) {
	e, err := setup(cmd, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := e.close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing database: %w", closeErr)
		}
	}()
	return fn(cmd.Context(), e)
}
