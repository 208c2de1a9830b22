// Till Core - point-of-sale persistence daemon
//
// This is the long-running process on each till. It owns the local SQLite
// database: it brings the schema up to date on start, then checks
// integrity and takes rotating backups until it is stopped. Terminal
// status and maintenance results are published over MQTT, and run
// metrics are written to InfluxDB, when those are enabled.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nerrad567/till-core/internal/api"
	"github.com/nerrad567/till-core/internal/audit"
	"github.com/nerrad567/till-core/internal/infrastructure/config"
	"github.com/nerrad567/till-core/internal/infrastructure/database"
	"github.com/nerrad567/till-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/till-core/internal/infrastructure/logging"
	"github.com/nerrad567/till-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/till-core/internal/maintenance"
	"github.com/nerrad567/till-core/internal/store"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// shutdownTimeout bounds how long queued operations may take to drain.
	shutdownTimeout = 30 * time.Second

	// healthCheckTimeout bounds the startup health check.
	healthCheckTimeout = 10 * time.Second
)

// dotEnvFiles are loaded in order; values already in the environment win.
var dotEnvFiles = []string{".env.local", ".env"}

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Till Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if err := loadDotEnv(); err != nil {
		return fmt.Errorf("loading .env: %w", err)
	}

	configPath := getConfigPath()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version).With("terminal", cfg.Terminal.ID)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	manager := store.NewManager(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	},
		store.WithLogger(log.Logger),
		store.WithQueueBuffer(cfg.Queue.Buffer),
	)
	defer func() {
		log.Info("closing database")
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if closeErr := manager.Close(closeCtx); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if err := manager.EnsureInitialized(ctx); err != nil {
		return fmt.Errorf("initialising database: %w", err)
	}
	log.Info("database ready", "path", manager.Path(), "schema", database.TargetVersion)

	// InfluxDB and MQTT are optional; the till keeps trading without them.
	influxClient := connectInfluxDB(cfg, log)
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	mqttClient := connectMQTT(cfg, log)
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	}

	scheduler := maintenance.New(manager, maintenanceConfig(cfg), maintenanceOptions(log, manager, mqttClient, influxClient)...)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if mqttClient != nil {
		if err := subscribeCommands(ctx, mqttClient, scheduler, log); err != nil {
			log.Warn("MQTT commands unavailable", "error", err)
		} else {
			defer func() {
				if unsubErr := mqttClient.Unsubscribe(mqttClient.Topics().AllCommands()); unsubErr != nil {
					log.Warn("error unsubscribing MQTT commands", "error", unsubErr)
				}
			}()
		}
	}

	checks := componentChecks(mqttClient, influxClient)
	reportHealth(ctx, log, manager, checks)

	if apiServer := startAPI(ctx, cfg, log, manager, scheduler, checks); apiServer != nil {
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server (if enabled), letting in-flight runs finish
	// 2. MQTT command subscription, so no new runs start
	// 3. Maintenance scheduler
	// 4. MQTT (if connected)
	// 5. InfluxDB (if connected)
	// 6. Database, after queued operations drain

	log.Info("Till Core stopped")
	return nil
}

// getConfigPath returns the configuration file path from TILL_CONFIG.
// An empty path runs on defaults plus environment overrides.
func getConfigPath() string {
	return os.Getenv("TILL_CONFIG")
}

// loadDotEnv loads .env files from the working directory, if present.
func loadDotEnv() error {
	for _, name := range dotEnvFiles {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func connectInfluxDB(cfg *config.Config, log *logging.Logger) *influxdb.Client {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil
	}

	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Terminal.ID)
	if err != nil {
		log.Warn("InfluxDB unavailable, metrics disabled", "url", cfg.InfluxDB.URL, "error", err)
		return nil
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client
}

func connectMQTT(cfg *config.Config, log *logging.Logger) *mqtt.Client {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT disabled")
		return nil
	}

	client, err := mqtt.Connect(cfg.MQTT, cfg.Terminal.ID)
	if err != nil {
		log.Warn("MQTT unavailable, events disabled",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"error", err,
		)
		return nil
	}
	client.SetLogger(log.Logger)
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
		"status_topic", client.Topics().Status(),
	)
	return client
}

// componentChecks collects the optional clients that are connected, keyed
// by the name /api/v1/health reports them under. Nil clients are left out
// so no typed nil reaches the API.
func componentChecks(mqttClient *mqtt.Client, influxClient *influxdb.Client) map[string]api.Checker {
	checks := make(map[string]api.Checker, 2)
	if mqttClient != nil {
		checks["mqtt"] = mqttClient
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}
	return checks
}

// reportHealth checks the database and every component once at startup.
// Failures are logged; the till keeps running degraded.
func reportHealth(ctx context.Context, log *logging.Logger, manager *store.Manager, checks map[string]api.Checker) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	healthy := true
	if err := manager.HealthCheck(ctx); err != nil {
		log.Error("database health check failed", "error", err)
		healthy = false
	}
	for name, c := range checks {
		if err := c.HealthCheck(ctx); err != nil {
			log.Warn("component health check failed", "component", name, "error", err)
			healthy = false
		}
	}
	if healthy {
		log.Info("health check passed", "components", len(checks)+1)
	}
	return healthy
}

// startAPI serves the local status API when enabled. A bind failure is
// logged and the daemon carries on without it.
func startAPI(ctx context.Context, cfg *config.Config, log *logging.Logger, manager *store.Manager, scheduler *maintenance.Scheduler, checks map[string]api.Checker) *api.Server {
	if !cfg.API.Enabled {
		log.Info("status API disabled")
		return nil
	}

	server, err := api.New(api.Deps{
		Config:      cfg.API,
		Terminal:    cfg.Terminal.ID,
		Logger:      log.Logger,
		Store:       manager,
		History:     audit.NewRepository(manager),
		Maintenance: scheduler,
		Version:     version,
		Checks:      checks,
	})
	if err != nil {
		log.Warn("status API unavailable", "error", err)
		return nil
	}
	if err := server.Start(ctx); err != nil {
		log.Warn("status API unavailable", "error", err)
		return nil
	}
	return server
}

// maintenanceConfig maps the backup section onto a schedule. Disabled
// backups leave the integrity check running.
func maintenanceConfig(cfg *config.Config) maintenance.Config {
	mc := maintenance.Config{
		Terminal:          cfg.Terminal.ID,
		IntegrityInterval: cfg.GetIntegrityInterval(),
	}
	if cfg.Backup.Enabled {
		mc.Dir = cfg.Backup.Dir
		mc.Interval = cfg.GetBackupInterval()
		mc.Keep = cfg.Backup.Keep
	}
	return mc
}

// maintenanceOptions avoids handing typed-nil clients to the scheduler.
func maintenanceOptions(log *logging.Logger, manager *store.Manager, mqttClient *mqtt.Client, influxClient *influxdb.Client) []maintenance.Option {
	opts := []maintenance.Option{
		maintenance.WithLogger(log.Logger),
		maintenance.WithJournal(audit.NewMaintenanceJournal(audit.NewRepository(manager), audit.SourceDaemon)),
	}
	if mqttClient != nil {
		opts = append(opts, maintenance.WithPublisher(mqttClient))
	}
	if influxClient != nil {
		opts = append(opts, maintenance.WithMetrics(influxClient))
	}
	return opts
}

// subscribeCommands lets the back office trigger a backup or integrity
// check on this terminal.
func subscribeCommands(ctx context.Context, client *mqtt.Client, scheduler *maintenance.Scheduler, log *logging.Logger) error {
	topics := client.Topics()
	return client.Subscribe(topics.AllCommands(), 1, func(topic string, _ []byte) error {
		name, ok := topics.CommandName(topic)
		if !ok {
			return fmt.Errorf("unrecognised command topic %q", topic)
		}
		log.Info("maintenance command received", "command", name)

		switch name {
		case mqtt.CommandBackup:
			scheduler.RunBackup(ctx)
		case mqtt.CommandIntegrity:
			scheduler.RunIntegrity(ctx)
		default:
			return fmt.Errorf("unknown command %q", name)
		}
		return nil
	})
}
