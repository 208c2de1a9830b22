package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/till-core/internal/api"
	"github.com/nerrad567/till-core/internal/infrastructure/config"
	"github.com/nerrad567/till-core/internal/infrastructure/database"
	"github.com/nerrad567/till-core/internal/infrastructure/logging"
	"github.com/nerrad567/till-core/internal/maintenance"
	"github.com/nerrad567/till-core/internal/store"
)

// writeConfig writes a daemon config using dir for all state.
func writeConfig(t *testing.T, dir, dbPath string) string {
	t.Helper()
	configPath := filepath.Join(dir, "config.yaml")

	configContent := `
terminal:
  id: till-test

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

backup:
  enabled: true
  dir: "` + filepath.Join(dir, "backups") + `"
  interval: 60
  integrity_interval: 15
  keep: 3

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: error
  format: text
  output: stderr
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0600))
	return configPath
}

func newTestManager(t *testing.T) *store.Manager {
	t.Helper()
	m := store.NewManager(database.Config{
		Path:        filepath.Join(t.TempDir(), "till.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	t.Cleanup(func() {
		m.Close(context.Background()) //nolint:errcheck // Test cleanup
	})
	return m
}

type stubChecker struct {
	err error
}

func (s stubChecker) HealthCheck(context.Context) error { return s.err }

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("TILL_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.Error(t, run(ctx))
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	t.Setenv("TILL_CONFIG", writeConfig(t, t.TempDir(), ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.Error(t, run(ctx))
}

// TestRun_StartupAndShutdown runs the daemon with MQTT and InfluxDB
// disabled until the context expires.
func TestRun_StartupAndShutdown(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "till.db")
	t.Setenv("TILL_CONFIG", writeConfig(t, dir, dbPath))
	t.Chdir(dir)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	require.NoError(t, run(ctx))
	assert.FileExists(t, dbPath)
}

// TestRun_ContextCancelledBeforeStart verifies a cancelled context does not
// hang startup.
func TestRun_ContextCancelledBeforeStart(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TILL_CONFIG", writeConfig(t, dir, filepath.Join(dir, "till.db")))
	t.Chdir(dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	select {
	case err := <-done:
		t.Logf("run() returned: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancellation")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("TILL_CONFIG", "")
	assert.Empty(t, getConfigPath())

	t.Setenv("TILL_CONFIG", "/custom/path/config.yaml")
	assert.Equal(t, "/custom/path/config.yaml", getConfigPath())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	require.NoError(t, loadDotEnv(), "no files is fine")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TILL_DOTENV_TEST=from-env\nTILL_DOTENV_BOTH=env\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("TILL_DOTENV_BOTH=local\n"), 0600))
	t.Cleanup(func() {
		os.Unsetenv("TILL_DOTENV_TEST")
		os.Unsetenv("TILL_DOTENV_BOTH")
	})

	require.NoError(t, loadDotEnv())
	assert.Equal(t, "from-env", os.Getenv("TILL_DOTENV_TEST"))
	assert.Equal(t, "local", os.Getenv("TILL_DOTENV_BOTH"), ".env.local wins")
}

func TestMaintenanceConfig(t *testing.T) {
	cfg := config.Default()

	mc := maintenanceConfig(cfg)
	assert.Equal(t, cfg.Backup.Dir, mc.Dir)
	assert.Equal(t, time.Hour, mc.Interval)
	assert.Equal(t, 24, mc.Keep)
	assert.Equal(t, 15*time.Minute, mc.IntegrityInterval)
	assert.Equal(t, "till-01", mc.Terminal)

	cfg.Backup.Enabled = false
	mc = maintenanceConfig(cfg)
	assert.Empty(t, mc.Dir)
	assert.Zero(t, mc.Interval)
	assert.Equal(t, 15*time.Minute, mc.IntegrityInterval, "integrity checks run with backups disabled")
}

func TestOptionalClientsDisabled(t *testing.T) {
	cfg := config.Default()
	log := logging.NewWithWriter(cfg.Logging, "test", os.Stderr)

	assert.Nil(t, connectInfluxDB(cfg, log))
	assert.Nil(t, connectMQTT(cfg, log))
	assert.Len(t, maintenanceOptions(log, nil, nil, nil), 2, "logger and journal only")
	assert.Empty(t, componentChecks(nil, nil), "disabled clients are not health checked")
}

func TestReportHealth(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Format = "json"
	var buf bytes.Buffer
	log := logging.NewWithWriter(cfg.Logging, "test", &buf)
	manager := newTestManager(t)
	ctx := context.Background()

	assert.True(t, reportHealth(ctx, log, manager, map[string]api.Checker{"mqtt": stubChecker{}}))
	assert.Contains(t, buf.String(), "health check passed")

	buf.Reset()
	checks := map[string]api.Checker{"influxdb": stubChecker{err: errors.New("influxdb: not connected")}}
	assert.False(t, reportHealth(ctx, log, manager, checks))
	assert.Contains(t, buf.String(), `"component":"influxdb"`)

	require.NoError(t, manager.Close(ctx))
	buf.Reset()
	assert.False(t, reportHealth(ctx, log, manager, nil))
	assert.Contains(t, buf.String(), "database health check failed")
}

func TestStartAPI(t *testing.T) {
	cfg := config.Default()
	log := logging.NewWithWriter(cfg.Logging, "test", os.Stderr)
	manager := newTestManager(t)
	scheduler := maintenance.New(manager, maintenanceConfig(cfg))

	assert.Nil(t, startAPI(context.Background(), cfg, log, manager, scheduler, nil), "disabled")

	cfg.API.Enabled = true
	cfg.API.Port = 0
	checks := map[string]api.Checker{"mqtt": stubChecker{err: errors.New("mqtt: client not connected")}}
	srv := startAPI(context.Background(), cfg, log, manager, scheduler, checks)
	require.NotNil(t, srv)
	defer srv.Close() //nolint:errcheck // Test cleanup

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + srv.Addr() + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "ok", health.Components["database"])
	assert.Equal(t, "mqtt: client not connected", health.Components["mqtt"])
}
