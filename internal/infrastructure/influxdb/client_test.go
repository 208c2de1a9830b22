package influxdb_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/till-core/internal/infrastructure/config"
	"github.com/nerrad567/till-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/till-core/internal/ordernumber"
	"github.com/nerrad567/till-core/internal/transaction"
)

const testTerminal = "till-test"

// testConfig returns a configuration for the local dev InfluxDB.
// These values match docker-compose.yml.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "till-dev-token",
		Org:           "till",
		Bucket:        "till",
		BatchSize:     100,
		FlushInterval: 1, // 1 second for faster test feedback
	}
}

// skipIfNoInfluxDB skips the test if InfluxDB is not running.
func skipIfNoInfluxDB(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		client, err := influxdb.Connect(testConfig(), testTerminal)
		if err != nil {
			t.Skip("InfluxDB not available, skipping integration test")
		}
		client.Close()
	}
}

// connectWithErrors connects and returns a func that closes the client
// (flushing every buffered point) and reports the last async write error.
func connectWithErrors(t *testing.T) (*influxdb.Client, func() error) {
	t.Helper()
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig(), testTerminal)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	var (
		mu       sync.Mutex
		writeErr error
	)
	client.SetOnError(func(err error) {
		mu.Lock()
		writeErr = err
		mu.Unlock()
	})

	return client, func() error {
		require.NoError(t, client.Close())
		// Give the error callback a moment.
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		return writeErr
	}
}

func TestConnect(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig(), testTerminal)
	require.NoError(t, err)
	defer client.Close()

	assert.True(t, client.IsConnected())
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg, testTerminal)
	assert.ErrorIs(t, err, influxdb.ErrDisabled)
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999" // Non-existent port

	_, err := influxdb.Connect(cfg, testTerminal)
	assert.ErrorIs(t, err, influxdb.ErrConnectionFailed)
}

func TestConnect_DefaultBatchSettings(t *testing.T) {
	skipIfNoInfluxDB(t)
	cfg := testConfig()
	cfg.BatchSize = -5
	cfg.FlushInterval = 0

	client, err := influxdb.Connect(cfg, testTerminal)
	require.NoError(t, err)
	defer client.Close()

	assert.True(t, client.IsConnected())
}

func TestHealthCheck(t *testing.T) {
	client, _ := connectWithErrors(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, client.HealthCheck(ctx))

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	assert.Error(t, client.HealthCheck(cancelled))

	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.HealthCheck(ctx), influxdb.ErrNotConnected)
}

func TestRecordTransaction(t *testing.T) {
	client, wait := connectWithErrors(t)

	client.RecordTransaction(transaction.OutcomeRolledBack, 1, 12*time.Millisecond)
	client.RecordTransaction(transaction.OutcomeCommitted, 2, 30*time.Millisecond)

	assert.NoError(t, wait())
}

func TestRecordOrderNumber(t *testing.T) {
	client, wait := connectWithErrors(t)

	client.RecordOrderNumber(ordernumber.Issued{
		Number:   "S24050100001",
		Type:     ordernumber.TypeSale,
		DatePart: "240501",
		Sequence: 1,
	})

	assert.NoError(t, wait())
}

func TestWriteMaintenance(t *testing.T) {
	client, wait := connectWithErrors(t)

	client.WriteMaintenance("backup", true, 8192, 250*time.Millisecond)
	client.WriteMaintenance("integrity", false, 0, 40*time.Millisecond)

	assert.NoError(t, wait())
}

func TestClose(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig(), testTerminal)
	require.NoError(t, err)

	client.RecordTransaction(transaction.OutcomeCommitted, 1, time.Millisecond)

	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())
	assert.NoError(t, client.Close(), "Close is idempotent")

	// Writes after Close are dropped.
	client.RecordTransaction(transaction.OutcomeCommitted, 1, time.Millisecond)
}
