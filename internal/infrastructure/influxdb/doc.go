// Package influxdb provides InfluxDB connectivity for Till Core.
//
// It wraps the official influxdb-client-go v2 library for batched writes
// and health checks.
//
// # Purpose
//
// The Client records till telemetry:
//   - transaction attempt outcomes (committed, rolled back, timed out)
//   - issued order numbers, with clock-fallback numbers tagged degraded
//   - backup, restore and integrity check runs
//
// It implements transaction.Recorder and ordernumber.Recorder, so it can
// be passed straight to those packages.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Terminal.ID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	coord := transaction.New(manager, transaction.WithRecorder(client))
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned
// directly. Telemetry never fails a sale: a disconnected client drops
// points silently.
package influxdb
