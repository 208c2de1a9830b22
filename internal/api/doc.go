// Package api implements the daemon's local HTTP status API.
//
// It lets the back office and on-site tooling see how a till's store is
// doing without shelling in:
//   - GET  /api/v1/health                  database, MQTT and InfluxDB health
//   - GET  /api/v1/status                  connection state and queue counters
//   - GET  /api/v1/history                 recorded maintenance runs
//   - POST /api/v1/maintenance/{kind}      run a backup or integrity check now
//   - GET  /api/v1/order-numbers/{number}  decode an order number
//
// The listener binds to 127.0.0.1 by default. There is no authentication;
// expose it beyond the host only behind something that adds it.
package api
