package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/till-core/internal/ordernumber"
	"github.com/nerrad567/till-core/internal/transaction"
)

// Measurement names written by the till.
const (
	measurementTransactions = "till_transactions"
	measurementOrderNumbers = "till_order_numbers"
	measurementMaintenance  = "till_maintenance"
)

var (
	_ transaction.Recorder = (*Client)(nil)
	_ ordernumber.Recorder = (*Client)(nil)
)

// RecordTransaction writes one transaction attempt outcome.
//
// Implements transaction.Recorder. The write is non-blocking; data is
// batched and sent asynchronously.
func (c *Client) RecordTransaction(outcome transaction.Outcome, attempt int, elapsed time.Duration) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(transactionPoint(c.terminal, outcome, attempt, elapsed, time.Now()))
}

// RecordOrderNumber writes one issued order number. Degraded numbers are
// tagged so clock-fallback sequences can be alerted on.
//
// Implements ordernumber.Recorder.
func (c *Client) RecordOrderNumber(issued ordernumber.Issued) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(orderNumberPoint(c.terminal, issued, time.Now()))
}

// WriteMaintenance records a backup, restore or integrity check run.
//
// Parameters:
//   - kind: "backup", "restore" or "integrity"
//   - ok: whether the run succeeded
//   - size: bytes copied (0 for integrity checks)
//   - elapsed: how long the run took
func (c *Client) WriteMaintenance(kind string, ok bool, size int64, elapsed time.Duration) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(maintenancePoint(c.terminal, kind, ok, size, elapsed, time.Now()))
}

func transactionPoint(terminal string, outcome transaction.Outcome, attempt int, elapsed time.Duration, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementTransactions,
		map[string]string{
			"terminal": terminal,
			"outcome":  string(outcome),
		},
		map[string]interface{}{
			"attempt":    attempt,
			"elapsed_ms": float64(elapsed) / float64(time.Millisecond),
		},
		ts,
	)
}

func orderNumberPoint(terminal string, issued ordernumber.Issued, ts time.Time) *write.Point {
	degraded := "false"
	if issued.Degraded {
		degraded = "true"
	}
	return write.NewPoint(
		measurementOrderNumbers,
		map[string]string{
			"terminal": terminal,
			"type":     string(issued.Type),
			"degraded": degraded,
		},
		map[string]interface{}{
			"sequence": issued.Sequence,
		},
		ts,
	)
}

func maintenancePoint(terminal, kind string, ok bool, size int64, elapsed time.Duration, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementMaintenance,
		map[string]string{
			"terminal": terminal,
			"kind":     kind,
		},
		map[string]interface{}{
			"ok":         ok,
			"size_bytes": size,
			"elapsed_ms": float64(elapsed) / float64(time.Millisecond),
		},
		ts,
	)
}
