// Package maintenance runs the till's periodic database housekeeping.
//
// A Scheduler checks integrity every IntegrityInterval and writes a
// timestamped backup into Dir every Interval, keeping the newest Keep
// files. Each run is logged, written to the metrics sink and published as
// an event, when those are configured. Both runs can also be triggered on
// demand, e.g. from an MQTT command.
package maintenance
