package server

import "time"

// MetricsCollector is an optional interface for collecting server
// metrics. Implementations can forward to monitoring systems such as
// Prometheus or StatsD.
//
// Every method is called from the reactor thread and must be
// non-blocking; slow sinks should dispatch asynchronously. The server
// checks for a nil collector before calling, so implementations never
// see a nil receiver.
type MetricsCollector interface {
	// RecordCommand records one FTP command execution.
	RecordCommand(cmd string, success bool)

	// RecordTransfer records a completed data transfer; failed
	// transfers are not reported.
	// operation is the verb served (RETR, STOR, APPE, LIST, NLST).
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records a connection attempt. reason provides
	// context for rejections (e.g. "limit_reached", "accepted").
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records an authentication attempt.
	RecordAuthentication(success bool, user string)
}
