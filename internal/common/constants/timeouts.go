// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// AuditWriteTimeout is the maximum time to wait for a single audit
	// record write. Audit writes run on detached contexts so a cancelled
	// caller does not lose the record.
	AuditWriteTimeout = 5 * time.Second

	// MemoryFlushTimeout is the maximum time the background memory writer
	// waits to drain its queue during shutdown.
	MemoryFlushTimeout = 5 * time.Second

	// ResultRecordTimeout is the maximum time to record a terminal task
	// result on a detached context after the plan's own context is gone
	// (timeout or cancellation paths).
	ResultRecordTimeout = 5 * time.Second

	// MCPRequestTimeout is the maximum time an MCP tool call waits on the
	// orchestrator HTTP API.
	MCPRequestTimeout = 30 * time.Second
)
