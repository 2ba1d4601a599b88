// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown,
	// including draining in-flight HTTP requests and stopping sessions.
	ShutdownTimeout = 30 * time.Second

	// TrackerRequestTimeout is the maximum time to wait for a single
	// tracker API call, such as the viewer lookup or posting a comment.
	TrackerRequestTimeout = 10 * time.Second

	// MCPShutdownTimeout is the maximum time to wait for the MCP server
	// to close its transports.
	MCPShutdownTimeout = 10 * time.Second
)
