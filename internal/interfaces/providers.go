package interfaces

import (
	"context"
	"time"
)

// ConnectionState represents the lifecycle state of a provider connection
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionUnavailable  ConnectionState = "unavailable"
)

// ToolCaller hides provider connection lifecycle from phase handlers. One
// instance per worker process, shared by all concurrently executing jobs;
// implementations must be safe for concurrent use and must never hold
// job-specific state.
type ToolCaller interface {
	// Call invokes a named tool on the provider that owns it. The deadline
	// bounds the whole call including any session establishment. Errors are
	// classified per the provider error taxonomy.
	Call(ctx context.Context, provider, tool string, args map[string]any, deadline time.Duration) (map[string]any, error)

	// State reports the current connection state for a provider
	State(provider string) ConnectionState

	// Close tears down all provider sessions
	Close() error
}
