// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for subsystems that do not take their deadline from config.
const (
	// ShutdownGrace is the default bounded wait for in-flight runs during
	// graceful shutdown before escalating to forceful termination.
	ShutdownGrace = 10 * time.Second

	// StdinIdleCheckInterval is how often the Agent Supervisor re-evaluates
	// whether a live agent's stdin has gone idle.
	StdinIdleCheckInterval = 1 * time.Second

	// IPCFileStableDelay is how long an IPC request file must be unchanged
	// in size before the dispatcher will read it, to avoid reading a
	// partially-written file.
	IPCFileStableDelay = 50 * time.Millisecond

	// HealthCheckTimeout bounds the Router's own /health handler.
	HealthCheckTimeout = 2 * time.Second
)
