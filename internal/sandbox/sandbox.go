// Package sandbox defines the shared contract implemented by the four
// interchangeable sandbox engines (ephemeral container, one-shot VM,
// persistent VM, in-process CLI). Engines are responsible only for
// constructing and starting the right child process; framing, caps,
// timeouts, and idle-close live one layer up in the Agent Supervisor
// (internal/supervisor), which treats every engine's process identically.
package sandbox

import (
	"context"
	"io"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/agent"
)

// Mount describes a validated additional mount requested by a workspace.
// HostPath and GuestPath are both absolute; ReadOnly has already had the
// Mount Policy's enforcement rules applied.
type Mount struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// Invocation is the input to Start: everything an engine needs to spawn
// one agent run, independent of which engine carries it out.
type Invocation struct {
	Prompt          string
	SessionID       string // empty for a fresh session
	WorkspaceFolder string
	ChatID          string
	Privileged      bool
	AgentCLI        agent.CLI
	Mounts          []Mount
	Env             map[string]string
	Timeout         time.Duration

	// IsScheduledTask marks a synthetic invocation injected by the Scheduler (C9)
	// rather than a live chat message, forwarded on stdin per §4.5.
	IsScheduledTask bool
}

// Process is a running child process as constructed by a sandbox engine.
// Stdin stays open until the caller closes it or the process exits, so the
// Agent Supervisor can pipe follow-up messages into a live agent (§4.7).
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	// Wait blocks until the process has exited and returns its error, if any.
	Wait func() error
	// Kill forcibly terminates the process and releases any engine-owned
	// resources (container, VM clone, disk lock).
	Kill func() error
}

// Engine is the contract all four sandbox strategies implement.
type Engine interface {
	// Name identifies the engine for logging and runtime-selection fallback.
	Name() agent.Engine
	// Start constructs and starts the child process for inv. It does not
	// block on the process's lifetime; the caller owns streaming its I/O.
	Start(ctx context.Context, inv Invocation) (*Process, error)
}
