// Package agent provides types shared between the sandbox engines and the
// components that select and supervise them.
package agent

// CLI identifies the AI runtime executable invoked inside a sandbox.
type CLI string

const (
	// CLIClaude is the Claude Code CLI.
	CLIClaude CLI = "claude"
	// CLICodex is the OpenAI Codex CLI.
	CLICodex CLI = "codex"
	// CLIOpenCode is the OpenCode CLI.
	CLIOpenCode CLI = "opencode"
)

// String returns the string representation of the CLI.
func (c CLI) String() string {
	return string(c)
}

// IsValid returns true if the CLI is a known agent runtime.
func (c CLI) IsValid() bool {
	switch c {
	case CLIClaude, CLICodex, CLIOpenCode:
		return true
	default:
		return false
	}
}

// BinaryName returns the executable name to resolve on PATH or inside a sandbox.
func (c CLI) BinaryName() string {
	switch c {
	case CLIClaude:
		return "claude"
	case CLICodex:
		return "codex"
	case CLIOpenCode:
		return "opencode"
	default:
		return string(c)
	}
}

// Engine identifies the sandbox isolation strategy.
type Engine string

const (
	// EngineContainer is the ephemeral-container engine (§4.3.a).
	EngineContainer Engine = "container"
	// EngineOneTimeVM is the ephemeral, fresh-clone-per-run VM engine (§4.3.b).
	EngineOneTimeVM Engine = "onetimevm"
	// EnginePersistentVM is the per-workspace persistent disk VM engine (§4.3.c).
	EnginePersistentVM Engine = "persistentvm"
	// EngineInProcess spawns the agent CLI directly with no sandbox (§4.3.d).
	EngineInProcess Engine = "inprocess"
)

// String returns the string representation of the engine.
func (e Engine) String() string {
	return string(e)
}

// IsValid returns true if the engine is a known sandbox strategy.
func (e Engine) IsValid() bool {
	switch e {
	case EngineContainer, EngineOneTimeVM, EnginePersistentVM, EngineInProcess:
		return true
	default:
		return false
	}
}
