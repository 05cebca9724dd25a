// Package runtimeselect implements the Runtime Selector (C4, §4.4): for a
// given workspace, resolve which sandbox engine and which agent CLI to
// invoke, in a fixed precedence order, and fall back when the preferred
// engine's binary isn't available on the host.
package runtimeselect

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/nanoclaw/nanoclaw/internal/common/config"
	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"go.uber.org/zap"
)

// Resolution is the outcome of resolving a workspace's runtime.
type Resolution struct {
	Engine agent.Engine
	CLI    agent.CLI
}

// BinaryChecker reports whether a named binary is available for a given
// engine, so the fallback chain can skip engines the host can't run.
// Tests substitute a fake; production uses LookPathChecker.
type BinaryChecker interface {
	Available(engine agent.Engine) bool
}

// LookPathChecker resolves availability via exec.LookPath against each
// engine's driving binary (dockerd's client needs "docker", the VM
// engines need vmCLI, in-process needs nothing beyond the agent CLI
// itself, checked separately).
type LookPathChecker struct {
	VMCLI string
}

// Available implements BinaryChecker.
func (c LookPathChecker) Available(engine agent.Engine) bool {
	switch engine {
	case agent.EngineContainer:
		_, err := exec.LookPath("docker")
		return err == nil
	case agent.EngineOneTimeVM, agent.EnginePersistentVM:
		if c.VMCLI == "" {
			return false
		}
		_, err := exec.LookPath(c.VMCLI)
		return err == nil
	case agent.EngineInProcess:
		return true
	default:
		return false
	}
}

// fallbackChain is the order engines are tried in when the preferred
// engine's binary is unavailable (§4.4): native container, then
// persistent VM, then one-shot VM, then a cross-platform container image
// as the last resort (container engines don't actually differ by
// platform here, but the chain order follows the spec regardless).
var fallbackChain = []agent.Engine{
	agent.EngineContainer,
	agent.EnginePersistentVM,
	agent.EngineOneTimeVM,
	agent.EngineContainer,
}

// Selector resolves (engine, CLI) pairs per workspace.
type Selector struct {
	store   *store.Store
	cfg     config.SandboxConfig
	checker BinaryChecker
	logger  *logger.Logger
}

// New creates a Selector.
func New(st *store.Store, cfg config.SandboxConfig, checker BinaryChecker, log *logger.Logger) *Selector {
	return &Selector{
		store:   st,
		cfg:     cfg,
		checker: checker,
		logger:  log.WithFields(zap.String("component", "runtimeselect")),
	}
}

// Resolve implements the four-tier precedence order from §4.4:
//  1. the workspace's own registered configuration
//  2. a store-level setting override (§12 settings precedence)
//  3. an environment-derived default (already folded into cfg by config.Load)
//  4. the hard-coded package default
// and then walks the fallback chain if the resolved engine's binary is
// unavailable on this host.
func (s *Selector) Resolve(ctx context.Context, workspace store.RegisteredGroup) (Resolution, error) {
	engine := s.resolveEngine(ctx, workspace)
	cli := s.resolveCLI(ctx, workspace)

	resolved := engine
	if resolved == agent.EngineInProcess && !workspace.Privileged {
		// §9 Open Question #3: the in-process engine has no isolation of its
		// own, so it is never resolved for a non-privileged workspace even
		// if explicitly configured — fall back as if it were unavailable.
		resolved = s.fallback(agent.EngineContainer, workspace.Privileged)
		s.logger.Warn("in-process engine is not permitted for a non-privileged workspace, falling back",
			zap.String("workspace", workspace.Folder), zap.String("resolved", string(resolved)))
	} else if !s.checker.Available(engine) {
		resolved = s.fallback(engine, workspace.Privileged)
		s.logger.Warn("preferred sandbox engine unavailable, falling back",
			zap.String("workspace", workspace.Folder),
			zap.String("preferred", string(engine)),
			zap.String("resolved", string(resolved)))
	}

	return Resolution{Engine: resolved, CLI: cli}, nil
}

func (s *Selector) resolveEngine(ctx context.Context, workspace store.RegisteredGroup) agent.Engine {
	if workspace.SandboxEngine != "" && agent.Engine(workspace.SandboxEngine).IsValid() {
		return agent.Engine(workspace.SandboxEngine)
	}
	if value, ok, err := s.store.Setting(ctx, "sandbox.defaultEngine"); err == nil && ok && agent.Engine(value).IsValid() {
		return agent.Engine(value)
	}
	return agent.Engine(s.cfg.DefaultEngine)
}

func (s *Selector) resolveCLI(ctx context.Context, workspace store.RegisteredGroup) agent.CLI {
	if workspace.AgentCLI != "" && agent.CLI(workspace.AgentCLI).IsValid() {
		return agent.CLI(workspace.AgentCLI)
	}
	if value, ok, err := s.store.Setting(ctx, "sandbox.defaultCli"); err == nil && ok && agent.CLI(value).IsValid() {
		return agent.CLI(value)
	}
	return agent.CLI(s.cfg.DefaultCLI)
}

// fallback walks fallbackChain starting just after preferred, returning the
// first engine whose binary is available, or preferred unchanged if none
// are. in-process is only ever offered as the last resort for a
// privileged workspace (§9 Open Question #3) — a non-privileged workspace
// with no available sandboxed engine gets preferred back unchanged, which
// the caller (the Agent Supervisor's Start) will then fail loudly on
// rather than silently running unsandboxed.
func (s *Selector) fallback(preferred agent.Engine, privileged bool) agent.Engine {
	start := 0
	for i, e := range fallbackChain {
		if e == preferred {
			start = i + 1
			break
		}
	}
	for i := start; i < len(fallbackChain); i++ {
		if s.checker.Available(fallbackChain[i]) {
			return fallbackChain[i]
		}
	}
	if privileged && s.checker.Available(agent.EngineInProcess) {
		return agent.EngineInProcess
	}
	return preferred
}

// Trace returns a human-readable precedence trace for a workspace's
// resolved runtime, for diagnostics and the settings-precedence
// supplemented feature (§12).
func (s *Selector) Trace(ctx context.Context, workspace store.RegisteredGroup) string {
	engineSource := "default"
	if workspace.SandboxEngine != "" && agent.Engine(workspace.SandboxEngine).IsValid() {
		engineSource = "workspace config"
	} else if _, ok, _ := s.store.Setting(ctx, "sandbox.defaultEngine"); ok {
		engineSource = "store setting"
	}

	cliSource := "default"
	if workspace.AgentCLI != "" && agent.CLI(workspace.AgentCLI).IsValid() {
		cliSource = "workspace config"
	} else if _, ok, _ := s.store.Setting(ctx, "sandbox.defaultCli"); ok {
		cliSource = "store setting"
	}

	return fmt.Sprintf("engine resolved from %s, cli resolved from %s", engineSource, cliSource)
}
