// Package inprocess implements the in-process CLI sandbox engine (§4.3.d):
// no sandbox at all, the agent CLI runs directly with cwd set to the
// workspace directory. Only safe for the privileged workspace — see the
// Open Question in spec.md §9, resolved in DESIGN.md.
package inprocess

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"go.uber.org/zap"
)

// Engine spawns the agent CLI directly on the host.
type Engine struct {
	workspacesDir string
	logger        *logger.Logger
}

// New creates the in-process engine. workspacesDir is the root under which
// `<workspacesDir>/<folder>` becomes the agent's working directory.
func New(workspacesDir string, log *logger.Logger) *Engine {
	return &Engine{
		workspacesDir: workspacesDir,
		logger:        log.WithFields(zap.String("component", "sandbox-inprocess")),
	}
}

// Name implements sandbox.Engine.
func (e *Engine) Name() agent.Engine { return agent.EngineInProcess }

// Start implements sandbox.Engine.
func (e *Engine) Start(ctx context.Context, inv sandbox.Invocation) (*sandbox.Process, error) {
	if !inv.Privileged {
		e.logger.Warn("in-process engine used by a non-privileged workspace; host filesystem is not isolated",
			zap.String("workspace", inv.WorkspaceFolder))
	}

	cmd := exec.CommandContext(ctx, inv.AgentCLI.BinaryName())
	cmd.Dir = e.workspacesDir + "/" + inv.WorkspaceFolder
	cmd.Env = envSlice(inv.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent cli: %w", err)
	}

	e.logger.Info("in-process agent started",
		zap.String("workspace", inv.WorkspaceFolder),
		zap.Int("pid", cmd.Process.Pid))

	return &sandbox.Process{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Wait:   cmd.Wait,
		Kill: func() error {
			if cmd.Process != nil {
				return cmd.Process.Kill()
			}
			return nil
		},
	}, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
