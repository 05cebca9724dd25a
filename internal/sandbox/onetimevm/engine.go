// Package onetimevm implements the ephemeral-VM sandbox engine (§4.3.b):
// clone a prepared base image per invocation, boot it, run the agent CLI
// inside over a remote shell, and unconditionally destroy the clone on
// every exit path.
//
// There is no Go SDK for the VM hypervisor in scope here — the corpus does
// not carry one — so this engine drives the platform VM CLI (e.g. `tart`)
// as a subprocess, the same way the container engine drives dockerd, but
// through os/exec instead of a client library.
package onetimevm

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"go.uber.org/zap"
)

// bootTimeout bounds how long a fresh clone is given to acquire an address
// and a reachable remote shell before the run is abandoned.
const bootTimeout = 45 * time.Second

// Engine clones, boots, and destroys a VM per invocation.
type Engine struct {
	vmCLI     string // platform VM CLI binary, e.g. "tart"
	baseImage string
	logger    *logger.Logger
}

// New creates the ephemeral VM engine.
func New(vmCLI, baseImage string, log *logger.Logger) *Engine {
	return &Engine{
		vmCLI:     vmCLI,
		baseImage: baseImage,
		logger:    log.WithFields(zap.String("component", "sandbox-onetimevm")),
	}
}

// Name implements sandbox.Engine.
func (e *Engine) Name() agent.Engine { return agent.EngineOneTimeVM }

// Start implements sandbox.Engine.
func (e *Engine) Start(ctx context.Context, inv sandbox.Invocation) (*sandbox.Process, error) {
	cloneName := fmt.Sprintf("%s-%s", inv.WorkspaceFolder, uuid.New().String()[:8])

	if err := e.run(ctx, "clone", e.baseImage, cloneName); err != nil {
		return nil, fmt.Errorf("failed to clone base image for %s: %w", inv.WorkspaceFolder, err)
	}

	bootCtx, cancelBoot := context.WithTimeout(ctx, bootTimeout)
	defer cancelBoot()
	if err := e.run(bootCtx, "run", "--no-graphics", cloneName); err != nil {
		e.destroy(cloneName)
		return nil, fmt.Errorf("failed to boot clone %s: %w", cloneName, err)
	}

	ip, err := e.resolveIP(bootCtx, cloneName)
	if err != nil {
		e.destroy(cloneName)
		return nil, fmt.Errorf("clone %s never acquired an address: %w", cloneName, err)
	}

	cmd := exec.CommandContext(ctx, e.vmCLI, "exec", cloneName, inv.AgentCLI.BinaryName())
	cmd.Env = envSlice(inv.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		e.destroy(cloneName)
		return nil, fmt.Errorf("failed to open stdin for clone %s: %w", cloneName, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.destroy(cloneName)
		return nil, fmt.Errorf("failed to open stdout for clone %s: %w", cloneName, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		e.destroy(cloneName)
		return nil, fmt.Errorf("failed to open stderr for clone %s: %w", cloneName, err)
	}

	if err := cmd.Start(); err != nil {
		e.destroy(cloneName)
		return nil, fmt.Errorf("failed to exec agent in clone %s: %w", cloneName, err)
	}

	e.logger.Info("vm clone running",
		zap.String("clone", cloneName),
		zap.String("ip", ip),
		zap.String("workspace", inv.WorkspaceFolder))

	return &sandbox.Process{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Wait: func() error {
			err := cmd.Wait()
			e.destroy(cloneName)
			return err
		},
		Kill: func() error {
			defer e.destroy(cloneName)
			if cmd.Process != nil {
				return cmd.Process.Kill()
			}
			return nil
		},
	}, nil
}

// destroy stops and removes the clone unconditionally, on every exit path.
func (e *Engine) destroy(cloneName string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.run(stopCtx, "stop", cloneName); err != nil {
		e.logger.Warn("failed to stop vm clone, attempting delete anyway", zap.String("clone", cloneName), zap.Error(err))
	}
	if err := e.run(stopCtx, "delete", cloneName); err != nil {
		e.logger.Warn("failed to delete vm clone", zap.String("clone", cloneName), zap.Error(err))
	}
}

func (e *Engine) resolveIP(ctx context.Context, cloneName string) (string, error) {
	deadline := time.Now().Add(bootTimeout)
	for time.Now().Before(deadline) {
		out, err := exec.CommandContext(ctx, e.vmCLI, "ip", cloneName).Output()
		if err == nil && len(out) > 0 {
			return string(out), nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return "", fmt.Errorf("timed out waiting for address")
}

func (e *Engine) run(ctx context.Context, args ...string) error {
	return exec.CommandContext(ctx, e.vmCLI, args...).Run()
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
