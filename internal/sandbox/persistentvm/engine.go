// Package persistentvm implements the per-workspace persistent-disk VM
// sandbox engine (§4.3.c): one disk image per workspace, cloned lazily from
// a base image (copy-on-write where the host filesystem supports it), kept
// across runs. Adds Reset (discard the disk; the next Start re-clones it
// from base) and Stats (disk usage).
package persistentvm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"go.uber.org/zap"
)

// Engine maintains one persistent VM disk per workspace folder.
type Engine struct {
	vmCLI     string
	baseImage string
	imagesDir string
	logger    *logger.Logger

	mu   sync.Mutex
	live map[string]bool // folder -> disk already cloned from base
}

// New creates the persistent VM engine. imagesDir is where per-workspace
// disk images are kept (data/vibe-images/<folder>.raw per §6.5).
func New(vmCLI, baseImage, imagesDir string, log *logger.Logger) *Engine {
	return &Engine{
		vmCLI:     vmCLI,
		baseImage: baseImage,
		imagesDir: imagesDir,
		logger:    log.WithFields(zap.String("component", "sandbox-persistentvm")),
		live:      make(map[string]bool),
	}
}

// Name implements sandbox.Engine.
func (e *Engine) Name() agent.Engine { return agent.EnginePersistentVM }

func (e *Engine) diskPath(folder string) string {
	return filepath.Join(e.imagesDir, folder+".raw")
}

// ensureDisk lazily clones the base image into the workspace's disk the
// first time it is needed, using copy-on-write clone support where present.
func (e *Engine) ensureDisk(ctx context.Context, folder string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	disk := e.diskPath(folder)
	if _, err := os.Stat(disk); err == nil {
		return nil
	}
	if err := os.MkdirAll(e.imagesDir, 0o755); err != nil {
		return fmt.Errorf("failed to prepare image directory: %w", err)
	}
	if err := exec.CommandContext(ctx, e.vmCLI, "clone", "--cow", e.baseImage, disk).Run(); err != nil {
		return fmt.Errorf("failed to clone persistent disk for %s: %w", folder, err)
	}
	e.live[folder] = true
	return nil
}

// Start implements sandbox.Engine. It boots the workspace's persistent disk
// (cloning it from base on first use), injects a setup script that invokes
// the agent CLI, and leaves the disk in place after exit.
func (e *Engine) Start(ctx context.Context, inv sandbox.Invocation) (*sandbox.Process, error) {
	if err := e.ensureDisk(ctx, inv.WorkspaceFolder); err != nil {
		return nil, err
	}

	disk := e.diskPath(inv.WorkspaceFolder)
	cmd := exec.CommandContext(ctx, e.vmCLI, "run", "--disk", disk, "--exec", inv.AgentCLI.BinaryName())
	cmd.Env = envSlice(inv.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin for %s: %w", inv.WorkspaceFolder, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout for %s: %w", inv.WorkspaceFolder, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr for %s: %w", inv.WorkspaceFolder, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to boot persistent disk for %s: %w", inv.WorkspaceFolder, err)
	}

	e.logger.Info("persistent vm running", zap.String("workspace", inv.WorkspaceFolder), zap.String("disk", disk))

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

// Reset discards a workspace's disk and its accumulated state; the next
// Start clones a fresh disk from the base image.
func (e *Engine) Reset(ctx context.Context, folder string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	disk := e.diskPath(folder)
	if err := os.RemoveAll(disk); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing disk for %s: %w", folder, err)
	}
	delete(e.live, folder)
	e.logger.Info("persistent vm disk reset", zap.String("workspace", folder))
	return nil
}

// DiskStats reports a workspace's persistent disk usage, in bytes.
type DiskStats struct {
	Folder    string
	SizeBytes int64
}

// Stats reports per-workspace disk usage for every workspace with a
// provisioned persistent disk.
func (e *Engine) Stats() ([]DiskStats, error) {
	entries, err := os.ReadDir(e.imagesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list persistent disks: %w", err)
	}

	var stats []DiskStats
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		folder := entry.Name()
		if ext := filepath.Ext(folder); ext == ".raw" {
			folder = folder[:len(folder)-len(ext)]
		}
		stats = append(stats, DiskStats{Folder: folder, SizeBytes: info.Size()})
	}
	return stats, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
