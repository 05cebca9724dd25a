// Package container implements the ephemeral-container sandbox engine (§4.3.a):
// one bind-mounted, non-root container per agent run, removed on exit.
package container

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/internal/common/config"
	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"go.uber.org/zap"
)

// nonRootUID is the UID agents run as inside the container (§4.3.a).
const nonRootUID = "1000"

// Engine spawns one throwaway container per invocation.
type Engine struct {
	cli    *client.Client
	cfg    config.SandboxConfig
	docker config.DockerConfig
	paths  config.PathsConfig
	logger *logger.Logger
}

// New creates the ephemeral container engine.
func New(dockerCfg config.DockerConfig, sandboxCfg config.SandboxConfig, paths config.PathsConfig, log *logger.Logger) (*Engine, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if dockerCfg.Host != "" {
		opts = append(opts, client.WithHost(dockerCfg.Host))
	}
	if dockerCfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(dockerCfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Engine{
		cli:    cli,
		cfg:    sandboxCfg,
		docker: dockerCfg,
		paths:  paths,
		logger: log.WithFields(zap.String("component", "sandbox-container")),
	}, nil
}

// Name implements sandbox.Engine.
func (e *Engine) Name() agent.Engine { return agent.EngineContainer }

// Close releases the underlying Docker client.
func (e *Engine) Close() error { return e.cli.Close() }

// Start implements sandbox.Engine. It builds the exact bind-mount layout
// from §4.3.a, creates a non-root, auto-removing container, attaches its
// stdio, and starts it.
func (e *Engine) Start(ctx context.Context, inv sandbox.Invocation) (*sandbox.Process, error) {
	name := "nanoclaw-" + newCloneName(inv.WorkspaceFolder)

	mounts := e.buildMounts(inv)

	env := make([]string, 0, len(inv.Env))
	for k, v := range inv.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:        e.cfg.ContainerImage,
		Cmd:          []string{inv.AgentCLI.BinaryName()},
		Env:          env,
		WorkingDir:   "/workspace/group",
		User:         nonRootUID,
		Labels:       map[string]string{"com.nanoclaw.workspace": inv.WorkspaceFolder},
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(e.docker.DefaultNetwork),
		AutoRemove:  true,
	}

	resp, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}
	containerID := resp.ID

	attach, err := e.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		_ = e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to attach to container %s: %w", containerID, err)
	}

	if err := e.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		attach.Close()
		_ = e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", containerID, err)
	}

	e.logger.Info("container started",
		zap.String("id", containerID),
		zap.String("workspace", inv.WorkspaceFolder),
		zap.String("agent_cli", inv.AgentCLI.String()))

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		defer stdoutW.Close()
		defer stderrW.Close()
		demultiplex(attach.Reader, stdoutW, stderrW)
	}()

	waited := make(chan error, 1)
	go func() {
		statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
		select {
		case err := <-errCh:
			waited <- err
		case status := <-statusCh:
			if status.StatusCode != 0 {
				waited <- fmt.Errorf("container exited with status %d", status.StatusCode)
			} else {
				waited <- nil
			}
		}
	}()

	return &sandbox.Process{
		Stdin:  attach.Conn,
		Stdout: stdoutR,
		Stderr: stderrR,
		Wait: func() error {
			defer attach.Close()
			return <-waited
		},
		Kill: func() error {
			defer attach.Close()
			return e.cli.ContainerKill(context.Background(), containerID, "SIGKILL")
		},
	}, nil
}

// buildMounts constructs the exact layout specified in §4.3.a.
func (e *Engine) buildMounts(inv sandbox.Invocation) []mount.Mount {
	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: filepath.Join(e.paths.WorkspacesDir(), inv.WorkspaceFolder),
			Target: "/workspace/group",
		},
		{
			Type:     mount.TypeBind,
			Source:   filepath.Join(e.paths.SessionsDir(), inv.WorkspaceFolder),
			Target:   "/home/agent/.claude",
			ReadOnly: false,
		},
		{
			Type:   mount.TypeBind,
			Source: filepath.Join(e.paths.IPCDir(), inv.WorkspaceFolder),
			Target: "/workspace/ipc",
		},
	}

	if inv.Privileged {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: e.paths.DataRoot,
			Target: "/workspace/project",
		})
	} else {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   filepath.Join(e.paths.WorkspacesDir(), "global"),
			Target:   "/workspace/global",
			ReadOnly: true,
		})
	}

	for _, m := range inv.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   filepath.Join("/workspace/extra", m.GuestPath),
			ReadOnly: m.ReadOnly,
		})
	}

	return mounts
}

// demultiplex reads Docker's multiplexed attach stream (8-byte header: stream
// type + big-endian frame size) and fans stdout/stderr frames to separate
// writers, matching the teacher's docker attach handling.
func demultiplex(reader io.Reader, stdout, stderr io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		switch streamType {
		case 1:
			stdout.Write(data)
		case 2:
			stderr.Write(data)
		}
	}
}

// newCloneName produces a unique container/clone name for an invocation,
// avoiding collisions between a stuck cleanup and a fresh run (§5).
func newCloneName(folder string) string {
	return fmt.Sprintf("%s-%s", folder, strconv.FormatInt(time.Now().UnixNano(), 36)+"-"+uuid.New().String()[:8])
}
