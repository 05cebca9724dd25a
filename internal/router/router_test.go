package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/internal/common/config"
	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/runtimeselect"
	"github.com/nanoclaw/nanoclaw/pkg/agent"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Docker: config.DockerConfig{Host: "unix:///var/run/docker.sock", APIVersion: "1.41"},
		VM:     config.VMConfig{CLI: "tart", BaseImage: "nanoclaw-base"},
		Sandbox: config.SandboxConfig{
			DefaultEngine:  "inprocess",
			DefaultCLI:     "claude",
			ContainerImage: "nanoclaw/agent-runtime:latest",
		},
		Paths: config.PathsConfig{DataRoot: t.TempDir()},
	}
}

func TestBuildEngines_RegistersEveryConstructibleEngine(t *testing.T) {
	cfg := testConfig(t)
	reg, err := buildEngines(cfg, logger.Default())
	require.NoError(t, err)

	// in-process, one-shot VM, and persistent VM never fail to construct
	// (they only shell out lazily, at Start time); the container engine
	// depends on whether a docker client can be built for cfg.Docker.Host,
	// which itself does not require a reachable daemon.
	assert.Contains(t, reg.engines, agent.EngineInProcess)
	assert.Contains(t, reg.engines, agent.EngineOneTimeVM)
	assert.Contains(t, reg.engines, agent.EnginePersistentVM)
}

func TestEngineRegistry_ErrorsOnUnwiredEngine(t *testing.T) {
	cfg := testConfig(t)
	reg, err := buildEngines(cfg, logger.Default())
	require.NoError(t, err)
	delete(reg.engines, agent.EngineContainer)

	_, err = reg.Engine(runtimeselect.Resolution{Engine: agent.EngineContainer, CLI: agent.CLIClaude})
	assert.Error(t, err)
}
