package runtimeselect

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/internal/common/config"
	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/pkg/agent"
)

type fakeChecker struct {
	available map[agent.Engine]bool
}

func (f fakeChecker) Available(e agent.Engine) bool { return f.available[e] }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestResolve_WorkspaceConfigWins(t *testing.T) {
	st := openTestStore(t)
	checker := fakeChecker{available: map[agent.Engine]bool{agent.EngineOneTimeVM: true, agent.EngineContainer: true}}
	sel := New(st, config.SandboxConfig{DefaultEngine: "container", DefaultCLI: "claude"}, checker, logger.Default())

	res, err := sel.Resolve(context.Background(), store.RegisteredGroup{
		Folder:        "team-alpha",
		SandboxEngine: "onetimevm",
		AgentCLI:      "codex",
	})
	require.NoError(t, err)
	assert.Equal(t, agent.EngineOneTimeVM, res.Engine)
	assert.Equal(t, agent.CLICodex, res.CLI)
}

func TestResolve_FallsBackWhenPreferredUnavailable(t *testing.T) {
	st := openTestStore(t)
	checker := fakeChecker{available: map[agent.Engine]bool{agent.EnginePersistentVM: true}}
	sel := New(st, config.SandboxConfig{DefaultEngine: "container", DefaultCLI: "claude"}, checker, logger.Default())

	res, err := sel.Resolve(context.Background(), store.RegisteredGroup{Folder: "team-alpha"})
	require.NoError(t, err)
	assert.Equal(t, agent.EnginePersistentVM, res.Engine)
}

func TestResolve_StoreSettingBeatsDefault(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SetSetting(context.Background(), "sandbox.defaultEngine", "persistentvm"))
	checker := fakeChecker{available: map[agent.Engine]bool{agent.EnginePersistentVM: true}}
	sel := New(st, config.SandboxConfig{DefaultEngine: "container", DefaultCLI: "claude"}, checker, logger.Default())

	res, err := sel.Resolve(context.Background(), store.RegisteredGroup{Folder: "team-alpha"})
	require.NoError(t, err)
	assert.Equal(t, agent.EnginePersistentVM, res.Engine)
}

func TestResolve_FallsBackToInProcessWhenNothingElseAvailable(t *testing.T) {
	st := openTestStore(t)
	checker := fakeChecker{available: map[agent.Engine]bool{agent.EngineInProcess: true}}
	sel := New(st, config.SandboxConfig{DefaultEngine: "container", DefaultCLI: "claude"}, checker, logger.Default())

	res, err := sel.Resolve(context.Background(), store.RegisteredGroup{Folder: "team-alpha", Privileged: true})
	require.NoError(t, err)
	assert.Equal(t, agent.EngineInProcess, res.Engine)
}

func TestResolve_NonPrivilegedNeverGetsInProcess(t *testing.T) {
	st := openTestStore(t)
	checker := fakeChecker{available: map[agent.Engine]bool{agent.EngineInProcess: true}}
	sel := New(st, config.SandboxConfig{DefaultEngine: "container", DefaultCLI: "claude"}, checker, logger.Default())

	res, err := sel.Resolve(context.Background(), store.RegisteredGroup{Folder: "team-alpha", Privileged: false})
	require.NoError(t, err)
	assert.NotEqual(t, agent.EngineInProcess, res.Engine)
}

func TestResolve_NonPrivilegedExplicitInProcessConfigFallsBack(t *testing.T) {
	st := openTestStore(t)
	checker := fakeChecker{available: map[agent.Engine]bool{agent.EngineInProcess: true, agent.EnginePersistentVM: true}}
	sel := New(st, config.SandboxConfig{DefaultEngine: "container", DefaultCLI: "claude"}, checker, logger.Default())

	res, err := sel.Resolve(context.Background(), store.RegisteredGroup{
		Folder:        "team-alpha",
		SandboxEngine: "inprocess",
		Privileged:    false,
	})
	require.NoError(t, err)
	assert.Equal(t, agent.EnginePersistentVM, res.Engine)
}
