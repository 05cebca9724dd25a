package groupqueue

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/supervisor"
	"github.com/nanoclaw/nanoclaw/pkg/agent"
)

type fakeEngine struct{}

func (fakeEngine) Name() agent.Engine { return agent.EngineInProcess }

func (fakeEngine) Start(ctx context.Context, inv sandbox.Invocation) (*sandbox.Process, error) {
	stdinR, stdinW := io.Pipe()
	stdinClosed := make(chan struct{})
	go func() {
		io.Copy(io.Discard, stdinR)
		close(stdinClosed)
	}()
	return &sandbox.Process{
		Stdin:  stdinW,
		Stdout: io.NopCloser(io.MultiReader()),
		Stderr: io.NopCloser(io.MultiReader()),
		Wait: func() error {
			select {
			case <-stdinClosed:
			case <-ctx.Done():
			}
			return nil
		},
		Kill: func() error { return nil },
	}, nil
}

func launchFake(t *testing.T, workspace string) *supervisor.Handle {
	t.Helper()
	sup := supervisor.New(logger.Default())
	h, err := sup.Launch(context.Background(), fakeEngine{}, sandbox.Invocation{WorkspaceFolder: workspace}, supervisor.Options{
		Timeout:        5 * time.Second,
		IdleTimeout:    5 * time.Second,
		MaxOutputBytes: 1024,
	})
	require.NoError(t, err)
	return h
}

func TestEnqueueCheck_Coalesces(t *testing.T) {
	q := New(logger.Default())
	q.EnqueueCheck("team-alpha")
	q.EnqueueCheck("team-alpha")

	assert.True(t, q.TakeCheck("team-alpha"))
	assert.False(t, q.TakeCheck("team-alpha"), "second take should find nothing pending")
}

func TestEnqueueCheck_ReArmsAfterFinish(t *testing.T) {
	q := New(logger.Default())
	q.EnqueueCheck("team-alpha")
	require.True(t, q.TakeCheck("team-alpha"))

	// A signal raised while checking survives FinishCheck.
	q.EnqueueCheck("team-alpha")
	q.FinishCheck("team-alpha")
	assert.True(t, q.TakeCheck("team-alpha"))
}

func TestSendStdin_NoLiveProcessReturnsNotDelivered(t *testing.T) {
	q := New(logger.Default())
	delivered, err := q.SendStdin("team-alpha", []byte("hello"))
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestRegisterProcess_SendStdinDelivers(t *testing.T) {
	q := New(logger.Default())
	h := launchFake(t, "team-alpha")
	q.RegisterProcess("team-alpha", h)

	assert.True(t, q.IsRunning("team-alpha"))
	delivered, err := q.SendStdin("team-alpha", []byte("hello"))
	require.NoError(t, err)
	assert.True(t, delivered)

	require.NoError(t, q.CloseStdin("team-alpha"))
	<-h.Done()
}

func TestShutdown_ClosesStdinAndWaits(t *testing.T) {
	q := New(logger.Default())
	h := launchFake(t, "team-alpha")
	q.RegisterProcess("team-alpha", h)

	done := make(chan struct{})
	go func() {
		q.Shutdown(time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}
