package supervisor

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/pkg/agent"
)

func TestStripInternal(t *testing.T) {
	in := "before <internal>secret reasoning</internal> after"
	assert.Equal(t, "before  after", stripInternal(in))
}

func TestStripInternal_NoTags(t *testing.T) {
	in := "plain result text"
	assert.Equal(t, in, stripInternal(in))
}

func TestCappingWriter_StopsAtLimit(t *testing.T) {
	w := &cappingWriter{limit: 5}
	n, err := w.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, len("hello world"), n)
	assert.Equal(t, "hello", w.buf.String())
}

// fakeEngine produces a scripted sandbox.Process for the supervisor to drive.
type fakeEngine struct {
	stdout string
	stderr string
}

func (f *fakeEngine) Name() agent.Engine { return agent.EngineInProcess }

func (f *fakeEngine) Start(ctx context.Context, inv sandbox.Invocation) (*sandbox.Process, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		defer stdoutW.Close()
		io.WriteString(stdoutW, f.stdout)
	}()
	go func() {
		defer stderrW.Close()
		io.WriteString(stderrW, f.stderr)
	}()
	go io.Copy(io.Discard, stdinR)

	return &sandbox.Process{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: stderrR,
		Wait:   func() error { return nil },
		Kill:   func() error { return nil },
	}, nil
}

func TestLaunch_EmitsDecodedFrame(t *testing.T) {
	frame := "---NANOCLAW_OUTPUT_START---\n" +
		`{"status":"success","newSessionId":"abc123","result":"hi <internal>thinking</internal>there"}` + "\n" +
		"---NANOCLAW_OUTPUT_END---\n"

	eng := &fakeEngine{stdout: frame}
	sup := New(logger.Default())

	h, err := sup.Launch(context.Background(), eng, sandbox.Invocation{WorkspaceFolder: "demo"}, Options{
		Timeout:        time.Second,
		IdleTimeout:    5 * time.Second,
		MaxOutputBytes: 1024,
	})
	require.NoError(t, err)

	select {
	case f, ok := <-h.Frames():
		require.True(t, ok)
		assert.Equal(t, "success", f.Status)
		assert.Equal(t, "abc123", f.SessionID)
		assert.Equal(t, "hi there", f.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run to finish")
	}
	assert.NoError(t, h.Err())
}

func TestLaunch_ErrorFrameBecomesTerminalError(t *testing.T) {
	frame := "---NANOCLAW_OUTPUT_START---\n" +
		`{"status":"error","error":"agent blew up"}` + "\n" +
		"---NANOCLAW_OUTPUT_END---\n"

	eng := &fakeEngine{stdout: frame}
	sup := New(logger.Default())

	h, err := sup.Launch(context.Background(), eng, sandbox.Invocation{WorkspaceFolder: "demo"}, Options{
		Timeout:        time.Second,
		IdleTimeout:    5 * time.Second,
		MaxOutputBytes: 1024,
	})
	require.NoError(t, err)

	select {
	case f, ok := <-h.Frames():
		require.True(t, ok)
		assert.True(t, f.IsError())
		assert.Equal(t, "agent blew up", f.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run to finish")
	}

	var frameErr *FrameError
	require.ErrorAs(t, h.Err(), &frameErr)
	assert.Equal(t, "agent blew up", frameErr.Message)
}
