// Package supervisor implements the Agent Supervisor (§4.5): it wraps
// whatever sandbox.Engine started a process and applies the behavior that
// must be identical no matter which engine is underneath — frame parsing,
// independent stdout/stderr byte caps, a wall-clock deadline, idle-stdin
// auto-close, and <internal> stripping from agent results.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/common/constants"
	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/common/stringutil"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"go.uber.org/zap"
)

// stderrLogPreviewLen bounds how much of a failed run's stderr is embedded
// in its terminal error, so a runaway agent can't balloon an error message.
const stderrLogPreviewLen = 2048

const (
	outputStartSentinel = "---NANOCLAW_OUTPUT_START---"
	outputEndSentinel   = "---NANOCLAW_OUTPUT_END---"
)

var internalTagPattern = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// Frame is one decoded JSON object the agent emitted between the output
// sentinels on stdout (§6.2).
type Frame struct {
	Status    string
	SessionID string
	Result    string
	Error     string
	Raw       map[string]any
}

// IsError reports whether the frame carries a terminal error result.
func (f Frame) IsError() bool { return f.Status == "error" }

// TimeoutError is returned/reported when a run is killed for exceeding its
// wall-clock deadline.
type TimeoutError struct {
	Workspace string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("workspace %s exceeded timeout of %s", e.Workspace, e.Timeout)
}

// FrameError is returned/reported when the agent itself emits a
// `{"status":"error"}` frame rather than exiting non-zero (§4.3, §6.2).
type FrameError struct {
	Workspace string
	Message   string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("workspace %s: agent reported error: %s", e.Workspace, e.Message)
}

// OutputCapExceededError is returned/reported when a stream exceeds its
// configured byte cap.
type OutputCapExceededError struct {
	Workspace string
	Stream    string
	CapBytes  int64
}

func (e *OutputCapExceededError) Error() string {
	return fmt.Sprintf("workspace %s: %s exceeded cap of %d bytes", e.Workspace, e.Stream, e.CapBytes)
}

// Options configures a supervised run, sourced from config.SandboxConfig
// with any workspace-level overrides already applied by the caller.
type Options struct {
	Timeout        time.Duration
	IdleTimeout    time.Duration
	MaxOutputBytes int64
}

// Handle is the live control surface for one supervised agent run, used by
// the Group Queue (C7) to pipe further stdin and to observe completion.
type Handle struct {
	Workspace string

	frames  chan Frame
	done    chan struct{}
	err     error
	errOnce sync.Once

	proc *sandbox.Process

	mu           sync.Mutex
	lastActivity time.Time
	stdinClosed  bool
}

// Frames returns the channel of decoded stdout frames. It is closed when
// the run ends (successfully, on error, on timeout, or on cap overflow).
func (h *Handle) Frames() <-chan Frame { return h.frames }

// Done is closed when the supervised run has fully exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error for the run, if any, valid after Done
// closes.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// WriteStdin pipes more input into the live agent (§4.7 SendStdin) and
// resets the idle-close timer.
func (h *Handle) WriteStdin(data []byte) error {
	h.mu.Lock()
	if h.stdinClosed {
		h.mu.Unlock()
		return fmt.Errorf("stdin already closed for workspace %s", h.Workspace)
	}
	h.lastActivity = time.Now()
	h.mu.Unlock()

	_, err := h.proc.Stdin.Write(data)
	return err
}

// CloseStdin closes the agent's stdin, signaling it that no further input
// is coming. Safe to call more than once.
func (h *Handle) CloseStdin() error {
	h.mu.Lock()
	if h.stdinClosed {
		h.mu.Unlock()
		return nil
	}
	h.stdinClosed = true
	h.mu.Unlock()
	return h.proc.Stdin.Close()
}

// Kill forcefully terminates the underlying process.
func (h *Handle) Kill() error { return h.proc.Kill() }

func (h *Handle) setErr(err error) {
	h.errOnce.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	})
}

// Supervisor launches sandbox.Engine processes and applies the uniform
// supervision contract on top of them.
type Supervisor struct {
	logger *logger.Logger
}

// New creates a Supervisor.
func New(log *logger.Logger) *Supervisor {
	return &Supervisor{logger: log.WithFields(zap.String("component", "supervisor"))}
}

// Launch starts inv on engine and returns a live Handle. The run's
// context is derived from ctx with opts.Timeout applied; exceeding it kills
// the process and surfaces a *TimeoutError through Handle.Err.
func (s *Supervisor) Launch(ctx context.Context, engine sandbox.Engine, inv sandbox.Invocation, opts Options) (*Handle, error) {
	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)

	proc, err := engine.Start(runCtx, inv)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s sandbox for %s: %w", engine.Name(), inv.WorkspaceFolder, err)
	}

	h := &Handle{
		Workspace:    inv.WorkspaceFolder,
		frames:       make(chan Frame, 16),
		done:         make(chan struct{}),
		proc:         proc,
		lastActivity: time.Now(),
	}

	var stderrBuf bytes.Buffer
	var stderrMu sync.Mutex
	stdoutDone := make(chan struct{})

	go func() {
		defer close(stdoutDone)
		s.readStdout(h, opts, proc.Stdout)
	}()
	go func() {
		capped := &cappingWriter{limit: opts.MaxOutputBytes}
		_, _ = io.Copy(capped, proc.Stderr)
		stderrMu.Lock()
		stderrBuf.Write(capped.buf.Bytes())
		stderrMu.Unlock()
	}()
	go s.watchIdle(runCtx, h, opts.IdleTimeout)

	go func() {
		waitErr := proc.Wait()
		cancel()
		<-stdoutDone
		close(h.frames)

		switch {
		case runCtx.Err() == context.DeadlineExceeded:
			h.setErr(&TimeoutError{Workspace: inv.WorkspaceFolder, Timeout: opts.Timeout})
		case waitErr != nil:
			stderrMu.Lock()
			stderrText := stderrBuf.String()
			stderrMu.Unlock()
			if stderrText != "" {
				h.setErr(fmt.Errorf("%w (stderr: %s)", waitErr, stringutil.TruncateStringWithEllipsis(stderrText, stderrLogPreviewLen)))
			} else {
				h.setErr(waitErr)
			}
		}
		close(h.done)
	}()

	// The run's inputs go to stdin as one JSON line; stdin then stays open
	// for follow-up input through WriteStdin.
	initial, err := json.Marshal(map[string]any{
		"prompt":          inv.Prompt,
		"sessionId":       inv.SessionID,
		"groupFolder":     inv.WorkspaceFolder,
		"chatId":          inv.ChatID,
		"isMain":          inv.Privileged,
		"isScheduledTask": inv.IsScheduledTask,
	})
	if err == nil {
		err = h.WriteStdin(append(initial, '\n'))
	}
	if err != nil {
		s.logger.Warn("failed to write initial input to agent stdin", zap.String("workspace", inv.WorkspaceFolder), zap.Error(err))
	}

	return h, nil
}

// readStdout scans proc.Stdout for sentinel-delimited JSON frames and
// decodes each, stripping <internal> blocks from the result field (§4.5,
// §6.2). It stops and records an OutputCapExceededError if the raw stream
// exceeds opts.MaxOutputBytes before the run otherwise ends.
func (s *Supervisor) readStdout(h *Handle, opts Options, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var total int64
	var inFrame bool
	var buf bytes.Buffer

	for scanner.Scan() {
		line := scanner.Text()
		total += int64(len(line)) + 1
		if total > opts.MaxOutputBytes {
			h.setErr(&OutputCapExceededError{Workspace: h.Workspace, Stream: "stdout", CapBytes: opts.MaxOutputBytes})
			return
		}

		switch {
		case line == outputStartSentinel:
			inFrame = true
			buf.Reset()
		case line == outputEndSentinel:
			if inFrame {
				s.emitFrame(h, buf.Bytes())
			}
			inFrame = false
		case inFrame:
			buf.WriteString(line)
			buf.WriteByte('\n')
		}

		h.mu.Lock()
		h.lastActivity = time.Now()
		h.mu.Unlock()
	}
}

func (s *Supervisor) emitFrame(h *Handle, raw []byte) {
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		s.logger.Warn("failed to decode agent output frame", zap.String("workspace", h.Workspace), zap.Error(err))
		return
	}

	frame := Frame{Raw: decoded}
	if status, ok := decoded["status"].(string); ok {
		frame.Status = status
	}
	if sid, ok := decoded["newSessionId"].(string); ok {
		frame.SessionID = sid
	}
	if result, ok := decoded["result"].(string); ok {
		frame.Result = stripInternal(result)
	}
	if errMsg, ok := decoded["error"].(string); ok {
		frame.Error = errMsg
	}
	if frame.IsError() {
		h.setErr(&FrameError{Workspace: h.Workspace, Message: frame.Error})
	}

	select {
	case h.frames <- frame:
	default:
		s.logger.Warn("dropping agent output frame, consumer too slow", zap.String("workspace", h.Workspace))
	}
}

// watchIdle closes stdin once IdleTimeout has elapsed since the last line
// read from stdout or the last stdin write, so an agent waiting on more input is told there is none
// coming (§4.5).
func (s *Supervisor) watchIdle(ctx context.Context, h *Handle, idleTimeout time.Duration) {
	ticker := time.NewTicker(constants.StdinIdleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			idleFor := time.Since(h.lastActivity)
			closed := h.stdinClosed
			h.mu.Unlock()
			if !closed && idleFor >= idleTimeout {
				if err := h.CloseStdin(); err != nil {
					s.logger.Debug("idle stdin close failed", zap.String("workspace", h.Workspace), zap.Error(err))
				}
			}
		}
	}
}

func stripInternal(result string) string {
	return internalTagPattern.ReplaceAllString(result, "")
}

// cappingWriter discards writes once limit bytes have been written, keeping
// only the buffered prefix for error reporting.
type cappingWriter struct {
	limit   int64
	written int64
	buf     bytes.Buffer
}

func (w *cappingWriter) Write(p []byte) (int, error) {
	if w.written >= w.limit {
		return len(p), nil
	}
	remaining := w.limit - w.written
	if int64(len(p)) > remaining {
		w.buf.Write(p[:remaining])
		w.written = w.limit
		return len(p), nil
	}
	w.buf.Write(p)
	w.written += int64(len(p))
	return len(p), nil
}
