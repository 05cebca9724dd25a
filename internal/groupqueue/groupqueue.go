// Package groupqueue implements the Group Queue (C7, §4.7): it guarantees
// at most one live agent process per workspace at a time, coalesces
// repeated "something changed, go check" signals raised while a workspace
// is already being worked, and lets new input be piped into an
// already-running agent instead of spawning a second one.
package groupqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nanoclaw/nanoclaw/internal/common/appctx"
	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/supervisor"
	"go.uber.org/zap"
)

// workspaceEntry is the per-workspace state: whether a check is pending or
// already being worked, and the live supervisor handle, if any.
type workspaceEntry struct {
	mu           sync.Mutex
	checkPending bool
	checking     bool
	handle       *supervisor.Handle
}

// Queue serializes agent execution per workspace (§4.7, P2).
type Queue struct {
	mu         sync.Mutex
	workspaces map[string]*workspaceEntry
	logger     *logger.Logger
}

// New creates an empty Queue.
func New(log *logger.Logger) *Queue {
	return &Queue{
		workspaces: make(map[string]*workspaceEntry),
		logger:     log.WithFields(zap.String("component", "groupqueue")),
	}
}

func (q *Queue) entry(workspace string) *workspaceEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.workspaces[workspace]
	if !ok {
		e = &workspaceEntry{}
		q.workspaces[workspace] = e
	}
	return e
}

// EnqueueCheck records that workspace has something new to check (a new
// message arrived, an IPC request applied, a scheduled task fired).
// Repeated signals coalesce into one pending check; a signal raised while
// a check is in progress stays pending, so the next TakeCheck after
// FinishCheck picks it up (§4.7).
func (q *Queue) EnqueueCheck(workspace string) {
	e := q.entry(workspace)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkPending = true
}

// TakeCheck claims a pending check for workspace, if one exists and the
// workspace isn't already being checked. The caller must call
// FinishCheck when done, which also re-arms for any check enqueued
// meanwhile.
func (q *Queue) TakeCheck(workspace string) bool {
	e := q.entry(workspace)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.checking || !e.checkPending {
		return false
	}
	e.checkPending = false
	e.checking = true
	return true
}

// FinishCheck marks a workspace's check as complete. If EnqueueCheck was
// called again while the check was in progress, the pending flag it set
// survives untouched so the next TakeCheck picks it up.
func (q *Queue) FinishCheck(workspace string) {
	e := q.entry(workspace)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checking = false
}

// RegisterProcess records the live supervisor handle started for a
// workspace, so subsequent SendStdin calls can pipe into it instead of a
// caller spawning a second agent (§4.7). It auto-clears when the handle's
// run completes.
func (q *Queue) RegisterProcess(workspace string, handle *supervisor.Handle) {
	e := q.entry(workspace)
	e.mu.Lock()
	e.handle = handle
	e.mu.Unlock()

	go func() {
		<-handle.Done()
		e.mu.Lock()
		if e.handle == handle {
			e.handle = nil
		}
		e.mu.Unlock()
	}()
}

// SendStdin pipes data into workspace's live agent, if one is running. It
// returns delivered=false if no agent is currently live for this
// workspace, meaning the caller must start a fresh invocation instead.
func (q *Queue) SendStdin(workspace string, data []byte) (delivered bool, err error) {
	e := q.entry(workspace)
	e.mu.Lock()
	handle := e.handle
	e.mu.Unlock()

	if handle == nil {
		return false, nil
	}
	if err := handle.WriteStdin(data); err != nil {
		return false, fmt.Errorf("send stdin to %s: %w", workspace, err)
	}
	return true, nil
}

// CloseStdin closes the live agent's stdin for workspace, if any.
func (q *Queue) CloseStdin(workspace string) error {
	e := q.entry(workspace)
	e.mu.Lock()
	handle := e.handle
	e.mu.Unlock()

	if handle == nil {
		return nil
	}
	return handle.CloseStdin()
}

// IsRunning reports whether workspace currently has a live agent process.
func (q *Queue) IsRunning(workspace string) bool {
	e := q.entry(workspace)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle != nil
}

// Shutdown closes stdin on every live agent and waits up to grace for each
// to exit on its own before forcefully killing whatever remains, so a
// router restart doesn't orphan sandboxes (§5).
func (q *Queue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	entries := make(map[string]*workspaceEntry, len(q.workspaces))
	for k, v := range q.workspaces {
		entries[k] = v
	}
	q.mu.Unlock()

	// never fires; each per-workspace wait below is bounded by grace alone,
	// via the same detached-context helper background cleanup goroutines
	// use to outlive their triggering request.
	neverStop := make(chan struct{})

	var g errgroup.Group
	for workspace, e := range entries {
		e.mu.Lock()
		handle := e.handle
		e.mu.Unlock()
		if handle == nil {
			continue
		}

		workspace, handle := workspace, handle
		g.Go(func() error {
			if err := handle.CloseStdin(); err != nil {
				return fmt.Errorf("close stdin for %s: %w", workspace, err)
			}

			ctx, cancel := appctx.Detached(context.Background(), neverStop, grace)
			defer cancel()
			select {
			case <-handle.Done():
			case <-ctx.Done():
				q.logger.Warn("grace period expired, killing agent", zap.String("workspace", workspace))
				if err := handle.Kill(); err != nil {
					return fmt.Errorf("kill %s after grace period: %w", workspace, err)
				}
				<-handle.Done()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		q.logger.Warn("shutdown encountered errors closing live agents", zap.Error(err))
	}
}
