// Package messageloop implements the Message Loop (C8, §4.8): on a fixed
// interval it asks the store for every chat message newer than each
// workspace's cursor, decides (via the trigger pattern gate for
// non-privileged workspaces) whether those messages warrant waking an
// agent, and hands the work to the Group Queue so at most one agent runs
// per workspace at a time.
package messageloop

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nanoclaw/nanoclaw/internal/channel"
	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/groupqueue"
	"github.com/nanoclaw/nanoclaw/internal/runtimeselect"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/supervisor"
)

// EngineSet resolves a runtimeselect.Resolution down to the concrete
// sandbox.Engine that should carry out a run. The Router owns the actual
// engine instances; the loop only needs to ask for one by name.
type EngineSet interface {
	Engine(resolution runtimeselect.Resolution) (sandbox.Engine, error)
}

// Loop is the Message Loop.
type Loop struct {
	store    *store.Store
	queue    *groupqueue.Queue
	selector *runtimeselect.Selector
	engines  EngineSet
	super    *supervisor.Supervisor
	channel  channel.Channel
	sandbox  sandboxOptions
	selfName string
	interval time.Duration
	logger   *logger.Logger

	catchUp singleflight.Group

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// sandboxOptions is the subset of sandbox settings the loop needs to build
// an Options/Invocation for a run, kept narrow so the loop doesn't import
// the whole config package surface.
type sandboxOptions struct {
	Timeout        time.Duration
	IdleTimeout    time.Duration
	MaxOutputBytes int64
}

// Config bundles constructor parameters for New.
type Config struct {
	Store          *store.Store
	Queue          *groupqueue.Queue
	Selector       *runtimeselect.Selector
	Engines        EngineSet
	Supervisor     *supervisor.Supervisor
	Channel        channel.Channel
	Timeout        time.Duration
	IdleTimeout    time.Duration
	MaxOutputBytes int64
	SelfName       string
	PollInterval   time.Duration
	Logger         *logger.Logger
}

// New creates a Message Loop.
func New(c Config) *Loop {
	return &Loop{
		store:    c.Store,
		queue:    c.Queue,
		selector: c.Selector,
		engines:  c.Engines,
		super:    c.Supervisor,
		channel:  c.Channel,
		sandbox: sandboxOptions{
			Timeout:        c.Timeout,
			IdleTimeout:    c.IdleTimeout,
			MaxOutputBytes: c.MaxOutputBytes,
		},
		selfName: c.SelfName,
		interval: c.PollInterval,
		logger:   c.Logger.WithFields(zap.String("component", "messageloop")),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is canceled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.loop(ctx)
}

// Stop signals the poll loop to exit and waits for it to finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Loop) loop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick polls every registered workspace once. Workspaces are independent
// of one another (§5: "across workspaces: no ordering; runs may overlap
// freely"), so each workspace's poll runs concurrently via an errgroup
// rather than serially.
func (l *Loop) tick(ctx context.Context) {
	workspaces, err := l.store.Workspaces(ctx)
	if err != nil {
		l.logger.Error("failed to list workspaces", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ws := range workspaces {
		ws := ws
		g.Go(func() error {
			if err := l.tickWorkspace(gctx, ws); err != nil {
				l.logger.Error("failed polling workspace", zap.String("workspace", ws.Folder), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// tickWorkspace advances one workspace's cursor against newly observed
// chat messages and, if anything warrants it, wakes or feeds its agent
// (§4.8, P1, P3, P4).
func (l *Loop) tickWorkspace(ctx context.Context, ws store.RegisteredGroup) error {
	if ws.ChatJID == "" {
		return nil
	}
	chat, err := l.store.ChatByJID(ctx, ws.ChatJID)
	if err != nil {
		return fmt.Errorf("look up chat for %s: %w", ws.Folder, err)
	}
	if chat == nil {
		return nil
	}

	cursor, err := l.store.GetCursor(ctx, ws.Folder)
	if err != nil {
		return fmt.Errorf("get cursor for %s: %w", ws.Folder, err)
	}

	messages, maxTs, err := l.store.GetNewMessages([]string{ws.ChatJID}, cursor.LastTimestamp, l.selfName)
	if err != nil {
		return fmt.Errorf("get new messages for %s: %w", ws.Folder, err)
	}
	if len(messages) == 0 {
		return nil
	}

	cursor.LastTimestamp = maxTs
	if err := l.store.SaveCursor(ctx, cursor); err != nil {
		return fmt.Errorf("save cursor for %s: %w", ws.Folder, err)
	}

	if !l.shouldWake(ws, messages) {
		return nil
	}

	l.queue.EnqueueCheck(ws.Folder)
	if !l.queue.TakeCheck(ws.Folder) {
		return nil // another tick (or the IPC dispatcher) is already handling this workspace
	}

	go l.runCheck(ctx, ws, chat.ChatID, cursor)
	return nil
}

// shouldWake applies the non-privileged trigger-pattern gate (§4.8): a
// privileged workspace wakes on every new message; a non-privileged one
// only wakes when at least one new message matches its trigger pattern,
// or when it already has a live agent (follow-up input is always piped
// through, never gated).
func (l *Loop) shouldWake(ws store.RegisteredGroup, messages []store.Message) bool {
	if ws.Privileged || l.queue.IsRunning(ws.Folder) {
		return true
	}
	if ws.TriggerPattern == "" {
		return false
	}
	pattern, err := regexp.Compile(ws.TriggerPattern)
	if err != nil {
		l.logger.Warn("invalid trigger pattern, workspace will never auto-wake",
			zap.String("workspace", ws.Folder), zap.String("pattern", ws.TriggerPattern), zap.Error(err))
		return false
	}
	for _, m := range messages {
		if pattern.MatchString(m.Body) {
			return true
		}
	}
	return false
}

// runCheck either feeds a live agent or starts a fresh one for workspace,
// then advances lastAgentTimestamp — rolling it back instead if the run
// ends in error, so the same messages are redelivered on the next tick
// (§4.8 at-least-once, P3).
func (l *Loop) runCheck(ctx context.Context, ws store.RegisteredGroup, chatID string, cursor store.RouterCursor) {
	defer l.queue.FinishCheck(ws.Folder)

	// Collapse concurrent catch-up reads for the same workspace (a tick and
	// a freshly-finished run can both land here back to back) into a single
	// store query.
	raw, err, _ := l.catchUp.Do(ws.Folder, func() (any, error) {
		return l.store.GetMessagesSince(ctx, chatID, cursor.LastAgentTimestamp, l.selfName)
	})
	if err != nil {
		l.logger.Error("failed to load messages for agent turn", zap.String("workspace", ws.Folder), zap.Error(err))
		return
	}
	messages := raw.([]store.Message)
	if len(messages) == 0 {
		return
	}

	prompt := formatPrompt(messages)
	beforeTs := cursor.LastAgentTimestamp
	newAgentTs := messages[len(messages)-1].Timestamp

	if delivered, err := l.queue.SendStdin(ws.Folder, []byte(prompt+"\n")); err != nil {
		l.logger.Error("failed to pipe stdin to live agent", zap.String("workspace", ws.Folder), zap.Error(err))
		return
	} else if delivered {
		l.advanceOrRollback(ctx, ws.Folder, beforeTs, newAgentTs, nil)
		return
	}

	runErr := l.startRun(ctx, ws, chatID, prompt)
	l.advanceOrRollback(ctx, ws.Folder, beforeTs, newAgentTs, runErr)
}

func (l *Loop) advanceOrRollback(ctx context.Context, workspaceFolder string, before, after int64, runErr error) {
	if runErr != nil {
		if err := l.store.RollbackAgentTimestamp(ctx, workspaceFolder, before); err != nil {
			l.logger.Error("failed to roll back agent timestamp", zap.String("workspace", workspaceFolder), zap.Error(err))
		}
		return
	}
	if err := l.store.SaveCursor(ctx, store.RouterCursor{WorkspaceFolder: workspaceFolder, LastTimestamp: after, LastAgentTimestamp: after}); err != nil {
		l.logger.Error("failed to advance agent timestamp", zap.String("workspace", workspaceFolder), zap.Error(err))
	}
}

// startRun resolves the workspace's runtime, launches a fresh supervised
// invocation, and registers it with the Group Queue so further messages
// pipe into it instead of spawning a second agent (§4.5, §4.7).
func (l *Loop) startRun(ctx context.Context, ws store.RegisteredGroup, chatID, prompt string) error {
	resolution, err := l.selector.Resolve(ctx, ws)
	if err != nil {
		return fmt.Errorf("resolve runtime for %s: %w", ws.Folder, err)
	}

	engine, err := l.engines.Engine(resolution)
	if err != nil {
		return fmt.Errorf("resolve engine instance for %s: %w", ws.Folder, err)
	}

	sessionID := ""
	if session, err := l.store.GetSession(ctx, ws.Folder); err == nil && session != nil && session.AgentCLI == resolution.CLI.String() {
		sessionID = session.SessionID
	}

	inv := sandbox.Invocation{
		Prompt:          prompt,
		SessionID:       sessionID,
		WorkspaceFolder: ws.Folder,
		ChatID:          ws.ChatJID,
		Privileged:      ws.Privileged,
		AgentCLI:        resolution.CLI,
		Timeout:         l.sandbox.Timeout,
	}

	handle, err := l.super.Launch(ctx, engine, inv, supervisor.Options{
		Timeout:        l.sandbox.Timeout,
		IdleTimeout:    l.sandbox.IdleTimeout,
		MaxOutputBytes: l.sandbox.MaxOutputBytes,
	})
	if err != nil {
		return fmt.Errorf("launch agent for %s: %w", ws.Folder, err)
	}
	l.queue.RegisterProcess(ws.Folder, handle)

	return l.drain(ctx, ws, chatID, resolution, handle)
}

// drain consumes frames until the run ends, persisting any session id the
// agent reports (§4.5 session propagation), forwarding each non-error
// reply to the originating chat (§4.8, §6.3), and returning the run's
// terminal error, if any. Session persistence happens before the reply is
// sent, per P4.
func (l *Loop) drain(ctx context.Context, ws store.RegisteredGroup, chatID string, resolution runtimeselect.Resolution, handle *supervisor.Handle) error {
	for frame := range handle.Frames() {
		if frame.SessionID != "" {
			if err := l.store.SaveSession(ctx, ws.Folder, resolution.CLI.String(), frame.SessionID); err != nil {
				l.logger.Error("failed to save session id", zap.String("workspace", ws.Folder), zap.Error(err))
			}
		}
		if !frame.IsError() && frame.Result != "" {
			if err := l.channel.SendMessage(ctx, chatID, frame.Result); err != nil {
				l.logger.Error("failed to send agent reply to channel",
					zap.String("workspace", ws.Folder), zap.String("chat_id", chatID), zap.Error(err))
			}
		}
	}
	<-handle.Done()
	return handle.Err()
}

// formatPrompt renders a batch of new chat messages into the XML stdin
// envelope an agent turn receives (§6.1): a <messages> wrapper around one
// <message sender="..." time="..."> element per message, with sender and
// content XML-escaped.
func formatPrompt(messages []store.Message) string {
	var buf bytes.Buffer
	buf.WriteString("<messages>")
	for _, m := range messages {
		buf.WriteString(`<message sender="`)
		xml.EscapeText(&buf, []byte(m.Sender))
		buf.WriteString(`" time="`)
		buf.WriteString(time.Unix(m.Timestamp, 0).UTC().Format(time.RFC3339))
		buf.WriteString(`">`)
		xml.EscapeText(&buf, []byte(m.Body))
		buf.WriteString("</message>")
	}
	buf.WriteString("</messages>")
	return buf.String()
}
