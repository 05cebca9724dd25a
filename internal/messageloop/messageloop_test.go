package messageloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/internal/channel"
	"github.com/nanoclaw/nanoclaw/internal/common/config"
	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/groupqueue"
	"github.com/nanoclaw/nanoclaw/internal/runtimeselect"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/supervisor"
	"github.com/nanoclaw/nanoclaw/pkg/agent"
)

// scriptedEngine emits one sentinel-framed response and, if failNext is
// set, exits nonzero so the loop's rollback path can be exercised.
type scriptedEngine struct {
	sessionID string
	failNext  bool
}

func (e *scriptedEngine) Name() agent.Engine { return agent.EngineInProcess }

func (e *scriptedEngine) Start(ctx context.Context, inv sandbox.Invocation) (*sandbox.Process, error) {
	var out strings.Builder
	out.WriteString("---NANOCLAW_OUTPUT_START---\n")
	fmt.Fprintf(&out, `{"status":"success","newSessionId":%q,"result":"ok"}`, e.sessionID)
	out.WriteString("\n---NANOCLAW_OUTPUT_END---\n")

	stdinR, stdinW := io.Pipe()
	go io.Copy(io.Discard, stdinR)

	waitErr := error(nil)
	if e.failNext {
		waitErr = errors.New("agent exited nonzero")
	}

	return &sandbox.Process{
		Stdin:  stdinW,
		Stdout: io.NopCloser(strings.NewReader(out.String())),
		Stderr: io.NopCloser(strings.NewReader("")),
		Wait:   func() error { return waitErr },
		Kill:   func() error { return nil },
	}, nil
}

type fakeEngineSet struct {
	engine sandbox.Engine
}

func (f fakeEngineSet) Engine(runtimeselect.Resolution) (sandbox.Engine, error) {
	return f.engine, nil
}

type fakeChecker struct{}

func (fakeChecker) Available(agent.Engine) bool { return true }

// fakeChannel records every outbound message sent through it.
type fakeChannel struct {
	mu   sync.Mutex
	sent []sentMessage
}

type sentMessage struct {
	chatID string
	text   string
}

func (c *fakeChannel) Connect(ctx context.Context) error { return nil }

func (c *fakeChannel) OnInbound(callback func(channel.InboundMessage)) {}

func (c *fakeChannel) SendMessage(ctx context.Context, chatID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (c *fakeChannel) SetTyping(ctx context.Context, chatID string, typing bool) error { return nil }

func (c *fakeChannel) SyncMetadata(ctx context.Context, force bool) error { return nil }

func (c *fakeChannel) Disconnect(ctx context.Context) error { return nil }

func (c *fakeChannel) messages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestLoop(t *testing.T, st *store.Store, engine sandbox.Engine) *Loop {
	loop, _ := newTestLoopWithChannel(t, st, engine)
	return loop
}

func newTestLoopWithChannel(t *testing.T, st *store.Store, engine sandbox.Engine) (*Loop, *fakeChannel) {
	t.Helper()

	selector := runtimeselect.New(st, defaultSandboxConfig(), fakeChecker{}, logger.Default())
	queue := groupqueue.New(logger.Default())
	ch := &fakeChannel{}

	return New(Config{
		Store:          st,
		Queue:          queue,
		Selector:       selector,
		Engines:        fakeEngineSet{engine: engine},
		Supervisor:     supervisor.New(logger.Default()),
		Channel:        ch,
		Timeout:        5 * time.Second,
		IdleTimeout:    5 * time.Second,
		MaxOutputBytes: 1 << 20,
		SelfName:       "nanoclaw",
		PollInterval:   time.Hour,
		Logger:         logger.Default(),
	}), ch
}

func seedChatAndWorkspace(t *testing.T, st *store.Store, folder, jid string, privileged bool, trigger string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertChat(ctx, "chat-1", jid, "Test Chat"))
	require.NoError(t, st.RegisterGroup(ctx, store.RegisteredGroup{
		Folder:         folder,
		ChatJID:        jid,
		Privileged:     privileged,
		SandboxEngine:  string(agent.EngineInProcess),
		AgentCLI:       string(agent.CLIClaude),
		TriggerPattern: trigger,
	}))
}

func TestTickWorkspace_PrivilegedWakesOnAnyMessage(t *testing.T) {
	st := openTestStore(t)
	seedChatAndWorkspace(t, st, "team-alpha", "1234@g.us", true, "")
	require.NoError(t, st.InsertMessage(context.Background(), store.Message{ChatID: "chat-1", Sender: "alice", Body: "hello there", Timestamp: 100}))

	engine := &scriptedEngine{sessionID: "sess-1"}
	loop, ch := newTestLoopWithChannel(t, st, engine)

	ws, err := st.Workspace(context.Background(), "team-alpha")
	require.NoError(t, err)
	require.NoError(t, loop.tickWorkspace(context.Background(), *ws))

	// runCheck is spawned in a goroutine; wait for the run to finish and
	// the session id to be persisted.
	require.Eventually(t, func() bool {
		session, err := st.GetSession(context.Background(), "team-alpha")
		return err == nil && session != nil && session.SessionID == "sess-1"
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(ch.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	sent := ch.messages()[0]
	assert.Equal(t, "chat-1", sent.chatID)
	assert.Equal(t, "ok", sent.text)
}

func TestShouldWake_NonPrivilegedGatedByTriggerPattern(t *testing.T) {
	st := openTestStore(t)
	seedChatAndWorkspace(t, st, "team-beta", "5678@g.us", false, `(?i)\bhey bot\b`)
	loop := newTestLoop(t, st, &scriptedEngine{})

	ws, err := st.Workspace(context.Background(), "team-beta")
	require.NoError(t, err)

	assert.False(t, loop.shouldWake(*ws, []store.Message{{Body: "just chatting"}}))
	assert.True(t, loop.shouldWake(*ws, []store.Message{{Body: "hey bot, do a thing"}}))
}

func TestRunCheck_FailureRollsBackAgentTimestamp(t *testing.T) {
	st := openTestStore(t)
	seedChatAndWorkspace(t, st, "team-gamma", "9999@g.us", true, "")
	ctx := context.Background()
	require.NoError(t, st.InsertMessage(ctx, store.Message{ChatID: "chat-1", Sender: "alice", Body: "hello", Timestamp: 50}))

	engine := &scriptedEngine{failNext: true}
	loop := newTestLoop(t, st, engine)

	ws, err := st.Workspace(ctx, "team-gamma")
	require.NoError(t, err)

	loop.runCheck(ctx, *ws, "chat-1", store.RouterCursor{WorkspaceFolder: "team-gamma", LastAgentTimestamp: 0})

	cursor, err := st.GetCursor(ctx, "team-gamma")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cursor.LastAgentTimestamp, "a failed run must not advance the agent timestamp")
}

func TestFormatPrompt_EmitsEscapedXMLEnvelope(t *testing.T) {
	messages := []store.Message{
		{Sender: "alice", Body: "hi <bot> & \"friends\"", Timestamp: 0},
		{Sender: "bob", Body: "second", Timestamp: 60},
	}

	got := formatPrompt(messages)

	want := `<messages>` +
		`<message sender="alice" time="1970-01-01T00:00:00Z">hi &lt;bot&gt; &amp; &#34;friends&#34;</message>` +
		`<message sender="bob" time="1970-01-01T00:01:00Z">second</message>` +
		`</messages>`
	assert.Equal(t, want, got)
}

func defaultSandboxConfig() config.SandboxConfig {
	return config.SandboxConfig{
		DefaultEngine:  string(agent.EngineInProcess),
		DefaultCLI:     string(agent.CLIClaude),
		TimeoutMs:      5000,
		IdleTimeoutMs:  5000,
		MaxOutputBytes: 1 << 20,
	}
}
