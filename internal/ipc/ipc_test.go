package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/internal/channel"
	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/groupqueue"
	"github.com/nanoclaw/nanoclaw/internal/mountpolicy"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// fakeChannel records SyncMetadata/SendMessage calls for IPC test assertions.
type fakeChannel struct {
	sent        []sentMessage
	syncedForce []bool
}

type sentMessage struct {
	chatID string
	text   string
}

func (c *fakeChannel) Connect(ctx context.Context) error                         { return nil }
func (c *fakeChannel) OnInbound(callback func(channel.InboundMessage))           {}
func (c *fakeChannel) SetTyping(ctx context.Context, chatID string, t bool) error { return nil }
func (c *fakeChannel) Disconnect(ctx context.Context) error                      { return nil }

func (c *fakeChannel) SendMessage(ctx context.Context, chatID, text string) error {
	c.sent = append(c.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (c *fakeChannel) SyncMetadata(ctx context.Context, force bool) error {
	c.syncedForce = append(c.syncedForce, force)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store, string, *fakeChannel) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ipcDir := t.TempDir()
	policy := mountpolicy.New(mountpolicy.Config{
		AllowedRoots: []mountpolicy.AllowedRoot{{Path: ipcDir, AllowReadWrite: true}},
	})
	queue := groupqueue.New(logger.Default())
	ch := &fakeChannel{}

	return New(st, policy, queue, ch, ipcDir, logger.Default()), st, ipcDir, ch
}

func writeRequest(t *testing.T, ipcDir, folder, name string, payload map[string]any) {
	t.Helper()
	dir := filepath.Join(ipcDir, folder, requestsSubdir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func TestApply_RegisterGroup(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	// register_group must work against an as-yet-unregistered folder: the
	// dispatcher's apply() path is exercised directly here since Poll()
	// only iterates already-registered workspaces.
	err := d.applyRegisterGroup(ctx, "team-alpha", mustJSON(t, map[string]any{
		"chatJid":       "1234@g.us",
		"privileged":    true,
		"sandboxEngine": "container",
		"agentCli":      "claude",
	}))
	require.NoError(t, err)

	ws, err := st.Workspace(ctx, "team-alpha")
	require.NoError(t, err)
	require.NotNil(t, ws)
	assert.True(t, ws.Privileged)
	assert.Equal(t, "1234@g.us", ws.ChatJID)
}

func TestApply_RegisterGroupRejectsDisallowedMount(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	err := d.applyRegisterGroup(ctx, "team-alpha", mustJSON(t, map[string]any{
		"chatJid": "1234@g.us",
		"mounts": []map[string]any{
			{"hostPath": "/etc/passwd", "guestPath": "passwd"},
		},
	}))
	require.Error(t, err)
}

func TestApply_RegisterGroupRequiresPrivilege(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, st.RegisterGroup(ctx, store.RegisteredGroup{Folder: "team-alpha", ChatJID: "1111@g.us", Privileged: false}))
	ws, err := st.Workspace(ctx, "team-alpha")
	require.NoError(t, err)

	err = d.apply(ctx, *ws, envelope{Type: "register_group", Raw: mustJSON(t, map[string]any{"chatJid": "1234@g.us"})})
	assert.Error(t, err)
}

func TestApply_RefreshGroupsRequiresPrivilege(t *testing.T) {
	d, st, _, ch := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, st.RegisterGroup(ctx, store.RegisteredGroup{Folder: "team-alpha", ChatJID: "1111@g.us", Privileged: true}))
	ws, err := st.Workspace(ctx, "team-alpha")
	require.NoError(t, err)

	require.NoError(t, d.apply(ctx, *ws, envelope{Type: "refresh_groups"}))
	assert.Equal(t, []bool{true}, ch.syncedForce)

	require.NoError(t, st.RegisterGroup(ctx, store.RegisteredGroup{Folder: "team-beta", ChatJID: "2222@g.us", Privileged: false}))
	nonPrivileged, err := st.Workspace(ctx, "team-beta")
	require.NoError(t, err)

	assert.Error(t, d.apply(ctx, *nonPrivileged, envelope{Type: "refresh_groups"}))
	assert.Equal(t, []bool{true}, ch.syncedForce, "a rejected refresh must not resync")
}

func TestApply_MessageOwnChatAllowedForNonPrivileged(t *testing.T) {
	d, st, _, ch := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertChat(ctx, "chat-1", "1234@g.us", "Team Alpha"))
	require.NoError(t, st.RegisterGroup(ctx, store.RegisteredGroup{Folder: "team-alpha", ChatJID: "1234@g.us", Privileged: false}))
	ws, err := st.Workspace(ctx, "team-alpha")
	require.NoError(t, err)

	err = d.apply(ctx, *ws, envelope{Type: "message", Raw: mustJSON(t, map[string]any{"chatJid": "1234@g.us", "text": "hello"})})
	require.NoError(t, err)
	require.Len(t, ch.sent, 1)
	assert.Equal(t, "chat-1", ch.sent[0].chatID)
	assert.Equal(t, "hello", ch.sent[0].text)
}

func TestApply_MessageOtherChatRejectedForNonPrivileged(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertChat(ctx, "chat-2", "5678@g.us", "Team Beta"))
	require.NoError(t, st.RegisterGroup(ctx, store.RegisteredGroup{Folder: "team-alpha", ChatJID: "1234@g.us", Privileged: false}))
	ws, err := st.Workspace(ctx, "team-alpha")
	require.NoError(t, err)

	err = d.apply(ctx, *ws, envelope{Type: "message", Raw: mustJSON(t, map[string]any{"chatJid": "5678@g.us", "text": "hello"})})
	assert.Error(t, err)
}

func TestCreateAndCancelTask(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	ws := store.RegisteredGroup{Folder: "team-alpha", ChatJID: "1234@g.us"}
	require.NoError(t, d.applyScheduleTask(ctx, ws, mustJSON(t, map[string]any{
		"schedule_type":  "once",
		"schedule_value": "2026-01-01T00:00:00Z",
		"prompt":         "say hi",
		"nextRun":        100,
	})))

	tasks, err := st.TasksForWorkspace(ctx, "team-alpha")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, store.ContextModeIsolated, tasks[0].ContextMode)

	require.NoError(t, d.applyCancelTask(ctx, "team-alpha", mustJSON(t, map[string]any{"taskId": tasks[0].ID})))

	remaining, err := st.TasksForWorkspace(ctx, "team-alpha")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestScheduleTask_GroupFolderRequiresPrivilege(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	ws := store.RegisteredGroup{Folder: "team-alpha", ChatJID: "1234@g.us", Privileged: false}
	err := d.applyScheduleTask(ctx, ws, mustJSON(t, map[string]any{
		"prompt":      "say hi",
		"groupFolder": "team-beta",
	}))
	assert.Error(t, err)
}

func TestPauseAndResumeTask(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	id, err := st.CreateTask(ctx, store.ScheduledTask{WorkspaceFolder: "team-alpha", Prompt: "say hi", NextRun: 100})
	require.NoError(t, err)

	require.NoError(t, d.applySetTaskStatus(ctx, "team-alpha", mustJSON(t, map[string]any{"taskId": id}), store.TaskPaused))
	task, err := st.Task(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPaused, task.Status)

	require.NoError(t, d.applySetTaskStatus(ctx, "team-alpha", mustJSON(t, map[string]any{"taskId": id}), store.TaskActive))
	task, err = st.Task(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskActive, task.Status)
}

func TestCancelTask_RejectsWrongWorkspace(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	id, err := st.CreateTask(ctx, store.ScheduledTask{WorkspaceFolder: "team-alpha", Prompt: "say hi", NextRun: 100})
	require.NoError(t, err)

	err = d.applyCancelTask(ctx, "team-beta", mustJSON(t, map[string]any{"taskId": id}))
	assert.Error(t, err)
}

func TestApplyListTasks_WritesSnapshot(t *testing.T) {
	d, st, ipcDir, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := st.CreateTask(ctx, store.ScheduledTask{WorkspaceFolder: "team-alpha", Prompt: "say hi", NextRun: 100})
	require.NoError(t, err)

	require.NoError(t, d.applyListTasks(ctx, "team-alpha"))

	data, err := os.ReadFile(filepath.Join(ipcDir, "team-alpha", "tasks.json"))
	require.NoError(t, err)
	var tasks []store.ScheduledTask
	require.NoError(t, json.Unmarshal(data, &tasks))
	require.Len(t, tasks, 1)
}

func TestProcessFile_MalformedJSONIsRejected(t *testing.T) {
	d, _, ipcDir, _ := newTestDispatcher(t)
	ctx := context.Background()

	dir := filepath.Join(ipcDir, "team-alpha", requestsSubdir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	d.processFile(ctx, store.RegisteredGroup{Folder: "team-alpha"}, path)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "processed file should be moved out of requests/")

	errPath := filepath.Join(ipcDir, "team-alpha", errorsSubdir, "bad.json.err")
	_, err = os.Stat(errPath)
	assert.NoError(t, err, "expected .err sidecar to be written")
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
