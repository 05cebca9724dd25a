// Package ipc implements the filesystem IPC Dispatcher (C6, §4.6): agents
// running inside a sandbox have no network access to the router, so they
// drop JSON request files under their mounted ipc/ directory instead. The
// dispatcher polls those directories, and derives the requesting
// workspace's identity strictly from the directory path it found the file
// under — never from anything inside the file — so a compromised or
// buggy agent cannot forge another workspace's authority (§4.6, P5/P6).
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nanoclaw/nanoclaw/internal/channel"
	"github.com/nanoclaw/nanoclaw/internal/common/constants"
	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/groupqueue"
	"github.com/nanoclaw/nanoclaw/internal/mountpolicy"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"go.uber.org/zap"
)

// requestsSubdir and friends are the fixed layout under
// <ipcDir>/<workspace folder>/ (§6.5).
const (
	requestsSubdir  = "requests"
	processedSubdir = "processed"
	errorsSubdir    = "errors"
)

// envelope is the common shape every IPC request file carries; fields
// specific to a request type are left in Raw for type-specific decoding.
type envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Dispatcher polls every registered workspace's ipc/ directory and applies
// well-formed requests to the store.
type Dispatcher struct {
	store   *store.Store
	policy  *mountpolicy.Policy
	queue   *groupqueue.Queue
	channel channel.Channel
	ipcDir  string
	logger  *logger.Logger
}

// New creates a Dispatcher.
func New(st *store.Store, policy *mountpolicy.Policy, queue *groupqueue.Queue, ch channel.Channel, ipcDir string, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:   st,
		policy:  policy,
		queue:   queue,
		channel: ch,
		ipcDir:  ipcDir,
		logger:  log.WithFields(zap.String("component", "ipc-dispatcher")),
	}
}

// Poll scans every workspace's request directory once, applying any
// well-formed, stable (not still being written) request file it finds
// (§4.6).
func (d *Dispatcher) Poll(ctx context.Context) error {
	workspaces, err := d.store.Workspaces(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces for ipc poll: %w", err)
	}

	for _, ws := range workspaces {
		if err := d.pollWorkspace(ctx, ws); err != nil {
			d.logger.Error("failed polling workspace ipc directory", zap.String("workspace", ws.Folder), zap.Error(err))
		}
	}
	return nil
}

// Run drives the dispatcher for the life of ctx: a periodic Poll on
// pollInterval acts as the safety net, while an fsnotify watch on each
// registered workspace's requests/ directory triggers an immediate Poll
// as soon as a file is dropped, rather than waiting out the interval.
// This mirrors the teacher's debounced-fsnotify pattern in
// workspace_monitor.go, generalized from a single watched directory to
// one per registered workspace, added to the watch set as new
// workspaces register.
func (d *Dispatcher) Run(ctx context.Context, pollInterval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create ipc fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	watched := make(map[string]bool)
	trigger := make(chan struct{}, 1)
	signalTrigger := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	ensureWatches := func() {
		workspaces, err := d.store.Workspaces(ctx)
		if err != nil {
			d.logger.Error("failed to list workspaces for ipc watch setup", zap.Error(err))
			return
		}
		for _, ws := range workspaces {
			if watched[ws.Folder] {
				continue
			}
			dir := filepath.Join(d.ipcDir, ws.Folder, requestsSubdir)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				d.logger.Warn("failed to create ipc requests dir", zap.String("workspace", ws.Folder), zap.Error(err))
				continue
			}
			if err := watcher.Add(dir); err != nil {
				d.logger.Warn("failed to watch ipc requests dir", zap.String("workspace", ws.Folder), zap.Error(err))
				continue
			}
			watched[ws.Folder] = true
		}
	}

	ensureWatches()
	if err := d.Poll(ctx); err != nil {
		d.logger.Error("initial ipc poll failed", zap.Error(err))
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("ipc watcher error", zap.Error(err))
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			signalTrigger()
		case <-trigger:
			if err := d.Poll(ctx); err != nil {
				d.logger.Error("ipc poll failed", zap.Error(err))
			}
		case <-ticker.C:
			ensureWatches()
			if err := d.Poll(ctx); err != nil {
				d.logger.Error("ipc poll failed", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) pollWorkspace(ctx context.Context, ws store.RegisteredGroup) error {
	requestsDir := filepath.Join(d.ipcDir, ws.Folder, requestsSubdir)
	entries, err := os.ReadDir(requestsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read requests dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(requestsDir, name)
		if !d.isStable(path) {
			continue // still being written; pick it up on a later poll
		}
		d.processFile(ctx, ws, path)
	}
	return nil
}

// isStable reports whether a file's size has not changed across
// IPCFileStableDelay, so the dispatcher never reads a partially-written
// request (§4.6).
func (d *Dispatcher) isStable(path string) bool {
	before, err := os.Stat(path)
	if err != nil {
		return false
	}
	time.Sleep(constants.IPCFileStableDelay)
	after, err := os.Stat(path)
	if err != nil {
		return false
	}
	return before.Size() == after.Size() && before.ModTime().Equal(after.ModTime())
}

func (d *Dispatcher) processFile(ctx context.Context, ws store.RegisteredGroup, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Error("failed to read ipc request", zap.String("path", path), zap.Error(err))
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.reject(ws.Folder, path, fmt.Errorf("malformed json: %w", err))
		return
	}
	env.Raw = data

	if err := d.apply(ctx, ws, env); err != nil {
		d.reject(ws.Folder, path, err)
		return
	}

	d.accept(ws.Folder, path)
	d.queue.EnqueueCheck(ws.Folder)
}

// apply authorizes and executes one request, exactly per §4.6's request
// types (§6.4). Authority is always ws, the workspace whose directory this
// file was found under — request bodies are never trusted for identity.
// register_group and refresh_groups are privileged-only (P6); message is
// authorized for the workspace's own chat or any chat when privileged.
func (d *Dispatcher) apply(ctx context.Context, ws store.RegisteredGroup, env envelope) error {
	switch env.Type {
	case "register_group":
		if !ws.Privileged {
			return fmt.Errorf("register_group requires a privileged workspace")
		}
		return d.applyRegisterGroup(ctx, ws.Folder, env.Raw)
	case "refresh_groups":
		if !ws.Privileged {
			return fmt.Errorf("refresh_groups requires a privileged workspace")
		}
		return d.channel.SyncMetadata(ctx, true)
	case "message":
		return d.applyMessage(ctx, ws, env.Raw)
	case "schedule_task":
		return d.applyScheduleTask(ctx, ws, env.Raw)
	case "pause_task":
		return d.applySetTaskStatus(ctx, ws.Folder, env.Raw, store.TaskPaused)
	case "resume_task":
		return d.applySetTaskStatus(ctx, ws.Folder, env.Raw, store.TaskActive)
	case "cancel_task":
		return d.applyCancelTask(ctx, ws.Folder, env.Raw)
	case "list_tasks":
		return d.applyListTasks(ctx, ws.Folder)
	case "get_task":
		return d.applyGetTask(ctx, ws.Folder, env.Raw)
	default:
		return fmt.Errorf("unknown ipc request type %q", env.Type)
	}
}

type registerGroupRequest struct {
	ChatJID        string             `json:"chatJid"`
	Privileged     bool               `json:"privileged"`
	SandboxEngine  string             `json:"sandboxEngine"`
	AgentCLI       string             `json:"agentCli"`
	TriggerPattern string             `json:"triggerPattern"`
	Mounts         []mountRequestSpec `json:"mounts"`
}

type mountRequestSpec struct {
	HostPath  string `json:"hostPath"`
	GuestPath string `json:"guestPath"`
	ReadOnly  bool   `json:"readOnly"`
}

// applyRegisterGroup registers (or reconfigures) workspaceFolder itself.
// apply only routes register_group here for a privileged workspace;
// a non-privileged workspace's request is rejected before this point.
// Extra mounts are validated against the mount policy before being
// accepted, so a bad containerConfig.mounts value is rejected at
// registration time rather than at sandbox start (§12 dry-run).
func (d *Dispatcher) applyRegisterGroup(ctx context.Context, workspaceFolder string, raw json.RawMessage) error {
	var req registerGroupRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode register_group: %w", err)
	}

	for _, m := range req.Mounts {
		if _, err := d.policy.Validate(mountpolicy.Request{HostPath: m.HostPath, GuestPath: m.GuestPath, ReadOnly: m.ReadOnly}, req.Privileged); err != nil {
			return fmt.Errorf("register_group rejected: %w", err)
		}
	}

	return d.store.RegisterGroup(ctx, store.RegisteredGroup{
		Folder:         workspaceFolder,
		ChatJID:        req.ChatJID,
		Privileged:     req.Privileged,
		SandboxEngine:  req.SandboxEngine,
		AgentCLI:       req.AgentCLI,
		TriggerPattern: req.TriggerPattern,
	})
}

// messageRequest is the "message" IPC type (§6.4): an agent asking the
// router to deliver text to a chat through the configured Channel.
type messageRequest struct {
	ChatJID string `json:"chatJid"`
	Text    string `json:"text"`
}

// applyMessage delivers req.Text to req.ChatJID. A non-privileged workspace
// may only target its own chat; a privileged workspace may target any (P6).
func (d *Dispatcher) applyMessage(ctx context.Context, ws store.RegisteredGroup, raw json.RawMessage) error {
	var req messageRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if req.Text == "" {
		return fmt.Errorf("message requires text")
	}
	if req.ChatJID == "" {
		req.ChatJID = ws.ChatJID
	}
	if req.ChatJID != ws.ChatJID && !ws.Privileged {
		return fmt.Errorf("workspace %s is not privileged to message chat %s", ws.Folder, req.ChatJID)
	}
	chat, err := d.store.ChatByJID(ctx, req.ChatJID)
	if err != nil {
		return fmt.Errorf("look up chat %s: %w", req.ChatJID, err)
	}
	if chat == nil {
		return fmt.Errorf("chat %s is not known", req.ChatJID)
	}
	return d.channel.SendMessage(ctx, chat.ChatID, req.Text)
}

// scheduleTaskRequest is the "schedule_task" IPC type (§6.4). GroupFolder
// lets a privileged workspace schedule a task for another workspace; a
// non-privileged workspace may only ever schedule for itself.
type scheduleTaskRequest struct {
	ScheduleType string `json:"schedule_type"`
	ScheduleExpr string `json:"schedule_value"`
	Prompt       string `json:"prompt"`
	ContextMode  string `json:"context_mode"`
	GroupFolder  string `json:"groupFolder"`
	NextRun      int64  `json:"nextRun"`
}

func (d *Dispatcher) applyScheduleTask(ctx context.Context, ws store.RegisteredGroup, raw json.RawMessage) error {
	var req scheduleTaskRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode schedule_task: %w", err)
	}
	if req.Prompt == "" {
		return fmt.Errorf("schedule_task requires a prompt")
	}

	targetFolder := ws.Folder
	chatID := ws.ChatJID
	if req.GroupFolder != "" && req.GroupFolder != ws.Folder {
		if !ws.Privileged {
			return fmt.Errorf("workspace %s is not privileged to schedule tasks for %s", ws.Folder, req.GroupFolder)
		}
		target, err := d.store.Workspace(ctx, req.GroupFolder)
		if err != nil {
			return fmt.Errorf("look up target workspace %s: %w", req.GroupFolder, err)
		}
		if target == nil {
			return fmt.Errorf("target workspace %s is not registered", req.GroupFolder)
		}
		targetFolder = target.Folder
		chatID = target.ChatJID
	}

	contextMode := req.ContextMode
	if contextMode == "" {
		contextMode = store.ContextModeIsolated
	}

	_, err := d.store.CreateTask(ctx, store.ScheduledTask{
		WorkspaceFolder: targetFolder,
		ChatID:          chatID,
		ScheduleType:    store.ScheduleType(req.ScheduleType),
		ScheduleExpr:    req.ScheduleExpr,
		Prompt:          req.Prompt,
		ContextMode:     contextMode,
		NextRun:         req.NextRun,
	})
	return err
}

type taskIDRequest struct {
	TaskID string `json:"taskId"`
}

func (d *Dispatcher) applyCancelTask(ctx context.Context, workspaceFolder string, raw json.RawMessage) error {
	var req taskIDRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode cancel_task: %w", err)
	}

	task, err := d.store.Task(ctx, req.TaskID)
	if err != nil {
		return err
	}
	if task == nil || task.WorkspaceFolder != workspaceFolder {
		return fmt.Errorf("task %s does not belong to workspace %s", req.TaskID, workspaceFolder)
	}
	return d.store.DeleteTask(ctx, req.TaskID)
}

// applySetTaskStatus backs pause_task and resume_task (§3, §6.4): both are
// ownership-checked the same way cancel_task is, then flip status.
func (d *Dispatcher) applySetTaskStatus(ctx context.Context, workspaceFolder string, raw json.RawMessage, status store.TaskStatus) error {
	var req taskIDRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode task status request: %w", err)
	}

	task, err := d.store.Task(ctx, req.TaskID)
	if err != nil {
		return err
	}
	if task == nil || task.WorkspaceFolder != workspaceFolder {
		return fmt.Errorf("task %s does not belong to workspace %s", req.TaskID, workspaceFolder)
	}
	return d.store.SetTaskStatus(ctx, req.TaskID, status)
}

// applyListTasks and applyGetTask are pure queries (§9 Open Question #2):
// they write a snapshot file the agent can read on its next turn rather
// than mutating any state.
func (d *Dispatcher) applyListTasks(ctx context.Context, workspaceFolder string) error {
	tasks, err := d.store.TasksForWorkspace(ctx, workspaceFolder)
	if err != nil {
		return err
	}
	return d.writeSnapshot(workspaceFolder, "tasks.json", tasks)
}

func (d *Dispatcher) applyGetTask(ctx context.Context, workspaceFolder string, raw json.RawMessage) error {
	var req taskIDRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode get_task: %w", err)
	}

	task, err := d.store.Task(ctx, req.TaskID)
	if err != nil {
		return err
	}
	if task == nil || task.WorkspaceFolder != workspaceFolder {
		return fmt.Errorf("task %s does not belong to workspace %s", req.TaskID, workspaceFolder)
	}
	return d.writeSnapshot(workspaceFolder, fmt.Sprintf("task-%s.json", req.TaskID), task)
}

// writeSnapshot writes a JSON response file back into the workspace's ipc
// directory for the agent's next turn to read (§6.5).
func (d *Dispatcher) writeSnapshot(workspaceFolder, filename string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", filename, err)
	}
	path := filepath.Join(d.ipcDir, workspaceFolder, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", filename, err)
	}
	return nil
}

// accept moves a successfully-applied request file into processed/.
func (d *Dispatcher) accept(workspaceFolder, path string) {
	dest := filepath.Join(d.ipcDir, workspaceFolder, processedSubdir, filepath.Base(path))
	d.move(path, dest)
}

// reject moves a failed request file into errors/ and writes a sibling
// .err file describing why.
func (d *Dispatcher) reject(workspaceFolder, path string, cause error) {
	d.logger.Warn("rejecting ipc request", zap.String("path", path), zap.Error(cause))
	dest := filepath.Join(d.ipcDir, workspaceFolder, errorsSubdir, filepath.Base(path))
	d.move(path, dest)
	errPath := dest + ".err"
	_ = os.WriteFile(errPath, []byte(cause.Error()), 0o644)
}

func (d *Dispatcher) move(src, dest string) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		d.logger.Error("failed to prepare ipc archive directory", zap.Error(err))
		return
	}
	if err := os.Rename(src, dest); err != nil {
		d.logger.Error("failed to archive ipc request", zap.String("src", src), zap.String("dest", dest), zap.Error(err))
	}
}
