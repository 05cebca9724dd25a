package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduleType identifies how a scheduled task's next run is computed (§4.9).
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

// TaskStatus is a scheduled task's lifecycle state.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// ContextMode controls whether a scheduled run joins its workspace's live
// session or starts fresh (§3, §4.9 step 3).
const (
	ContextModeGroup    = "group"
	ContextModeIsolated = "isolated"
)

// ScheduledTask is a recurring or one-shot agent invocation (§3).
type ScheduledTask struct {
	ID              string       `db:"id"`
	WorkspaceFolder string       `db:"workspace_folder"`
	ChatID          string       `db:"chat_id"`
	ScheduleType    ScheduleType `db:"schedule_type"`
	ScheduleExpr    string       `db:"schedule_expr"`
	Prompt          string       `db:"prompt"`
	ContextMode     string       `db:"context_mode"`
	Status          TaskStatus   `db:"status"`
	NextRun         int64        `db:"next_run"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

type scheduledTaskRow struct {
	ID              string `db:"id"`
	WorkspaceFolder string `db:"workspace_folder"`
	ChatID          string `db:"chat_id"`
	ScheduleType    string `db:"schedule_type"`
	ScheduleExpr    string `db:"schedule_expr"`
	Prompt          string `db:"prompt"`
	ContextMode     string `db:"context_mode"`
	Status          string `db:"status"`
	NextRun         int64  `db:"next_run"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (r scheduledTaskRow) toTask() ScheduledTask {
	return ScheduledTask{
		ID:              r.ID,
		WorkspaceFolder: r.WorkspaceFolder,
		ChatID:          r.ChatID,
		ScheduleType:    ScheduleType(r.ScheduleType),
		ScheduleExpr:    r.ScheduleExpr,
		Prompt:          r.Prompt,
		ContextMode:     r.ContextMode,
		Status:          TaskStatus(r.Status),
		NextRun:         r.NextRun,
		CreatedAt:       time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:       time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

const scheduledTaskColumns = `id, workspace_folder, chat_id, schedule_type, schedule_expr, prompt, context_mode, status, next_run, created_at, updated_at`

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(ctx context.Context, t ScheduledTask) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextModeIsolated
	}
	now := time.Now().UTC().Unix()
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, workspace_folder, chat_id, schedule_type, schedule_expr, prompt, context_mode, status, next_run, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkspaceFolder, t.ChatID, string(t.ScheduleType), t.ScheduleExpr, t.Prompt, t.ContextMode, string(t.Status), t.NextRun, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return t.ID, nil
}

// Task looks up a scheduled task by id.
func (s *Store) Task(ctx context.Context, id string) (*ScheduledTask, error) {
	var row scheduledTaskRow
	err := s.reader.GetContext(ctx, &row, `
		SELECT `+scheduledTaskColumns+`
		FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	task := row.toTask()
	return &task, nil
}

// TasksForWorkspace lists every scheduled task bound to a workspace
// (list_tasks IPC request, §6.4).
func (s *Store) TasksForWorkspace(ctx context.Context, workspaceFolder string) ([]ScheduledTask, error) {
	var rows []scheduledTaskRow
	err := s.reader.SelectContext(ctx, &rows, `
		SELECT `+scheduledTaskColumns+`
		FROM scheduled_tasks WHERE workspace_folder = ? ORDER BY next_run ASC`, workspaceFolder)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", workspaceFolder, err)
	}
	out := make([]ScheduledTask, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTask())
	}
	return out, nil
}

// DueTasks returns every active task whose next_run is at or before now,
// ordered by next_run, for the Scheduler's sweep (§4.9).
func (s *Store) DueTasks(ctx context.Context, now int64) ([]ScheduledTask, error) {
	var rows []scheduledTaskRow
	err := s.reader.SelectContext(ctx, &rows, `
		SELECT `+scheduledTaskColumns+`
		FROM scheduled_tasks
		WHERE status = ? AND next_run <= ?
		ORDER BY next_run ASC`, string(TaskActive), now)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	out := make([]ScheduledTask, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTask())
	}
	return out, nil
}

// UpdateNextRun advances a task's next_run after it fires (§4.9).
func (s *Store) UpdateNextRun(ctx context.Context, id string, nextRun int64) error {
	_, err := s.writer.ExecContext(ctx, `
		UPDATE scheduled_tasks SET next_run = ?, updated_at = ? WHERE id = ?`,
		nextRun, time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("update next_run for task %s: %w", id, err)
	}
	return nil
}

// SetTaskStatus transitions a task's status, e.g. to paused after a
// failed run (§4.9, §7).
func (s *Store) SetTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	_, err := s.writer.ExecContext(ctx, `
		UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("set status for task %s: %w", id, err)
	}
	return nil
}

// DeleteTask removes a scheduled task (cancel_task IPC request, §6.4).
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// RunStatus is the terminal outcome of one task run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// TaskRunLog is one execution of a scheduled task (§3).
type TaskRunLog struct {
	ID         string    `db:"id"`
	TaskID     string    `db:"task_id"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
	Status     RunStatus `db:"status"`
	Output     string    `db:"output"`
	Error      string    `db:"error"`
}

// StartTaskRun records the start of a task run and returns its log id.
func (s *Store) StartTaskRun(ctx context.Context, taskID string) (string, error) {
	id := uuid.New().String()
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO task_run_logs (id, task_id, started_at, status)
		VALUES (?, ?, ?, 'running')`,
		id, taskID, time.Now().UTC().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("start task run for %s: %w", taskID, err)
	}
	return id, nil
}

// FinishTaskRun records a task run's terminal outcome.
func (s *Store) FinishTaskRun(ctx context.Context, runID string, status RunStatus, output, errMsg string) error {
	_, err := s.writer.ExecContext(ctx, `
		UPDATE task_run_logs SET finished_at = ?, status = ?, output = ?, error = ? WHERE id = ?`,
		time.Now().UTC().Unix(), string(status), output, errMsg, runID,
	)
	if err != nil {
		return fmt.Errorf("finish task run %s: %w", runID, err)
	}
	return nil
}

// PruneTaskRunLogs deletes run-log rows older than olderThan, keeping the
// table bounded over long-running deployments (§12 supplemented feature).
func (s *Store) PruneTaskRunLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.writer.ExecContext(ctx, `DELETE FROM task_run_logs WHERE started_at < ?`, olderThan.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune task run logs: %w", err)
	}
	return result.RowsAffected()
}
