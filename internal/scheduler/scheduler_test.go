package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRunner) RunTask(ctx context.Context, task store.ScheduledTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, task.WorkspaceFolder+":"+task.Prompt)
	return f.err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFire_OnceTaskCompletedAfterSuccess(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{}
	sched := New(st, runner, time.Hour, logger.Default())

	id, err := st.CreateTask(ctx, store.ScheduledTask{
		WorkspaceFolder: "team-alpha",
		ScheduleType:    store.ScheduleOnce,
		Prompt:          "say hi",
		NextRun:         100,
	})
	require.NoError(t, err)

	task, err := st.Task(ctx, id)
	require.NoError(t, err)
	sched.fire(ctx, *task, time.Unix(150, 0).UTC())

	assert.Equal(t, 1, runner.callCount())
	updated, err := st.Task(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, store.TaskCompleted, updated.Status)
}

func TestFire_IntervalTaskAdvancesNextRun(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{}
	sched := New(st, runner, time.Hour, logger.Default())

	id, err := st.CreateTask(ctx, store.ScheduledTask{
		WorkspaceFolder: "team-alpha",
		ScheduleType:    store.ScheduleInterval,
		ScheduleExpr:    "1h",
		Prompt:          "check in",
		NextRun:         100,
	})
	require.NoError(t, err)

	task, err := st.Task(ctx, id)
	require.NoError(t, err)
	now := time.Unix(1000, 0).UTC()
	sched.fire(ctx, *task, now)

	updated, err := st.Task(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, now.Add(time.Hour).Unix(), updated.NextRun)
	assert.Equal(t, store.TaskActive, updated.Status)
}

func TestFire_CronTaskAdvancesNextRun(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{}
	sched := New(st, runner, time.Hour, logger.Default())

	id, err := st.CreateTask(ctx, store.ScheduledTask{
		WorkspaceFolder: "team-alpha",
		ScheduleType:    store.ScheduleCron,
		ScheduleExpr:    "0 9 * * *",
		Prompt:          "morning report",
		NextRun:         100,
	})
	require.NoError(t, err)

	task, err := st.Task(ctx, id)
	require.NoError(t, err)
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	sched.fire(ctx, *task, now)

	updated, err := st.Task(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.True(t, updated.NextRun > now.Unix())
}

func TestFire_FailurePausesTask(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{err: errors.New("agent crashed")}
	sched := New(st, runner, time.Hour, logger.Default())

	id, err := st.CreateTask(ctx, store.ScheduledTask{
		WorkspaceFolder: "team-alpha",
		ScheduleType:    store.ScheduleInterval,
		ScheduleExpr:    "1h",
		Prompt:          "check in",
		NextRun:         100,
	})
	require.NoError(t, err)

	task, err := st.Task(ctx, id)
	require.NoError(t, err)
	sched.fire(ctx, *task, time.Unix(1000, 0).UTC())

	updated, err := st.Task(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, store.TaskPaused, updated.Status)
}

func TestSweep_FiresOnlyDueTasks(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{}
	sched := New(st, runner, time.Hour, logger.Default())

	_, err := st.CreateTask(ctx, store.ScheduledTask{
		WorkspaceFolder: "team-alpha",
		ScheduleType:    store.ScheduleOnce,
		Prompt:          "due now",
		NextRun:         time.Now().Add(-time.Minute).Unix(),
	})
	require.NoError(t, err)

	_, err = st.CreateTask(ctx, store.ScheduledTask{
		WorkspaceFolder: "team-alpha",
		ScheduleType:    store.ScheduleOnce,
		Prompt:          "not due yet",
		NextRun:         time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	sched.sweep(ctx)
	assert.Equal(t, 1, runner.callCount())
}
