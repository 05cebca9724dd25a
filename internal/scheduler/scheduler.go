// Package scheduler implements the Scheduler (C9, §4.9): a periodic sweep
// that fires due scheduled tasks, records their run history, and computes
// each task's next run time according to its schedule type.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"go.uber.org/zap"
)

// Runner executes one scheduled task's prompt against its workspace. The
// Router wires this to the same invocation path the Message Loop uses, so
// a scheduled task looks, to the agent, like any other turn.
type Runner interface {
	RunTask(ctx context.Context, task store.ScheduledTask) error
}

// Scheduler sweeps for due tasks on a fixed interval (§4.9).
type Scheduler struct {
	store    *store.Store
	runner   Runner
	interval time.Duration
	logger   *logger.Logger
	parser   cron.Parser

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler.
func New(st *store.Store, runner Runner, interval time.Duration, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		runner:   runner,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep fires every due task once, sequentially — scheduled tasks are
// expected to be infrequent relative to the sweep interval, so there is no
// need for per-task concurrency here (§4.9).
func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueTasks(ctx, now.Unix())
	if err != nil {
		s.logger.Error("failed to query due tasks", zap.Error(err))
		return
	}

	for _, task := range due {
		s.fire(ctx, task, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, task store.ScheduledTask, now time.Time) {
	runID, err := s.store.StartTaskRun(ctx, task.ID)
	if err != nil {
		s.logger.Error("failed to start task run log", zap.String("task", task.ID), zap.Error(err))
		return
	}

	runErr := s.runner.RunTask(ctx, task)

	if runErr != nil {
		if err := s.store.FinishTaskRun(ctx, runID, store.RunFailed, "", runErr.Error()); err != nil {
			s.logger.Error("failed to record failed task run", zap.String("task", task.ID), zap.Error(err))
		}
		if err := s.store.SetTaskStatus(ctx, task.ID, store.TaskPaused); err != nil {
			s.logger.Error("failed to pause task after failure", zap.String("task", task.ID), zap.Error(err))
		}
		s.logger.Warn("scheduled task failed, pausing", zap.String("task", task.ID), zap.Error(runErr))
		return
	}

	if err := s.store.FinishTaskRun(ctx, runID, store.RunSucceeded, "", ""); err != nil {
		s.logger.Error("failed to record successful task run", zap.String("task", task.ID), zap.Error(err))
	}

	s.advance(ctx, task, now)
}

// advance computes and persists a task's next run, or transitions a
// one-shot task to completed (§3 invariant, §4.9 step 6).
func (s *Scheduler) advance(ctx context.Context, task store.ScheduledTask, now time.Time) {
	switch task.ScheduleType {
	case store.ScheduleOnce:
		if err := s.store.SetTaskStatus(ctx, task.ID, store.TaskCompleted); err != nil {
			s.logger.Error("failed to mark one-shot task completed", zap.String("task", task.ID), zap.Error(err))
		}
	case store.ScheduleInterval:
		d, err := time.ParseDuration(task.ScheduleExpr)
		if err != nil {
			s.logger.Error("invalid interval expression, pausing task", zap.String("task", task.ID), zap.Error(err))
			_ = s.store.SetTaskStatus(ctx, task.ID, store.TaskPaused)
			return
		}
		if err := s.store.UpdateNextRun(ctx, task.ID, now.Add(d).Unix()); err != nil {
			s.logger.Error("failed to advance interval task", zap.String("task", task.ID), zap.Error(err))
		}
	case store.ScheduleCron:
		next, err := s.nextCronRun(task.ScheduleExpr, now)
		if err != nil {
			s.logger.Error("invalid cron expression, pausing task", zap.String("task", task.ID), zap.Error(err))
			_ = s.store.SetTaskStatus(ctx, task.ID, store.TaskPaused)
			return
		}
		if err := s.store.UpdateNextRun(ctx, task.ID, next.Unix()); err != nil {
			s.logger.Error("failed to advance cron task", zap.String("task", task.ID), zap.Error(err))
		}
	default:
		s.logger.Error("unknown schedule type, pausing task", zap.String("task", task.ID), zap.String("scheduleType", string(task.ScheduleType)))
		_ = s.store.SetTaskStatus(ctx, task.ID, store.TaskPaused)
	}
}

func (s *Scheduler) nextCronRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}
