// Package scheduler polls due tasks, claims them atomically, and enqueues
// their execution onto the group queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/b9b4ymiN/jellycore/internal/domain"
	"github.com/b9b4ymiN/jellycore/internal/pipeline"
	"github.com/b9b4ymiN/jellycore/internal/queue"
)

// defaultTaskTimeout bounds a task run when the row carries none.
const defaultTaskTimeout = 10 * time.Minute

// cronParser accepts standard five-field specs plus the @every descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TaskEnqueuer is the queue slice the loop needs.
type TaskEnqueuer interface {
	EnqueueTask(chatJID string, task queue.Task) error
}

// Loop is the scheduler poller.
type Loop struct {
	tasks    domain.TaskRepository
	pipe     *pipeline.Pipeline
	enq      TaskEnqueuer
	interval time.Duration
	loc      *time.Location
}

// NewLoop wires the scheduler.
func NewLoop(tasks domain.TaskRepository, pipe *pipeline.Pipeline, enq TaskEnqueuer, interval time.Duration, loc *time.Location) *Loop {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Loop{tasks: tasks, pipe: pipe, enq: enq, interval: interval, loc: loc}
}

// Run recovers stale claims, then polls until ctx ends.
func (l *Loop) Run(ctx context.Context) {
	if n, err := l.tasks.RecoverStaleClaims(ctx); err != nil {
		slog.Error("stale claim recovery failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("recovered stale task claims", slog.Int("count", n))
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler loop stopping")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	now := time.Now()
	due, err := l.tasks.ListDue(ctx, now)
	if err != nil {
		slog.Error("due task listing failed", slog.Any("error", err))
		return
	}
	for _, t := range due {
		claimed, err := l.tasks.Claim(ctx, t.ID, now)
		if err != nil {
			slog.Error("task claim failed", slog.String("task_id", t.ID), slog.Any("error", err))
			continue
		}
		if !claimed {
			continue
		}
		task := t
		queueJID := task.ChatJID
		if task.ContextMode == domain.ContextIsolated {
			// Isolated tasks serialize against themselves only.
			queueJID = pipeline.SchedJIDPrefix + task.ID
		}
		err = l.enq.EnqueueTask(queueJID, queue.Task{
			ID:   "sched-" + task.ID,
			Lane: domain.LaneScheduler,
			Fn: func(runCtx context.Context) error {
				l.execute(runCtx, queueJID, task)
				return nil
			},
		})
		if err != nil {
			slog.Error("task enqueue failed", slog.String("task_id", task.ID), slog.Any("error", err))
			// Give the claim back so the next tick retries.
			if failErr := l.tasks.FailRun(ctx, task.ID, "Error: enqueue failed", now.Add(task.RetryDelay)); failErr != nil {
				slog.Error("task fail-run failed", slog.String("task_id", task.ID), slog.Any("error", failErr))
			}
		}
	}
}

func (l *Loop) execute(ctx context.Context, queueJID string, t domain.ScheduledTask) {
	timeout := t.TaskTimeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.Info("running scheduled task",
		slog.String("task_id", t.ID),
		slog.String("group", t.GroupFolder),
		slog.String("label", t.Label))

	result, err := l.pipe.RunAgentTask(runCtx, queueJID, t.ChatJID, t.GroupFolder, t.Prompt,
		domain.LaneScheduler, t.ContextMode, true)
	now := time.Now()
	if err != nil {
		slog.Error("scheduled task failed", slog.String("task_id", t.ID), slog.Any("error", err))
		if failErr := l.tasks.FailRun(ctx, t.ID, "Error: "+err.Error(), now.Add(t.RetryDelay)); failErr != nil {
			slog.Error("task fail-run failed", slog.String("task_id", t.ID), slog.Any("error", failErr))
		}
		return
	}
	next, nextErr := NextRun(t, now, l.loc)
	if nextErr != nil {
		slog.Error("next-run recomputation failed", slog.String("task_id", t.ID), slog.Any("error", nextErr))
	}
	if compErr := l.tasks.CompleteRun(ctx, t.ID, result, next); compErr != nil {
		slog.Error("task complete-run failed", slog.String("task_id", t.ID), slog.Any("error", compErr))
	}
}

// NextRun recomputes a task's next fire time after a successful run. A nil
// return completes a once-task.
func NextRun(t domain.ScheduledTask, now time.Time, loc *time.Location) (*time.Time, error) {
	switch t.ScheduleType {
	case domain.ScheduleCron:
		sched, err := cronParser.Parse(t.ScheduleValue)
		if err != nil {
			return nil, fmt.Errorf("op=scheduler.NextRun: %w", err)
		}
		next := sched.Next(now.In(loc))
		return &next, nil
	case domain.ScheduleInterval:
		iv, err := ParseInterval(t.ScheduleValue)
		if err != nil {
			return nil, fmt.Errorf("op=scheduler.NextRun: %w", err)
		}
		next := now.Add(iv)
		return &next, nil
	case domain.ScheduleOnce:
		return nil, nil
	default:
		return nil, fmt.Errorf("op=scheduler.NextRun: %w: schedule type %q", domain.ErrInvalidArgument, t.ScheduleType)
	}
}

// InitialNextRun computes the first fire time for a freshly created task.
func InitialNextRun(t domain.ScheduledTask, now time.Time, loc *time.Location) (*time.Time, error) {
	if t.ScheduleType == domain.ScheduleOnce {
		at, err := time.Parse(time.RFC3339, t.ScheduleValue)
		if err != nil {
			return nil, fmt.Errorf("op=scheduler.InitialNextRun: %w", err)
		}
		return &at, nil
	}
	return NextRun(t, now, loc)
}

// ParseInterval reads an interval schedule value: a bare integer is
// milliseconds, otherwise a Go duration string.
func ParseInterval(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("interval must be positive")
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	return d, nil
}
