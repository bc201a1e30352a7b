package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Supervisor owns the orchestrator's background tasks by name and shuts
// them down deterministically in reverse start order.
type Supervisor struct {
	tasks []supervisedTask
	group *errgroup.Group
	gctx  context.Context
}

type supervisedTask struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor builds a supervisor rooted at ctx.
func NewSupervisor(ctx context.Context) *Supervisor {
	g, gctx := errgroup.WithContext(ctx)
	return &Supervisor{group: g, gctx: gctx}
}

// Start launches a named task. The task runs until its context ends; a
// panic-free return is normal.
func (s *Supervisor) Start(name string, run func(ctx context.Context)) {
	taskCtx, cancel := context.WithCancel(s.gctx)
	done := make(chan struct{})
	s.tasks = append(s.tasks, supervisedTask{name: name, cancel: cancel, done: done})
	s.group.Go(func() error {
		defer close(done)
		slog.Info("task started", slog.String("task", name))
		run(taskCtx)
		slog.Info("task stopped", slog.String("task", name))
		return nil
	})
}

// Shutdown cancels tasks in reverse start order, waiting up to perTask for
// each before moving on.
func (s *Supervisor) Shutdown(perTask time.Duration) {
	for i := len(s.tasks) - 1; i >= 0; i-- {
		t := s.tasks[i]
		t.cancel()
		select {
		case <-t.done:
		case <-time.After(perTask):
			slog.Warn("task shutdown timed out", slog.String("task", t.name))
		}
	}
	_ = s.group.Wait()
}
