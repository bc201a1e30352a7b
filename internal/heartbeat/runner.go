// Package heartbeat runs recurring smart jobs and reports orchestrator
// health signals to the main group.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/b9b4ymiN/jellycore/internal/adapter/observability"
	"github.com/b9b4ymiN/jellycore/internal/domain"
	"github.com/b9b4ymiN/jellycore/internal/pipeline"
	"github.com/b9b4ymiN/jellycore/internal/queue"
)

// recentFailureCap bounds the in-memory failure ring the reporter reads.
const recentFailureCap = 10

// RunnerConfig bounds the job runner.
type RunnerConfig struct {
	PollInterval    time.Duration
	DefaultInterval time.Duration
	JobTimeout      time.Duration
	Concurrency     int
}

// JobRunner polls due heartbeat jobs, claims them with the running sentinel,
// and executes them with bounded parallelism.
type JobRunner struct {
	repo domain.HeartbeatRepository
	pipe *pipeline.Pipeline
	enq  TaskEnqueuer
	cfg  RunnerConfig

	sem chan struct{}

	mu       sync.Mutex
	failures []string
}

// TaskEnqueuer is the queue slice the runner needs.
type TaskEnqueuer interface {
	EnqueueTask(chatJID string, task queue.Task) error
}

// NewJobRunner wires the smart-job runner.
func NewJobRunner(repo domain.HeartbeatRepository, pipe *pipeline.Pipeline, enq TaskEnqueuer, cfg RunnerConfig) *JobRunner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = time.Hour
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	return &JobRunner{
		repo: repo,
		pipe: pipe,
		enq:  enq,
		cfg:  cfg,
		sem:  make(chan struct{}, cfg.Concurrency),
	}
}

// Run recovers interrupted jobs, then polls until ctx ends.
func (r *JobRunner) Run(ctx context.Context) {
	if n, err := r.repo.RecoverInterrupted(ctx); err != nil {
		slog.Error("interrupted job recovery failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("recovered interrupted heartbeat jobs", slog.Int("count", n))
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("heartbeat job runner stopping")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *JobRunner) tick(ctx context.Context) {
	now := time.Now()
	due, err := r.repo.ListDue(ctx, now, r.cfg.DefaultInterval)
	if err != nil {
		slog.Error("due heartbeat listing failed", slog.Any("error", err))
		return
	}
	for _, j := range due {
		// The sentinel claim: last_run moves forward so a second poller (or
		// the next tick) skips the job, and a crash is detectable.
		if err := r.repo.MarkRunning(ctx, j.ID, now); err != nil {
			slog.Error("heartbeat claim failed", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		job := j
		queueJID := pipeline.HBJIDPrefix + job.ID
		err := r.enq.EnqueueTask(queueJID, queue.Task{
			ID:   "hb-" + job.ID,
			Lane: domain.LaneHeartbeat,
			Fn: func(runCtx context.Context) error {
				r.execute(runCtx, queueJID, job)
				return nil
			},
		})
		if err != nil {
			slog.Error("heartbeat enqueue failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
}

func (r *JobRunner) execute(ctx context.Context, queueJID string, j domain.HeartbeatJob) {
	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	folder, _ := r.pipe.GroupInfo(j.ChatJID)
	start := time.Now()
	result, err := r.pipe.RunAgentTask(runCtx, queueJID, j.ChatJID, folder, j.Prompt,
		domain.LaneHeartbeat, domain.ContextIsolated, false)
	elapsed := time.Since(start)

	if err != nil {
		observability.HeartbeatRunsTotal.WithLabelValues(string(domain.HeartbeatRunError)).Inc()
		msg := "Error: " + err.Error()
		if finErr := r.repo.FinishRun(ctx, j.ID, msg, domain.HeartbeatRun{
			JobID:    j.ID,
			RunAt:    start,
			Status:   domain.HeartbeatRunError,
			Duration: elapsed,
			Error:    err.Error(),
		}); finErr != nil {
			slog.Error("heartbeat finish failed", slog.String("job_id", j.ID), slog.Any("error", finErr))
		}
		r.recordFailure(fmt.Sprintf("❌ %s: %s", j.Label, err.Error()))
		return
	}

	observability.HeartbeatRunsTotal.WithLabelValues(string(domain.HeartbeatRunOK)).Inc()
	if finErr := r.repo.FinishRun(ctx, j.ID, result, domain.HeartbeatRun{
		JobID:    j.ID,
		RunAt:    start,
		Status:   domain.HeartbeatRunOK,
		Result:   result,
		Duration: elapsed,
	}); finErr != nil {
		slog.Error("heartbeat finish failed", slog.String("job_id", j.ID), slog.Any("error", finErr))
	}
}

func (r *JobRunner) recordFailure(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, line)
	if len(r.failures) > recentFailureCap {
		r.failures = r.failures[len(r.failures)-recentFailureCap:]
	}
}

// RecentFailures snapshots the failure ring and clears it.
func (r *JobRunner) RecentFailures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.failures
	r.failures = nil
	return out
}
