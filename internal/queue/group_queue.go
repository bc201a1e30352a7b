// Package queue serializes all agent work per group while bounding global
// container concurrency.
//
// Each group runs at most one cycle at a time; across groups, runs proceed in
// parallel up to the resource monitor's cap. The main group always jumps the
// waiting line.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/b9b4ymiN/jellycore/internal/adapter/observability"
	"github.com/b9b4ymiN/jellycore/internal/domain"
	"github.com/b9b4ymiN/jellycore/internal/ipcfs"
)

// ProcessFunc handles one message cycle for a group. retryCount > 0 marks a
// retry of the same window; implementations silence user-facing error
// notices on retries. A false return schedules a backoff retry.
type ProcessFunc func(ctx context.Context, chatJID string, retryCount int) bool

// Task is one unit of non-message work (scheduler or heartbeat lane).
type Task struct {
	ID   string
	Lane domain.Lane
	Fn   func(ctx context.Context) error
}

// Events are queue-feedback hooks. OnMaxRetriesExceeded fires only for
// message cycles, which virtual groups (scheduler and heartbeat JIDs) never
// run; OnRejected fires for any refused JID, virtual ones included.
type Events struct {
	// OnRejected fires when an enqueue is refused at capacity.
	OnRejected func(chatJID string)
	// OnMaxRetriesExceeded fires when a group's message cycle exhausts the
	// retry budget.
	OnMaxRetriesExceeded func(chatJID string)
}

// GroupInfo resolves a chat JID to its folder and priority class.
type GroupInfo func(chatJID string) (folder string, isMain bool)

// Config bounds the queue.
type Config struct {
	MaxQueueSize   int
	BaseRetryDelay time.Duration
	MaxRetries     int
	DataDir        string
}

type groupState struct {
	active          bool
	pendingMessages bool
	pendingTasks    []Task
	runningTaskIDs  map[string]bool
	handle          *domain.RunHandle
	retryCount      int
	waiting         bool
}

type waitingEntry struct {
	chatJID  string
	priority int
}

// GroupQueue is the per-group serialization point. One logical owner mutates
// all state under mu; container runs happen on goroutines that re-enter
// through the public methods.
type GroupQueue struct {
	mu sync.Mutex

	cfg       Config
	capFn     func() int
	process   ProcessFunc
	events    Events
	groupInfo GroupInfo

	groups      map[string]*groupState
	waiting     []waitingEntry
	activeCount int
	laneCounts  map[domain.Lane]int64
	shutdown    bool

	wg sync.WaitGroup
}

// New constructs a GroupQueue. capFn is consulted on every admission so the
// effective cap can follow resource pressure; process is the pipeline's
// process-group callback (control inversion keeps the packages acyclic).
func New(cfg Config, capFn func() int, groupInfo GroupInfo, process ProcessFunc, events Events) *GroupQueue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 5 * time.Second
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 50
	}
	return &GroupQueue{
		cfg:        cfg,
		capFn:      capFn,
		process:    process,
		events:     events,
		groupInfo:  groupInfo,
		groups:     make(map[string]*groupState),
		laneCounts: make(map[domain.Lane]int64),
	}
}

// EnqueueMessageCheck marks a group as having unprocessed messages and runs
// it now when a slot is free, otherwise parks it on the waiting list.
func (q *GroupQueue) EnqueueMessageCheck(chatJID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return fmt.Errorf("op=queue.EnqueueMessageCheck: %w", domain.ErrShuttingDown)
	}
	st := q.ensure(chatJID)
	st.pendingMessages = true
	q.laneCounts[domain.LaneUser]++
	observability.QueueItemsTotal.WithLabelValues(string(domain.LaneUser)).Inc()
	return q.maybeRunLocked(chatJID)
}

// EnqueueTask queues non-message work for a group. Duplicate task ids
// (already running or already pending) are dropped. A task arriving while
// the group streams user messages preempts the run by closing the agent's
// input; the task executes when the current run drains.
func (q *GroupQueue) EnqueueTask(chatJID string, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return fmt.Errorf("op=queue.EnqueueTask: %w", domain.ErrShuttingDown)
	}
	st := q.ensure(chatJID)
	if st.runningTaskIDs[task.ID] {
		slog.Debug("dropping duplicate task", slog.String("task_id", task.ID))
		return nil
	}
	for _, t := range st.pendingTasks {
		if t.ID == task.ID {
			slog.Debug("dropping duplicate pending task", slog.String("task_id", task.ID))
			return nil
		}
	}
	st.pendingTasks = append(st.pendingTasks, task)
	q.laneCounts[task.Lane]++
	observability.QueueItemsTotal.WithLabelValues(string(task.Lane)).Inc()

	if st.active && st.handle != nil {
		// Preempt: close the running agent's input so the drain completes
		// promptly instead of waiting out the idle timeout.
		folder := st.handle.GroupFolder
		if err := ipcfs.WriteClose(q.cfg.DataDir, folder); err != nil {
			slog.Warn("preempt close failed", slog.String("folder", folder), slog.Any("error", err))
		}
		return nil
	}
	return q.maybeRunLocked(chatJID)
}

// SendMessage pipes a follow-up message into a group's active run. Returns
// false when there is no active run; the caller falls back to enqueue.
func (q *GroupQueue) SendMessage(chatJID, text string) bool {
	q.mu.Lock()
	st := q.groups[chatJID]
	var folder string
	if st != nil && st.active && st.handle != nil {
		folder = st.handle.GroupFolder
	}
	q.mu.Unlock()
	if folder == "" {
		return false
	}
	if err := ipcfs.WriteMessage(q.cfg.DataDir, folder, text); err != nil {
		slog.Warn("ipc message write failed", slog.String("folder", folder), slog.Any("error", err))
		return false
	}
	return true
}

// CloseStdin drops the close sentinel into a group's active inbox.
func (q *GroupQueue) CloseStdin(chatJID string) {
	q.mu.Lock()
	st := q.groups[chatJID]
	var folder string
	if st != nil && st.handle != nil {
		folder = st.handle.GroupFolder
	}
	q.mu.Unlock()
	if folder == "" {
		return
	}
	if err := ipcfs.WriteClose(q.cfg.DataDir, folder); err != nil {
		slog.Warn("ipc close write failed", slog.String("folder", folder), slog.Any("error", err))
	}
}

// RegisterProcess records liveness metadata for a group's container run.
// The runner calls this once the container is live.
func (q *GroupQueue) RegisterProcess(chatJID string, handle domain.RunHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st := q.groups[chatJID]; st != nil {
		st.handle = &handle
	}
}

// ActiveContainers snapshots the names of containers the queue believes are
// running. The orphan sweeper treats anything else bearing the managed label
// as fair game.
func (q *GroupQueue) ActiveContainers() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var names []string
	for _, st := range q.groups {
		if st.handle != nil {
			names = append(names, st.handle.ContainerName)
		}
	}
	return names
}

// LaneCounts snapshots per-lane admission counters.
func (q *GroupQueue) LaneCounts() map[domain.Lane]int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[domain.Lane]int64, len(q.laneCounts))
	for k, v := range q.laneCounts {
		out[k] = v
	}
	return out
}

// Shutdown refuses new enqueues and waits for in-flight cycles to drain.
// Running containers are not killed; they self-exit via idle or timeout.
func (q *GroupQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=queue.Shutdown: %w", ctx.Err())
	}
}

func (q *GroupQueue) ensure(chatJID string) *groupState {
	st := q.groups[chatJID]
	if st == nil {
		st = &groupState{runningTaskIDs: make(map[string]bool)}
		q.groups[chatJID] = st
	}
	return st
}

// maybeRunLocked admits the group now, or priority-inserts it into the
// waiting list. Caller holds mu.
func (q *GroupQueue) maybeRunLocked(chatJID string) error {
	st := q.groups[chatJID]
	if st.active || st.waiting {
		return nil
	}
	if q.activeCount < q.effectiveCap() {
		q.startLocked(chatJID)
		return nil
	}
	if len(q.waiting) >= q.cfg.MaxQueueSize {
		observability.QueueRejectedTotal.Inc()
		if q.events.OnRejected != nil {
			go q.events.OnRejected(chatJID)
		}
		return fmt.Errorf("op=queue.maybeRun: %w", domain.ErrQueueFull)
	}
	_, isMain := q.groupInfo(chatJID)
	prio := 1
	if isMain {
		prio = 0
	}
	st.waiting = true
	if prio == 0 {
		// Main jumps every priority-1 entry but stays FIFO among its own.
		idx := 0
		for idx < len(q.waiting) && q.waiting[idx].priority == 0 {
			idx++
		}
		q.waiting = append(q.waiting[:idx], append([]waitingEntry{{chatJID, 0}}, q.waiting[idx:]...)...)
	} else {
		q.waiting = append(q.waiting, waitingEntry{chatJID, 1})
	}
	q.updateDepthGauges()
	return nil
}

func (q *GroupQueue) effectiveCap() int {
	if c := q.capFn(); c > 0 {
		return c
	}
	return 1
}

// startLocked transitions the group to active and launches its run loop.
// Caller holds mu.
func (q *GroupQueue) startLocked(chatJID string) {
	st := q.groups[chatJID]
	st.active = true
	st.waiting = false
	q.activeCount++
	observability.ActiveRuns.Set(float64(q.activeCount))
	q.wg.Add(1)
	go q.runGroup(chatJID)
}

// runGroup drains a group: pending tasks first (they preempted or were
// queued), then message cycles, looping until nothing remains or a retry is
// scheduled.
func (q *GroupQueue) runGroup(chatJID string) {
	defer q.wg.Done()
	ctx := context.Background()

	for {
		q.mu.Lock()
		st := q.groups[chatJID]
		var task *Task
		runMessages := false
		if len(st.pendingTasks) > 0 {
			t := st.pendingTasks[0]
			st.pendingTasks = st.pendingTasks[1:]
			st.runningTaskIDs[t.ID] = true
			task = &t
		} else if st.pendingMessages {
			st.pendingMessages = false
			runMessages = true
		} else {
			q.finishLocked(chatJID)
			q.mu.Unlock()
			return
		}
		retry := st.retryCount
		q.mu.Unlock()

		if task != nil {
			if err := task.Fn(ctx); err != nil {
				slog.Error("queue task failed",
					slog.String("chat_jid", chatJID),
					slog.String("task_id", task.ID),
					slog.Any("error", err))
			}
			q.mu.Lock()
			delete(st.runningTaskIDs, task.ID)
			st.handle = nil
			q.mu.Unlock()
			continue
		}

		if runMessages {
			ok := q.process(ctx, chatJID, retry)
			q.mu.Lock()
			st.handle = nil
			if ok {
				st.retryCount = 0
				q.mu.Unlock()
				continue
			}
			st.retryCount++
			if st.retryCount > q.cfg.MaxRetries {
				st.retryCount = 0
				st.pendingMessages = false
				q.finishLocked(chatJID)
				q.mu.Unlock()
				if q.events.OnMaxRetriesExceeded != nil {
					q.events.OnMaxRetriesExceeded(chatJID)
				}
				return
			}
			// Exponential backoff: BASE × 2^(retry-1).
			nextRetry := st.retryCount
			delay := q.cfg.BaseRetryDelay << (nextRetry - 1)
			st.pendingMessages = true
			q.finishLocked(chatJID)
			q.mu.Unlock()
			observability.QueueRetriesTotal.Inc()
			slog.Info("scheduling group retry",
				slog.String("chat_jid", chatJID),
				slog.Int("retry", nextRetry),
				slog.Duration("delay", delay))
			time.AfterFunc(delay, func() {
				q.mu.Lock()
				defer q.mu.Unlock()
				if q.shutdown {
					return
				}
				_ = q.maybeRunLocked(chatJID)
			})
			return
		}
	}
}

// finishLocked releases the group's slot and promotes the next waiting
// group. Caller holds mu.
func (q *GroupQueue) finishLocked(chatJID string) {
	st := q.groups[chatJID]
	st.active = false
	st.handle = nil
	q.activeCount--
	observability.ActiveRuns.Set(float64(q.activeCount))
	for q.activeCount < q.effectiveCap() && len(q.waiting) > 0 {
		next := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.startLocked(next.chatJID)
	}
	q.updateDepthGauges()
}

func (q *GroupQueue) updateDepthGauges() {
	var p0, p1 int
	for _, w := range q.waiting {
		if w.priority == 0 {
			p0++
		} else {
			p1++
		}
	}
	observability.QueueDepth.WithLabelValues("0").Set(float64(p0))
	observability.QueueDepth.WithLabelValues("1").Set(float64(p1))
}
