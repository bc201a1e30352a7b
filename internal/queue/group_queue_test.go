package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

// testHarness drives a GroupQueue with a controllable process function.
type testHarness struct {
	mu       sync.Mutex
	started  []string
	release  map[string]chan bool
	retries  map[string][]int
	exceeded []string
	rejected []string
}

func newHarness() *testHarness {
	return &testHarness{
		release: make(map[string]chan bool),
		retries: make(map[string][]int),
	}
}

// process blocks until the test releases the group, recording start order
// and the retry count passed in.
func (h *testHarness) process(_ context.Context, chatJID string, retryCount int) bool {
	h.mu.Lock()
	h.started = append(h.started, chatJID)
	h.retries[chatJID] = append(h.retries[chatJID], retryCount)
	ch, ok := h.release[chatJID]
	if !ok {
		ch = make(chan bool, 8)
		h.release[chatJID] = ch
	}
	h.mu.Unlock()
	return <-ch
}

func (h *testHarness) releaseGroup(chatJID string, ok bool) {
	h.mu.Lock()
	ch, exists := h.release[chatJID]
	if !exists {
		ch = make(chan bool, 8)
		h.release[chatJID] = ch
	}
	h.mu.Unlock()
	ch <- ok
}

func (h *testHarness) startedOrder() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.started...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func newTestQueue(h *testHarness, cap int, maxQueue int, baseRetry time.Duration, mainJID string) *GroupQueue {
	groupInfo := func(jid string) (string, bool) {
		return "folder-" + jid, jid == mainJID
	}
	return New(Config{
		MaxQueueSize:   maxQueue,
		BaseRetryDelay: baseRetry,
		MaxRetries:     5,
		DataDir:        "",
	}, func() int { return cap }, groupInfo, h.process, Events{
		OnRejected: func(jid string) {
			h.mu.Lock()
			h.rejected = append(h.rejected, jid)
			h.mu.Unlock()
		},
		OnMaxRetriesExceeded: func(jid string) {
			h.mu.Lock()
			h.exceeded = append(h.exceeded, jid)
			h.mu.Unlock()
		},
	})
}

func TestQueue_GlobalCapThirdGroupWaits(t *testing.T) {
	t.Parallel()
	h := newHarness()
	q := newTestQueue(h, 2, 10, time.Millisecond, "")

	require.NoError(t, q.EnqueueMessageCheck("g1"))
	require.NoError(t, q.EnqueueMessageCheck("g2"))
	waitFor(t, func() bool { return len(h.startedOrder()) == 2 })

	require.NoError(t, q.EnqueueMessageCheck("g3"))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.startedOrder(), 2, "third group must wait at the cap")

	// When the first completes, the third starts.
	h.releaseGroup("g1", true)
	waitFor(t, func() bool { return len(h.startedOrder()) == 3 })
	assert.Equal(t, "g3", h.startedOrder()[2])

	h.releaseGroup("g2", true)
	h.releaseGroup("g3", true)
}

func TestQueue_MainGroupJumpsWaitingLine(t *testing.T) {
	t.Parallel()
	h := newHarness()
	q := newTestQueue(h, 1, 10, time.Millisecond, "main@g.us")

	require.NoError(t, q.EnqueueMessageCheck("g1"))
	waitFor(t, func() bool { return len(h.startedOrder()) == 1 })

	// Two priority-1 groups wait, then main arrives.
	require.NoError(t, q.EnqueueMessageCheck("g2"))
	require.NoError(t, q.EnqueueMessageCheck("g3"))
	require.NoError(t, q.EnqueueMessageCheck("main@g.us"))

	h.releaseGroup("g1", true)
	waitFor(t, func() bool { return len(h.startedOrder()) == 2 })
	assert.Equal(t, "main@g.us", h.startedOrder()[1], "priority 0 jumps ahead of waiting priority 1")

	h.releaseGroup("main@g.us", true)
	waitFor(t, func() bool { return len(h.startedOrder()) == 3 })
	h.releaseGroup("g2", true)
	waitFor(t, func() bool { return len(h.startedOrder()) == 4 })
	h.releaseGroup("g3", true)
}

func TestQueue_RejectsWhenWaitingListFull(t *testing.T) {
	t.Parallel()
	h := newHarness()
	q := newTestQueue(h, 1, 1, time.Millisecond, "")

	require.NoError(t, q.EnqueueMessageCheck("g1"))
	waitFor(t, func() bool { return len(h.startedOrder()) == 1 })
	require.NoError(t, q.EnqueueMessageCheck("g2"))

	err := q.EnqueueMessageCheck("g3")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueueFull)
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.rejected) == 1
	})

	h.releaseGroup("g1", true)
	h.releaseGroup("g2", true)
}

func TestQueue_RetryBackoffScheduleAndExhaustion(t *testing.T) {
	t.Parallel()
	h := newHarness()
	base := 2 * time.Millisecond
	q := newTestQueue(h, 1, 10, base, "")

	require.NoError(t, q.EnqueueMessageCheck("g1"))

	// Fail the initial cycle plus all five retries.
	for i := 0; i < 6; i++ {
		waitFor(t, func() bool { return len(h.startedOrder()) == i+1 })
		h.releaseGroup("g1", false)
	}

	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.exceeded) == 1
	})

	h.mu.Lock()
	retries := append([]int(nil), h.retries["g1"]...)
	h.mu.Unlock()
	// The process callback sees the retry count so it can silence notices
	// past the first attempt.
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, retries)

	// After exhaustion the group is idle again and accepts fresh work.
	require.NoError(t, q.EnqueueMessageCheck("g1"))
	waitFor(t, func() bool { return len(h.startedOrder()) == 7 })
	h.mu.Lock()
	lastRetry := h.retries["g1"][len(h.retries["g1"])-1]
	h.mu.Unlock()
	assert.Zero(t, lastRetry, "retry count resets after exhaustion")
	h.releaseGroup("g1", true)
}

func TestQueue_TaskDeduplication(t *testing.T) {
	t.Parallel()
	h := newHarness()
	q := newTestQueue(h, 1, 10, time.Millisecond, "")

	var runs atomic.Int32
	blocker := make(chan struct{})
	task := func(id string) Task {
		return Task{ID: id, Lane: domain.LaneScheduler, Fn: func(context.Context) error {
			runs.Add(1)
			<-blocker
			return nil
		}}
	}

	require.NoError(t, q.EnqueueTask("g1", task("t1")))
	require.NoError(t, q.EnqueueTask("g1", task("t1")))
	require.NoError(t, q.EnqueueTask("g1", task("t1")))
	waitFor(t, func() bool { return runs.Load() == 1 })
	close(blocker)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "duplicate task ids collapse to one run")
}

func TestQueue_SendMessageRequiresActiveRun(t *testing.T) {
	t.Parallel()
	h := newHarness()
	q := newTestQueue(h, 1, 10, time.Millisecond, "")
	assert.False(t, q.SendMessage("idle-group", "hi"), "no active run means the caller must enqueue")
	_ = h
}

func TestQueue_ShutdownRefusesNewWork(t *testing.T) {
	t.Parallel()
	h := newHarness()
	q := newTestQueue(h, 1, 10, time.Millisecond, "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	err := q.EnqueueMessageCheck("g1")
	assert.ErrorIs(t, err, domain.ErrShuttingDown)
	_ = h
}

func TestQueue_LaneCounters(t *testing.T) {
	t.Parallel()
	h := newHarness()
	q := newTestQueue(h, 1, 10, time.Millisecond, "")
	require.NoError(t, q.EnqueueMessageCheck("g1"))
	require.NoError(t, q.EnqueueTask("g2", Task{ID: "t", Lane: domain.LaneHeartbeat, Fn: func(context.Context) error { return nil }}))
	counts := q.LaneCounts()
	assert.Equal(t, int64(1), counts[domain.LaneUser])
	assert.Equal(t, int64(1), counts[domain.LaneHeartbeat])
	h.releaseGroup("g1", true)
}
