package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/b9b4ymiN/jellycore/internal/channel"
)

// typingRefresh is how often the typing signal is re-armed on channels that
// support it.
const typingRefresh = 4 * time.Second

// progressNotices are the escalating user-visible messages sent while a run
// stays quiet; the first real output cancels the remainder.
var progressNotices = []string{
	"Still working on it…",
	"This one needs a bit more digging — hang tight.",
	"Almost there, wrapping up a long-running step.",
}

// notifier owns the typing signal and the progress notices for one run, and
// tracks every live timer in a process-wide set cleared at shutdown.
type notifier struct {
	registry *channel.Registry

	mu      sync.Mutex
	cancels map[*time.Timer]struct{}
	stopped bool
}

func newNotifier(registry *channel.Registry) *notifier {
	return &notifier{registry: registry, cancels: make(map[*time.Timer]struct{})}
}

// startTyping re-arms the typing signal until stop, TTL expiry, or ctx end.
// On TTL expiry the signal is revoked and one "still working" notice goes
// out; send failures are swallowed.
func (n *notifier) startTyping(ctx context.Context, chatJID string, maxTTL time.Duration) (stop func()) {
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		deadline := time.NewTimer(maxTTL)
		defer deadline.Stop()
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		_ = n.registry.SetTyping(runCtx, chatJID, true)
		for {
			select {
			case <-runCtx.Done():
				_ = n.registry.SetTyping(context.Background(), chatJID, false)
				return
			case <-deadline.C:
				_ = n.registry.SetTyping(context.Background(), chatJID, false)
				if err := n.registry.SendMessage(context.Background(), chatJID, "Still working — this is taking longer than usual."); err != nil {
					slog.Debug("typing ttl notice failed", slog.Any("error", err))
				}
				return
			case <-ticker.C:
				_ = n.registry.SetTyping(runCtx, chatJID, true)
			}
		}
	}()
	return cancel
}

// scheduleProgress arms the escalating notices. The returned cancel stops
// anything not yet sent; callers invoke it the moment real output ships.
func (n *notifier) scheduleProgress(chatJID string, delays []time.Duration) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return func() {}
	}
	var timers []*time.Timer
	for i, d := range delays {
		if i >= len(progressNotices) {
			break
		}
		notice := progressNotices[i]
		var t *time.Timer
		t = time.AfterFunc(d, func() {
			n.forget(t)
			if err := n.registry.SendMessage(context.Background(), chatJID, notice); err != nil {
				slog.Debug("progress notice failed", slog.Any("error", err))
			}
		})
		n.cancels[t] = struct{}{}
		timers = append(timers, t)
	}
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for _, t := range timers {
			t.Stop()
			delete(n.cancels, t)
		}
	}
}

func (n *notifier) forget(t *time.Timer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cancels, t)
}

// shutdown stops every outstanding timer.
func (n *notifier) shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = true
	for t := range n.cancels {
		t.Stop()
	}
	n.cancels = make(map[*time.Timer]struct{})
}
