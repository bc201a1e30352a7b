// Package pipeline turns inbound chat messages into exactly one user-visible
// response (or one dead letter), driving the receipt state machine, the
// classifier, the budget governor, and the container runner.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/b9b4ymiN/jellycore/internal/adapter/observability"
	"github.com/b9b4ymiN/jellycore/internal/budget"
	"github.com/b9b4ymiN/jellycore/internal/channel"
	"github.com/b9b4ymiN/jellycore/internal/domain"
	"github.com/b9b4ymiN/jellycore/internal/ipcfs"
)

// Virtual JID prefixes for scheduler and heartbeat work items. Virtual
// groups never receive user-visible queue feedback.
const (
	SchedJIDPrefix = "_sched_"
	HBJIDPrefix    = "_hb_"
)

// IsVirtualJID reports whether a chat JID names a scheduler or heartbeat
// virtual group.
func IsVirtualJID(jid string) bool {
	return strings.HasPrefix(jid, SchedJIDPrefix) || strings.HasPrefix(jid, HBJIDPrefix)
}

// WorkQueue is the slice of the group queue the pipeline drives. The queue
// holds the pipeline's ProcessGroup as its callback, so the dependency only
// points one way.
type WorkQueue interface {
	EnqueueMessageCheck(chatJID string) error
	SendMessage(chatJID, text string) bool
	RegisterProcess(chatJID string, handle domain.RunHandle)
}

// Config parameterizes the pipeline.
type Config struct {
	MainGroupFolder string
	AssistantName   string
	DataDir         string
	IdleTimeout     time.Duration
	TypingMaxTTL    time.Duration
	SessionMaxAge   time.Duration
	ProgressDelays  []time.Duration
	Location        *time.Location
	// Secrets supplies the credentials forwarded into containers.
	Secrets func() map[string]string
}

// Pipeline coordinates receipt transitions, cursor discipline, tier
// dispatch, and streamed container output for every group.
type Pipeline struct {
	cfg      Config
	state    *State
	receipts domain.ReceiptRepository
	groups   domain.GroupRepository
	governor *budget.Governor
	oracle   domain.Oracle
	runner   domain.AgentRunner
	registry *channel.Registry
	notify   *notifier

	mu    sync.Mutex
	queue WorkQueue
	// activeWindows maps chat JID to the trace ids promised to the current
	// run, so piped follow-ups settle with the same reply.
	activeWindows map[string][]string
}

// New constructs the pipeline. Bind must be called with the queue before any
// inbound traffic flows.
func New(cfg Config, state *State, receipts domain.ReceiptRepository, groups domain.GroupRepository,
	governor *budget.Governor, oracle domain.Oracle, runner domain.AgentRunner, registry *channel.Registry) *Pipeline {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Pipeline{
		cfg:           cfg,
		state:         state,
		receipts:      receipts,
		groups:        groups,
		governor:      governor,
		oracle:        oracle,
		runner:        runner,
		registry:      registry,
		notify:        newNotifier(registry),
		activeWindows: make(map[string][]string),
	}
}

// Bind attaches the work queue; breaks the construction cycle.
func (p *Pipeline) Bind(q WorkQueue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = q
}

// LoadGroups refreshes the in-memory group snapshot from the store. The
// store stays authoritative; this runs at startup and after every IPC
// registration.
func (p *Pipeline) LoadGroups(ctx context.Context) error {
	groups, err := p.groups.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("op=pipeline.LoadGroups: %w", err)
	}
	p.state.SetGroups(groups)
	return nil
}

// GroupInfo resolves a chat JID for the queue's priority decisions.
func (p *Pipeline) GroupInfo(chatJID string) (folder string, isMain bool) {
	if IsVirtualJID(chatJID) {
		return "", false
	}
	g, ok := p.state.GroupByJID(chatJID)
	if !ok {
		return "", false
	}
	return g.Folder, g.Folder == p.cfg.MainGroupFolder
}

// HandleInbound is the channel adapter's message callback: persist a
// receipt, advance the global cursor, then pipe into an active run or
// enqueue a message check.
func (p *Pipeline) HandleInbound(chatJID string, msg domain.Message) {
	ctx := context.Background()
	g, ok := p.state.GroupByJID(chatJID)
	if !ok {
		slog.Debug("inbound for unregistered chat", slog.String("chat_jid", chatJID))
		return
	}

	// The assistant's own echoes never enter a response window.
	if msg.IsFromMe || strings.HasPrefix(msg.Content, p.cfg.AssistantName+":") {
		return
	}

	rec, err := p.receipts.Upsert(ctx, domain.Receipt{
		ChatJID:           chatJID,
		ExternalMessageID: msg.ID,
		Lane:              domain.LaneUser,
		ReceivedAt:        msg.Timestamp,
	})
	if err != nil {
		slog.Error("receipt upsert failed", slog.String("chat_jid", chatJID), slog.Any("error", err))
		return
	}
	p.state.Observe(msg)

	// Pipe into an active run first: the agent sees the follow-up after the
	// currently streaming result, and the cursor advances before the pipe.
	if p.workQueue().SendMessage(chatJID, fmt.Sprintf("[%s] %s", msg.SenderName, msg.Content)) {
		p.state.AdvanceCursor(chatJID, msg.Timestamp)
		p.mu.Lock()
		p.activeWindows[chatJID] = append(p.activeWindows[chatJID], rec.TraceID)
		p.mu.Unlock()
		if err := p.receipts.Transition(ctx, rec.TraceID, domain.ReceiptQueued, "", ""); err != nil {
			slog.Error("receipt transition failed", slog.String("trace_id", rec.TraceID), slog.Any("error", err))
		}
		return
	}

	if err := p.receipts.Transition(ctx, rec.TraceID, domain.ReceiptQueued, "", ""); err != nil {
		slog.Error("receipt transition failed", slog.String("trace_id", rec.TraceID), slog.Any("error", err))
	}
	if err := p.workQueue().EnqueueMessageCheck(chatJID); err != nil {
		if errors.Is(err, domain.ErrQueueFull) {
			p.rejectAtCapacity(ctx, rec, g)
			return
		}
		slog.Error("enqueue failed", slog.String("chat_jid", chatJID), slog.Any("error", err))
	}
}

// HandleChatMetadata is the channel adapter's metadata callback.
func (p *Pipeline) HandleChatMetadata(chatJID string, ts time.Time, name string) {
	if err := p.groups.UpsertChatMetadata(context.Background(), domain.ChatMetadata{
		ChatJID: chatJID, Name: name, Timestamp: ts,
	}); err != nil {
		slog.Warn("chat metadata upsert failed", slog.String("chat_jid", chatJID), slog.Any("error", err))
	}
}

// rejectAtCapacity dead-letters a message the queue refused and tells the
// user once, with a short trace id for support.
func (p *Pipeline) rejectAtCapacity(ctx context.Context, rec domain.Receipt, g domain.RegisteredGroup) {
	_ = p.receipts.Transition(ctx, rec.TraceID, domain.ReceiptFailed, domain.CodeQueueFull, "queue at capacity")
	_ = p.receipts.Transition(ctx, rec.TraceID, domain.ReceiptDeadLettered, "", "")
	if err := p.receipts.CreateDeadLetter(ctx, domain.DeadLetter{
		TraceID:           rec.TraceID,
		ChatJID:           rec.ChatJID,
		ExternalMessageID: rec.ExternalMessageID,
		Reason:            domain.CodeQueueFull,
		FinalError:        "queue at capacity",
		Retryable:         true,
	}); err != nil {
		slog.Error("dead letter create failed", slog.String("trace_id", rec.TraceID), slog.Any("error", err))
	}
	p.sendNotice(rec.ChatJID, fmt.Sprintf("Queue is full right now — please try again shortly. (ref %s)", domain.ShortTraceID(rec.TraceID)))
}

// ProcessGroup is the queue's process-group callback: classify the window's
// last message, consult the budget governor, and dispatch the tier. A false
// return asks the queue for a backoff retry of the same window.
func (p *Pipeline) ProcessGroup(ctx context.Context, chatJID string, retryCount int) bool {
	g, ok := p.state.GroupByJID(chatJID)
	if !ok {
		return true
	}
	window := p.state.Window(chatJID)
	if len(window) == 0 {
		return true
	}
	last := window[len(window)-1]

	// Trigger gate: non-main groups that require a trigger only process
	// windows containing at least one match; everything else is dropped but
	// stays receipt-logged.
	if g.Folder != p.cfg.MainGroupFolder && g.RequiresTrigger {
		if !windowMatchesTrigger(window, g.TriggerPattern) {
			p.state.AdvanceCursor(chatJID, last.Timestamp)
			return true
		}
	}

	traces := make([]string, 0, len(window))
	for _, m := range window {
		traces = append(traces, domain.TraceID(chatJID, m.ID))
	}
	p.mu.Lock()
	p.activeWindows[chatJID] = traces
	p.mu.Unlock()

	prevCursor := p.state.Cursor(chatJID)
	dec := Classify(last.Content)
	slog.Info("window classified",
		slog.String("chat_jid", chatJID),
		slog.String("tier", string(dec.Tier)),
		slog.String("model", dec.Model),
		slog.String("reason", dec.Reason),
		slog.Int("window", len(window)))

	switch dec.Tier {
	case domain.TierInline:
		return p.runInlineTier(ctx, g, last, dec, traces)
	case domain.TierOracle:
		if p.runOracleTier(ctx, g, last, traces) {
			return true
		}
		// Oracle failure falls through to a light container with the
		// classifier's model.
		dec.Tier = domain.TierContainerLight
		fallthrough
	default:
		return p.runContainerTier(ctx, g, window, dec, traces, prevCursor, retryCount)
	}
}

func (p *Pipeline) runInlineTier(ctx context.Context, g domain.RegisteredGroup, last domain.Message, dec Decision, traces []string) bool {
	trace := domain.TraceID(g.JID, last.ID)
	reply := RunInline(dec.Reason, last.Content, trace, p.cfg.AssistantName)
	p.markRunning(ctx, traces, "inline")
	if err := p.registry.SendMessage(ctx, g.JID, reply.Text); err != nil {
		slog.Error("inline send failed", slog.String("chat_jid", g.JID), slog.Any("error", err))
		return false
	}
	if reply.Action != nil && reply.Action.Kind == ActionClearSession {
		p.clearSession(ctx, g.Folder)
	}
	p.state.AdvanceCursor(g.JID, last.Timestamp)
	p.settleReplied(ctx, traces)
	p.trackRun(ctx, g, dec.Tier, "haiku", trace, last.Content, reply.Text, 0, true)
	return true
}

func (p *Pipeline) runOracleTier(ctx context.Context, g domain.RegisteredGroup, last domain.Message, traces []string) bool {
	start := time.Now()
	answer, err := p.oracle.Answer(ctx, g.JID, last.Content)
	if err != nil {
		slog.Warn("oracle answer failed, falling through to container",
			slog.String("chat_jid", g.JID), slog.Any("error", err))
		return false
	}
	p.markRunning(ctx, traces, "oracle")
	if err := p.registry.SendMessage(ctx, g.JID, answer); err != nil {
		slog.Error("oracle send failed", slog.String("chat_jid", g.JID), slog.Any("error", err))
		return false
	}
	p.state.AdvanceCursor(g.JID, last.Timestamp)
	p.settleReplied(ctx, traces)
	p.trackRun(ctx, g, domain.TierOracle, "haiku", domain.TraceID(g.JID, last.ID), last.Content, answer, time.Since(start), false)
	return true
}

func (p *Pipeline) runContainerTier(ctx context.Context, g domain.RegisteredGroup, window []domain.Message, dec Decision, traces []string, prevCursor time.Time, retryCount int) bool {
	last := window[len(window)-1]
	trace := domain.TraceID(g.JID, last.ID)

	decision, err := p.governor.Check(ctx, g.Folder, dec.Model)
	if err != nil {
		slog.Error("budget check failed", slog.String("group", g.Folder), slog.Any("error", err))
		decision.Action = domain.BudgetNormal
		decision.EffectiveModel = dec.Model
	}
	switch decision.Action {
	case domain.BudgetOffline:
		// A failed send here still advances the cursor; reprocessing the
		// window forever would burn exactly the budget that is exhausted.
		p.markRunning(ctx, traces, "budget")
		p.sendNotice(g.JID, "Monthly budget is exhausted — I'm pausing expensive work until it resets. (budget offline)")
		p.state.AdvanceCursor(g.JID, last.Timestamp)
		p.settleReplied(ctx, traces)
		return true
	case domain.BudgetDowngrade, domain.BudgetHaikuOnly:
		if p.governor.ShouldAlert(ctx, g.Folder, decision.Action) {
			p.sendNotice(g.JID, fmt.Sprintf("Budget at %.0f%% — switching to the lighter model for now.", decision.UsagePct*100))
		}
	case domain.BudgetAlert:
		if p.governor.ShouldAlert(ctx, g.Folder, decision.Action) {
			p.sendNotice(g.JID, fmt.Sprintf("Heads up: this group has used %.0f%% of its monthly budget.", decision.UsagePct*100))
		}
	}

	isMain := g.Folder == p.cfg.MainGroupFolder
	sessionID := p.sessionFor(ctx, g.Folder)
	prompt := p.buildPrompt(ctx, g, window)
	runLog := observability.RunLogger(slog.Default(), trace, g.Folder, domain.LaneUser)

	// Commit: the tier promises a response for everything up to the last
	// message. Rolled back below only when no output ever shipped.
	p.state.AdvanceCursor(g.JID, last.Timestamp)

	stopTyping := p.notify.startTyping(ctx, g.JID, p.cfg.TypingMaxTTL)
	cancelProgress := p.notify.scheduleProgress(g.JID, p.cfg.ProgressDelays)
	defer stopTyping()

	var outMu sync.Mutex
	outputSent := false
	var replies []string
	var idleTimer *time.Timer
	resetIdle := func() {
		outMu.Lock()
		defer outMu.Unlock()
		if idleTimer != nil {
			idleTimer.Stop()
		}
		idleTimer = time.AfterFunc(p.cfg.IdleTimeout, func() {
			if err := ipcfs.WriteClose(p.cfg.DataDir, g.Folder); err != nil {
				slog.Debug("idle close failed", slog.String("folder", g.Folder), slog.Any("error", err))
			}
		})
	}

	start := time.Now()
	result, runErr := p.runner.Run(ctx, domain.AgentInput{
		Prompt:      prompt,
		SessionID:   sessionID,
		GroupFolder: g.Folder,
		ChatJID:     g.JID,
		IsMain:      isMain,
		Lane:        domain.LaneUser,
		Secrets:     p.secrets(),
	}, func(h domain.RunHandle) {
		p.workQueue().RegisterProcess(g.JID, h)
		p.markRunning(ctx, p.windowTraces(g.JID), h.ContainerName)
		resetIdle()
	}, func(out domain.AgentOutput) {
		if out.Result == "" {
			return
		}
		clean, medias := mediaDirective(out.Result)
		for _, m := range medias {
			p.sendMedia(ctx, g.JID, m)
		}
		if clean == "" {
			return
		}
		if err := p.registry.SendMessage(ctx, g.JID, clean); err != nil {
			slog.Error("stream forward failed", slog.String("chat_jid", g.JID), slog.Any("error", err))
			return
		}
		outMu.Lock()
		outputSent = true
		replies = append(replies, clean)
		outMu.Unlock()
		cancelProgress()
		resetIdle()
	})

	cancelProgress()
	outMu.Lock()
	if idleTimer != nil {
		idleTimer.Stop()
	}
	sent := outputSent
	sentText := strings.Join(replies, "\n")
	outMu.Unlock()

	if result.NewSessionID != "" {
		p.saveSession(ctx, g.Folder, result.NewSessionID)
	}

	allTraces := p.windowTraces(g.JID)
	switch {
	case result.Status == "success" && sent:
		p.settleReplied(ctx, allTraces)
		p.finishAttempts(ctx, allTraces, intPtr(0), false)
		p.trackRun(ctx, g, dec.Tier, decision.EffectiveModel, trace, prompt, sentText, time.Since(start), false)
		return true
	case sent:
		// Output already reached the user; duplicates are worse than a
		// truncated tail, so the cursor stays and the window settles.
		runLog.Warn("run errored after output was sent", slog.String("error", result.Error))
		p.settleReplied(ctx, allTraces)
		p.finishAttempts(ctx, allTraces, nil, false)
		p.trackRun(ctx, g, dec.Tier, decision.EffectiveModel, trace, prompt, sentText, time.Since(start), false)
		return true
	default:
		code := domain.CodeNoOutput
		detail := "run succeeded but produced no user-visible output"
		if result.Status == "error" {
			code = domain.CodeAgentError
			detail = result.Error
		}
		if runErr != nil {
			detail = runErr.Error()
		}
		runLog.Info("run failed before any output, retrying window",
			slog.String("error_code", code),
			slog.Int("retry", retryCount))
		p.state.RollbackCursor(g.JID, prevCursor)
		for _, tr := range allTraces {
			if err := p.receipts.Transition(ctx, tr, domain.ReceiptRetrying, code, detail); err != nil {
				slog.Error("receipt retry transition failed", slog.String("trace_id", tr), slog.Any("error", err))
			}
		}
		p.finishAttempts(ctx, allTraces, nil, false)
		if retryCount == 0 {
			p.sendNotice(g.JID, "Hit a snag on that one — retrying now.")
		}
		return false
	}
}

// OnMaxRetriesExceeded is wired to the queue's retry-exhaustion event: the
// window dead-letters with one final user notice.
func (p *Pipeline) OnMaxRetriesExceeded(chatJID string) {
	if IsVirtualJID(chatJID) {
		return
	}
	ctx := context.Background()
	window := p.state.Window(chatJID)
	if len(window) == 0 {
		return
	}
	last := window[len(window)-1]
	var firstTrace string
	for _, m := range window {
		tr := domain.TraceID(chatJID, m.ID)
		if firstTrace == "" {
			firstTrace = tr
		}
		_ = p.receipts.Transition(ctx, tr, domain.ReceiptFailed, domain.CodeMaxRetries, "retry budget exhausted")
		_ = p.receipts.Transition(ctx, tr, domain.ReceiptDeadLettered, "", "")
		if err := p.receipts.CreateDeadLetter(ctx, domain.DeadLetter{
			TraceID:           tr,
			ChatJID:           chatJID,
			ExternalMessageID: m.ID,
			Reason:            domain.CodeMaxRetries,
			FinalError:        "retry budget exhausted",
			Retryable:         true,
		}); err != nil {
			slog.Error("dead letter create failed", slog.String("trace_id", tr), slog.Any("error", err))
		}
	}
	// The window is terminal; move past it so new traffic flows again.
	p.state.AdvanceCursor(chatJID, last.Timestamp)
	p.sendNotice(chatJID, fmt.Sprintf("I couldn't finish that request after several attempts. (ref %s)", domain.ShortTraceID(firstTrace)))
}

// RetryDeadLetter re-enqueues a dead-lettered trace on operator request. The
// take is atomic; a capacity rejection re-opens the row.
func (p *Pipeline) RetryDeadLetter(ctx context.Context, traceID, by string) error {
	if err := p.receipts.TakeDeadLetterForRetry(ctx, traceID, by); err != nil {
		return fmt.Errorf("op=pipeline.RetryDeadLetter: %w", err)
	}
	dl, err := p.receipts.GetDeadLetter(ctx, traceID)
	if err != nil {
		return fmt.Errorf("op=pipeline.RetryDeadLetter: %w", err)
	}
	if err := p.workQueue().EnqueueMessageCheck(dl.ChatJID); err != nil {
		if reopenErr := p.receipts.ReopenDeadLetter(ctx, traceID, domain.CodeQueueFull); reopenErr != nil {
			slog.Error("dead letter reopen failed", slog.String("trace_id", traceID), slog.Any("error", reopenErr))
		}
		return fmt.Errorf("op=pipeline.RetryDeadLetter: %w", err)
	}
	return nil
}

// RecoverOnStartup moves in-flight receipts from a previous process into
// RETRYING and re-enqueues their chats.
func (p *Pipeline) RecoverOnStartup(ctx context.Context) error {
	inFlight, err := p.receipts.ListInFlight(ctx)
	if err != nil {
		return fmt.Errorf("op=pipeline.RecoverOnStartup: %w", err)
	}
	chats := make(map[string]bool)
	for _, rec := range inFlight {
		if err := p.receipts.Transition(ctx, rec.TraceID, domain.ReceiptRetrying, domain.CodeRecovered, "in-flight at restart"); err != nil {
			slog.Error("recovery transition failed", slog.String("trace_id", rec.TraceID), slog.Any("error", err))
			continue
		}
		chats[rec.ChatJID] = true
	}
	for jid := range chats {
		if err := p.workQueue().EnqueueMessageCheck(jid); err != nil {
			slog.Warn("recovery enqueue failed", slog.String("chat_jid", jid), slog.Any("error", err))
		}
	}
	if len(inFlight) > 0 {
		slog.Info("recovered in-flight receipts", slog.Int("count", len(inFlight)), slog.Int("chats", len(chats)))
	}
	return nil
}

// RunAgentTask executes one scheduler or heartbeat prompt through a
// container and returns the combined output. deliver controls whether
// streamed output is forwarded to the chat.
func (p *Pipeline) RunAgentTask(ctx context.Context, queueJID, chatJID, folder, prompt string, lane domain.Lane, mode domain.ContextMode, deliver bool) (string, error) {
	isMain := folder == p.cfg.MainGroupFolder
	sessionID := ""
	if mode == domain.ContextGroup {
		sessionID = p.sessionFor(ctx, folder)
	}
	var outMu sync.Mutex
	var parts []string
	result, err := p.runner.Run(ctx, domain.AgentInput{
		Prompt:          prompt,
		SessionID:       sessionID,
		GroupFolder:     folder,
		ChatJID:         chatJID,
		IsMain:          isMain,
		Lane:            lane,
		IsScheduledTask: true,
		Secrets:         p.secrets(),
	}, func(h domain.RunHandle) {
		p.workQueue().RegisterProcess(queueJID, h)
	}, func(out domain.AgentOutput) {
		if out.Result == "" {
			return
		}
		clean, medias := mediaDirective(out.Result)
		if deliver {
			for _, m := range medias {
				p.sendMedia(ctx, chatJID, m)
			}
			if clean != "" {
				if sendErr := p.registry.SendMessage(ctx, chatJID, clean); sendErr != nil {
					slog.Error("task output send failed", slog.String("chat_jid", chatJID), slog.Any("error", sendErr))
				}
			}
		}
		if clean != "" {
			outMu.Lock()
			parts = append(parts, clean)
			outMu.Unlock()
		}
	})
	if result.NewSessionID != "" && mode == domain.ContextGroup {
		p.saveSession(ctx, folder, result.NewSessionID)
	}
	outMu.Lock()
	combined := strings.Join(parts, "\n")
	outMu.Unlock()
	if err != nil {
		return combined, fmt.Errorf("op=pipeline.RunAgentTask: %w", err)
	}
	if result.Status == "error" {
		return combined, fmt.Errorf("op=pipeline.RunAgentTask: agent error: %s", result.Error)
	}
	return combined, nil
}

// RegisterGroup writes through to the store and refreshes the snapshot.
func (p *Pipeline) RegisterGroup(ctx context.Context, g domain.RegisteredGroup) error {
	if err := p.groups.RegisterGroup(ctx, g); err != nil {
		return fmt.Errorf("op=pipeline.RegisterGroup: %w", err)
	}
	if err := ipcfs.EnsureGroupDirs(p.cfg.DataDir, g.Folder); err != nil {
		return fmt.Errorf("op=pipeline.RegisterGroup: %w", err)
	}
	return p.LoadGroups(ctx)
}

// State exposes the pipeline state for read-only collaborators.
func (p *Pipeline) State() *State { return p.state }

// SendNotice routes a user-visible notice, skipping virtual groups.
func (p *Pipeline) SendNotice(chatJID, text string) { p.sendNotice(chatJID, text) }

// Shutdown stops every outstanding typing/progress timer.
func (p *Pipeline) Shutdown() { p.notify.shutdown() }

func (p *Pipeline) workQueue() WorkQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue
}

func (p *Pipeline) windowTraces(chatJID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.activeWindows[chatJID]...)
}

func (p *Pipeline) sendNotice(chatJID, text string) {
	if IsVirtualJID(chatJID) {
		return
	}
	if err := p.registry.SendMessage(context.Background(), chatJID, text); err != nil {
		slog.Debug("notice send failed", slog.String("chat_jid", chatJID), slog.Any("error", err))
	}
}

func (p *Pipeline) sendMedia(ctx context.Context, chatJID, payloadJSON string) {
	var payload channel.MediaPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		slog.Warn("malformed media directive", slog.Any("error", err))
		return
	}
	if err := p.registry.SendPayload(ctx, chatJID, payload); err != nil {
		slog.Warn("media send failed", slog.String("chat_jid", chatJID), slog.Any("error", err))
	}
}

// markRunning transitions every window trace to RUNNING and opens its
// attempt row. attempt_count increments exactly here.
func (p *Pipeline) markRunning(ctx context.Context, traces []string, containerName string) {
	now := time.Now().UTC()
	for _, tr := range traces {
		if err := p.receipts.Transition(ctx, tr, domain.ReceiptRunning, "", ""); err != nil {
			slog.Error("running transition failed", slog.String("trace_id", tr), slog.Any("error", err))
			continue
		}
		rec, err := p.receipts.Get(ctx, tr)
		if err != nil {
			continue
		}
		if err := p.receipts.AppendAttempt(ctx, domain.Attempt{
			TraceID:       tr,
			AttemptNo:     rec.AttemptCount,
			ContainerName: containerName,
			RunStartedAt:  now,
		}); err != nil {
			slog.Error("attempt append failed", slog.String("trace_id", tr), slog.Any("error", err))
		}
	}
}

func (p *Pipeline) settleReplied(ctx context.Context, traces []string) {
	for _, tr := range traces {
		if err := p.receipts.Transition(ctx, tr, domain.ReceiptReplied, "", ""); err != nil {
			slog.Error("replied transition failed", slog.String("trace_id", tr), slog.Any("error", err))
		}
	}
}

func (p *Pipeline) finishAttempts(ctx context.Context, traces []string, exitCode *int, timeoutHit bool) {
	for _, tr := range traces {
		rec, err := p.receipts.Get(ctx, tr)
		if err != nil {
			continue
		}
		if err := p.receipts.FinishAttempt(ctx, tr, rec.AttemptCount, exitCode, timeoutHit); err != nil {
			slog.Debug("attempt finish failed", slog.String("trace_id", tr), slog.Any("error", err))
		}
	}
}

func (p *Pipeline) trackRun(ctx context.Context, g domain.RegisteredGroup, tier domain.Tier, model, traceID, input, output string, elapsed time.Duration, cacheHit bool) {
	var inTok, outTok int64
	if tier != domain.TierInline {
		inTok = budget.EstimateTokens(input)
		outTok = budget.EstimateTokens(output)
	}
	if err := p.governor.TrackUsage(ctx, domain.UsageRow{
		UserID:       domain.StableUserID(g.JID),
		Tier:         tier,
		Model:        model,
		InputTokens:  inTok,
		OutputTokens: outTok,
		ResponseTime: elapsed,
		GroupID:      g.Folder,
		TraceID:      traceID,
		CacheHit:     cacheHit,
	}); err != nil {
		slog.Warn("usage tracking failed", slog.String("group", g.Folder), slog.Any("error", err))
	}
}

func (p *Pipeline) sessionFor(ctx context.Context, folder string) string {
	if sess, ok := p.state.Session(folder); ok {
		if time.Since(sess.UpdatedAt) <= p.cfg.SessionMaxAge {
			return sess.Token
		}
		p.clearSession(ctx, folder)
		return ""
	}
	sess, err := p.groups.GetSession(ctx, folder)
	if err != nil {
		return ""
	}
	if time.Since(sess.UpdatedAt) > p.cfg.SessionMaxAge {
		p.clearSession(ctx, folder)
		return ""
	}
	p.state.SetSession(sess)
	return sess.Token
}

func (p *Pipeline) saveSession(ctx context.Context, folder, token string) {
	sess := domain.Session{GroupFolder: folder, Token: token, UpdatedAt: time.Now().UTC()}
	p.state.SetSession(sess)
	if err := p.groups.SaveSession(ctx, sess); err != nil {
		slog.Warn("session save failed", slog.String("folder", folder), slog.Any("error", err))
	}
}

func (p *Pipeline) clearSession(ctx context.Context, folder string) {
	p.state.DropSession(folder)
	if err := p.groups.ClearSession(ctx, folder); err != nil {
		slog.Warn("session clear failed", slog.String("folder", folder), slog.Any("error", err))
	}
}

// buildPrompt assembles the container prompt: an optional knowledge context
// block, a time header, then the window's messages with sender tags.
func (p *Pipeline) buildPrompt(ctx context.Context, g domain.RegisteredGroup, window []domain.Message) string {
	var b strings.Builder
	if block := p.oracle.ContextBlock(ctx, g.JID); block != "" {
		b.WriteString(block)
		b.WriteString("\n\n")
	}
	b.WriteString("Current time: ")
	b.WriteString(time.Now().In(p.cfg.Location).Format(time.RFC1123))
	b.WriteString("\n\n")
	for _, m := range window {
		fmt.Fprintf(&b, "[%s] %s\n", m.SenderName, m.Content)
	}
	return b.String()
}

func (p *Pipeline) secrets() map[string]string {
	if p.cfg.Secrets == nil {
		return nil
	}
	return p.cfg.Secrets()
}

func windowMatchesTrigger(window []domain.Message, pattern string) bool {
	if pattern == "" {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		slog.Warn("invalid trigger pattern", slog.String("pattern", pattern), slog.Any("error", err))
		return false
	}
	for _, m := range window {
		if re.MatchString(m.Content) {
			return true
		}
	}
	return false
}

func intPtr(v int) *int { return &v }

// NewTaskID mints ids for queue work items.
func NewTaskID() string { return uuid.New().String() }
