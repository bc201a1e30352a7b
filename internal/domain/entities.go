// Package domain defines core entities, ports, and domain-specific errors
// for the message-to-container orchestrator.
package domain

import (
	"context"
	"time"
)

// Lane tags the provenance of a work item moving through the queue.
type Lane string

const (
	// LaneUser marks work originating from an inbound chat message.
	LaneUser Lane = "user"
	// LaneScheduler marks work enqueued by the scheduler loop.
	LaneScheduler Lane = "scheduler"
	// LaneHeartbeat marks work enqueued by the heartbeat job runner.
	LaneHeartbeat Lane = "heartbeat"
)

// Message is one inbound chat message as delivered by a channel adapter.
type Message struct {
	// ID is the channel-scoped external message id.
	ID string
	// ChatJID identifies the chat the message belongs to.
	ChatJID string
	// Sender is the channel-scoped sender id.
	Sender string
	// SenderName is the display name of the sender.
	SenderName string
	// Content is the plain-text body.
	Content string
	// Timestamp is the channel timestamp of the message.
	Timestamp time.Time
	// IsFromMe reports whether the assistant itself authored the message.
	IsFromMe bool
	// Attachments holds local paths of downloaded media, if any.
	Attachments []string
}

// RegisteredGroup is one chat the orchestrator serves. Immutable per install
// except through main-group IPC registration.
type RegisteredGroup struct {
	JID             string
	Name            string
	Folder          string
	TriggerPattern  string
	RequiresTrigger bool
	AddedAt         time.Time
}

// ReceiptStatus captures the lifecycle state of one inbound message.
type ReceiptStatus string

// Receipt status values. Transitions:
//
//	RECEIVED → QUEUED → RUNNING → REPLIED
//	RUNNING → RETRYING → QUEUED …
//	RUNNING → FAILED → DEAD_LETTERED
const (
	ReceiptReceived     ReceiptStatus = "RECEIVED"
	ReceiptQueued       ReceiptStatus = "QUEUED"
	ReceiptRunning      ReceiptStatus = "RUNNING"
	ReceiptReplied      ReceiptStatus = "REPLIED"
	ReceiptRetrying     ReceiptStatus = "RETRYING"
	ReceiptFailed       ReceiptStatus = "FAILED"
	ReceiptDeadLettered ReceiptStatus = "DEAD_LETTERED"
)

// Receipt is the durable row recording the lifecycle of one inbound message.
// Exactly one receipt exists per (chat_jid, external_message_id).
type Receipt struct {
	// TraceID is sha1(chat_jid + ":" + external_message_id), 40 hex chars.
	TraceID           string
	ChatJID           string
	ExternalMessageID string
	Lane              Lane
	Status            ReceiptStatus
	// AttemptCount increases only when the receipt enters RUNNING.
	AttemptCount int
	ErrorCode    string
	ErrorDetail  string
	ReceivedAt   time.Time
	QueuedAt     *time.Time
	StartedAt    *time.Time
	RepliedAt    *time.Time
	TimeoutAt    *time.Time
	DeadLetterAt *time.Time
}

// Attempt is an append-only child of a receipt describing one container run.
type Attempt struct {
	TraceID       string
	AttemptNo     int
	ContainerName string
	RunStartedAt  time.Time
	RunEndedAt    *time.Time
	ExitCode      *int
	TimeoutHit    bool
}

// DeadLetterStatus is the state of a dead-letter row.
type DeadLetterStatus string

const (
	// DeadLetterOpen marks a dead letter awaiting operator action.
	DeadLetterOpen DeadLetterStatus = "open"
	// DeadLetterRetrying marks a dead letter currently re-enqueued.
	DeadLetterRetrying DeadLetterStatus = "retrying"
	// DeadLetterResolved marks a dead letter closed by an operator or a
	// successful retry.
	DeadLetterResolved DeadLetterStatus = "resolved"
)

// DeadLetter is the terminal parking row for a message that exhausted the
// retry policy. At most one row exists per trace.
type DeadLetter struct {
	TraceID           string
	ChatJID           string
	ExternalMessageID string
	Reason            string
	FinalError        string
	Retryable         bool
	Status            DeadLetterStatus
	CreatedAt         time.Time
	RetriedAt         *time.Time
	RetriedBy         string
}

// ScheduleType enumerates how a task's next run is computed.
type ScheduleType string

const (
	// ScheduleCron fires on a cron expression in the configured timezone.
	ScheduleCron ScheduleType = "cron"
	// ScheduleInterval fires every schedule_value milliseconds.
	ScheduleInterval ScheduleType = "interval"
	// ScheduleOnce fires a single time at schedule_value (RFC 3339).
	ScheduleOnce ScheduleType = "once"
)

// ContextMode selects the conversational context a scheduled task runs with.
type ContextMode string

const (
	// ContextGroup reuses the group's session and history.
	ContextGroup ContextMode = "group"
	// ContextIsolated runs with a fresh, throwaway session.
	ContextIsolated ContextMode = "isolated"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

// Scheduled-task status values.
const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	// TaskCancelled is a soft delete; the row is retained for audit.
	TaskCancelled TaskStatus = "cancelled"
)

// ScheduledTask is one recurring or one-shot agent task.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  ScheduleType
	ScheduleValue string
	ContextMode   ContextMode
	// NextRun is nil for completed once-tasks; claimed rows hold the
	// far-future sentinel (see TaskRepository.Claim).
	NextRun     *time.Time
	LastRun     *time.Time
	LastResult  string
	Status      TaskStatus
	RetryCount  int
	MaxRetries  int
	RetryDelay  time.Duration
	TaskTimeout time.Duration
	Label       string
	CreatedAt   time.Time
}

// HeartbeatCategory groups heartbeat jobs for reporting.
type HeartbeatCategory string

// Heartbeat job categories.
const (
	HeartbeatLearning HeartbeatCategory = "learning"
	HeartbeatMonitor  HeartbeatCategory = "monitor"
	HeartbeatHealth   HeartbeatCategory = "health"
	HeartbeatCustom   HeartbeatCategory = "custom"
)

// HeartbeatJobStatus is active or paused; heartbeat jobs have no terminal state.
type HeartbeatJobStatus string

// Heartbeat job status values.
const (
	HeartbeatJobActive HeartbeatJobStatus = "active"
	HeartbeatJobPaused HeartbeatJobStatus = "paused"
)

// RunningSentinel is written to a heartbeat job's last_result while an
// attempt is in flight so a crashed process can be detected on restart.
const RunningSentinel = "__RUNNING__"

// InterruptedResult replaces RunningSentinel on startup recovery.
const InterruptedResult = "Error: process interrupted (recovered on restart)"

// HeartbeatJob is one recurring smart job executed by the job runner.
type HeartbeatJob struct {
	ID       string
	ChatJID  string
	Label    string
	Prompt   string
	Category HeartbeatCategory
	Status   HeartbeatJobStatus
	// Interval overrides the runner's default cadence when > 0.
	Interval   time.Duration
	LastRun    *time.Time
	LastResult string
	CreatedAt  time.Time
	CreatedBy  string
}

// HeartbeatRunStatus is the outcome recorded in the heartbeat run log.
type HeartbeatRunStatus string

// Heartbeat run outcomes.
const (
	HeartbeatRunOK    HeartbeatRunStatus = "ok"
	HeartbeatRunError HeartbeatRunStatus = "error"
)

// HeartbeatRun is one append-only log entry for a heartbeat job execution.
type HeartbeatRun struct {
	ID       string
	JobID    string
	RunAt    time.Time
	Status   HeartbeatRunStatus
	Result   string
	Duration time.Duration
	Error    string
}

// UsageRow is one append-only cost-ledger entry.
type UsageRow struct {
	UserID       string
	Tier         Tier
	Model        string
	InputTokens  int64
	OutputTokens int64
	// EstimatedCostUSD is derived from the configured price table.
	EstimatedCostUSD float64
	ResponseTime     time.Duration
	GroupID          string
	TraceID          string
	CacheHit         bool
	Timestamp        time.Time
}

// BudgetConfig is the per-group budget policy consulted by the governor.
type BudgetConfig struct {
	GroupID         string
	MonthlyBudget   float64
	DailyBudget     float64
	AlertThresh     float64
	DowngradeThresh float64
	HardLimitThresh float64
	PreferredModel  string
	DowngradeModel  string
}

// Tier selects the handler path for a classified message.
type Tier string

// Handler tiers.
const (
	// TierInline answers from a local template with no model call.
	TierInline Tier = "inline"
	// TierOracle answers via the knowledge service only.
	TierOracle Tier = "oracle-only"
	// TierContainerLight runs a short container with a cheap model.
	TierContainerLight Tier = "container-light"
	// TierContainerFull runs a full container with a capable model.
	TierContainerFull Tier = "container-full"
)

// BudgetAction is the governor's verdict for a requested run.
type BudgetAction string

// Governor verdicts, in order of increasing severity.
const (
	BudgetNormal    BudgetAction = "normal"
	BudgetAlert     BudgetAction = "alert"
	BudgetDowngrade BudgetAction = "downgrade"
	BudgetHaikuOnly BudgetAction = "haiku-only"
	BudgetOffline   BudgetAction = "offline"
)

// Session is one persisted per-group agent resume token.
type Session struct {
	GroupFolder string
	Token       string
	UpdatedAt   time.Time
}

// ChatMetadata records the last-known display name of a chat.
type ChatMetadata struct {
	ChatJID   string
	Name      string
	Timestamp time.Time
}

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context
