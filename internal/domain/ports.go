package domain

import "time"

// Repositories (ports)

// ReceiptRepository manages message receipts, attempts, and dead letters.
type ReceiptRepository interface {
	// Upsert creates the receipt for a message or returns the existing row.
	Upsert(ctx Context, r Receipt) (Receipt, error)
	// Get retrieves a receipt by trace id.
	Get(ctx Context, traceID string) (Receipt, error)
	// Transition moves a receipt to status, stamping the matching timestamp.
	// Entering RUNNING increments attempt_count; entering REPLIED clears
	// error_code and error_detail.
	Transition(ctx Context, traceID string, status ReceiptStatus, errCode, errDetail string) error
	// ListInFlight returns receipts left in RECEIVED, QUEUED, or RUNNING,
	// used for crash recovery on startup.
	ListInFlight(ctx Context) ([]Receipt, error)
	// AppendAttempt records one container run under a receipt.
	AppendAttempt(ctx Context, a Attempt) error
	// FinishAttempt closes the latest attempt for a trace.
	FinishAttempt(ctx Context, traceID string, attemptNo int, exitCode *int, timeoutHit bool) error

	// CreateDeadLetter parks a trace; at most one row per trace.
	CreateDeadLetter(ctx Context, d DeadLetter) error
	// GetDeadLetter retrieves a dead letter by trace id.
	GetDeadLetter(ctx Context, traceID string) (DeadLetter, error)
	// ListDeadLetters returns dead letters filtered by status ("" = all).
	ListDeadLetters(ctx Context, status DeadLetterStatus, limit int) ([]DeadLetter, error)
	// TakeDeadLetterForRetry atomically flips an open dead letter to
	// retrying and its receipt to RETRYING. Returns ErrConflict when the
	// row is not open.
	TakeDeadLetterForRetry(ctx Context, traceID, retriedBy string) error
	// ReopenDeadLetter returns a retrying dead letter to open with a reason.
	ReopenDeadLetter(ctx Context, traceID, reason string) error
	// ResolveDeadLetter closes a dead letter.
	ResolveDeadLetter(ctx Context, traceID string) error
}

// TaskRepository manages scheduled tasks. All mutation goes through here.
type TaskRepository interface {
	// Create inserts a task; duplicate (folder, schedule, prompt prefix)
	// against an active or paused task returns ErrConflict.
	Create(ctx Context, t ScheduledTask) (string, error)
	Get(ctx Context, id string) (ScheduledTask, error)
	// ListDue returns active tasks with next_run <= now.
	ListDue(ctx Context, now time.Time) ([]ScheduledTask, error)
	// ListByGroup returns tasks for one folder, or all when folder is "".
	ListByGroup(ctx Context, folder string) ([]ScheduledTask, error)
	// Claim conditionally advances next_run to the far-future sentinel iff
	// the row is still active with next_run <= now. Exactly one concurrent
	// claimant wins; the others observe false.
	Claim(ctx Context, id string, now time.Time) (bool, error)
	// RecoverStaleClaims resets sentinel rows so they fire on the next tick.
	RecoverStaleClaims(ctx Context) (int, error)
	// CompleteRun records a successful run and the recomputed next_run.
	// A nil nextRun marks a once-task completed.
	CompleteRun(ctx Context, id string, lastResult string, nextRun *time.Time) error
	// FailRun increments retry_count and schedules the retry at nextRun;
	// when retry_count exceeds max_retries the task is paused.
	FailRun(ctx Context, id string, lastResult string, nextRun time.Time) error
	// UpdateStatus pauses, resumes, or soft-deletes a task.
	UpdateStatus(ctx Context, id string, status TaskStatus) error
	// Update patches prompt, schedule, and label fields.
	Update(ctx Context, t ScheduledTask) error
	// ResetRetries zeroes retry_count (used by run_task_now).
	ResetRetries(ctx Context, id string) error
}

// HeartbeatRepository manages heartbeat jobs and their run log.
type HeartbeatRepository interface {
	Add(ctx Context, j HeartbeatJob) (string, error)
	Get(ctx Context, id string) (HeartbeatJob, error)
	Update(ctx Context, j HeartbeatJob) error
	Remove(ctx Context, id string) error
	// ListByChat returns jobs owned by one chat, or all when chatJID is "".
	ListByChat(ctx Context, chatJID string) ([]HeartbeatJob, error)
	// ListDue returns active jobs whose cadence has elapsed, using
	// defaultInterval for jobs without their own interval.
	ListDue(ctx Context, now time.Time, defaultInterval time.Duration) ([]HeartbeatJob, error)
	// MarkRunning claims a job by stamping last_run and the running sentinel.
	MarkRunning(ctx Context, id string, now time.Time) error
	// FinishRun overwrites the sentinel with the outcome and appends a log row.
	FinishRun(ctx Context, id string, result string, run HeartbeatRun) error
	// RecoverInterrupted rewrites rows still holding the running sentinel.
	RecoverInterrupted(ctx Context) (int, error)
	// RecentRuns returns the newest log entries for a job.
	RecentRuns(ctx Context, jobID string, limit int) ([]HeartbeatRun, error)
}

// LedgerRepository persists usage rows and budget configuration.
type LedgerRepository interface {
	// AppendUsage records one usage row.
	AppendUsage(ctx Context, u UsageRow) error
	// SpendSince sums estimated cost for a group from a point in time.
	SpendSince(ctx Context, groupID string, since time.Time) (float64, error)
	// GetBudget returns the group's budget config or ErrNotFound.
	GetBudget(ctx Context, groupID string) (BudgetConfig, error)
	// SetBudget upserts the group's budget config.
	SetBudget(ctx Context, b BudgetConfig) error
}

// GroupRepository persists registered groups, sessions, and chat metadata.
type GroupRepository interface {
	ListGroups(ctx Context) ([]RegisteredGroup, error)
	RegisterGroup(ctx Context, g RegisteredGroup) error
	GetSession(ctx Context, folder string) (Session, error)
	SaveSession(ctx Context, s Session) error
	ClearSession(ctx Context, folder string) error
	UpsertChatMetadata(ctx Context, m ChatMetadata) error
}

// AgentInput is everything a container run needs.
type AgentInput struct {
	Prompt      string
	SessionID   string
	GroupFolder string
	ChatJID     string
	IsMain      bool
	Lane        Lane
	// IsScheduledTask suppresses conversational framing in the agent.
	IsScheduledTask bool
	// Secrets are passed to the container environment, never logged.
	Secrets map[string]string
}

// AgentOutput is one streamed result line from a container.
type AgentOutput struct {
	Status string `json:"status"`
	Result string `json:"result"`
	// NewSessionID rotates the group's resume token when non-empty.
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// RunResult summarizes a completed container run.
type RunResult struct {
	Status       string
	Error        string
	NewSessionID string
}

// RunHandle lets the queue observe and address an active container run.
type RunHandle struct {
	ContainerName string
	GroupFolder   string
}

// AgentRunner spawns a container agent and streams its output.
//
// registerHandle is invoked once the container is live so the queue can track
// and address the run; onOutput is invoked for each streamed result line with
// internal blocks already stripped.
type AgentRunner interface {
	Run(ctx Context, in AgentInput, registerHandle func(RunHandle), onOutput func(AgentOutput)) (RunResult, error)
}

// Oracle is the knowledge service consulted for search, memory, and context.
type Oracle interface {
	// Answer resolves a knowledge query; err signals fall-through to a
	// container tier.
	Answer(ctx Context, chatJID, query string) (string, error)
	// ContextBlock returns the compact context snippet injected into
	// container prompts, or "" when unavailable.
	ContextBlock(ctx Context, chatJID string) string
}
