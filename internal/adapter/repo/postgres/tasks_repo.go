package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/b9b4ymiN/jellycore/internal/adapter/observability"
	"github.com/b9b4ymiN/jellycore/internal/domain"
)

// claimSentinel parks next_run far enough in the future that a claimed task
// can never look due. RecoverStaleClaims resets anything at or past it.
var claimSentinel = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// TaskRepo persists scheduled tasks. All task mutation flows through here.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskCols = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
	next_run, last_run, last_result, status, retry_count, max_retries, retry_delay_ms, task_timeout_ms, label, created_at`

// Create inserts a task. A duplicate of another active or paused task — same
// folder, same schedule_value, same first 200 chars of prompt — is rejected
// with ErrConflict.
func (r *TaskRepo) Create(ctx domain.Context, t domain.ScheduledTask) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "scheduled_tasks"))

	prefix := t.Prompt
	if len(prefix) > 200 {
		prefix = prefix[:200]
	}
	var dup int
	err := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM scheduled_tasks
		 WHERE group_folder=$1 AND schedule_value=$2 AND LEFT(prompt, 200)=$3 AND status IN ('active','paused')`,
		t.GroupFolder, t.ScheduleValue, prefix).Scan(&dup)
	if err != nil {
		return "", fmt.Errorf("op=task.create.dup_check: %w", err)
	}
	if dup > 0 {
		return "", fmt.Errorf("op=task.create: %w", domain.ErrConflict)
	}

	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = domain.TaskActive
	}
	if t.ContextMode == "" {
		t.ContextMode = domain.ContextGroup
	}
	q := `INSERT INTO scheduled_tasks
		(id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run,
		 status, max_retries, retry_delay_ms, task_timeout_ms, label, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err = r.Pool.Exec(ctx, q, id, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, t.NextRun, t.Status, t.MaxRetries, t.RetryDelay.Milliseconds(),
		t.TaskTimeout.Milliseconds(), t.Label, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	return id, nil
}

// Get retrieves a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.ScheduledTask, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+taskCols+` FROM scheduled_tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ScheduledTask{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.ScheduledTask{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// ListDue returns active tasks with next_run at or before now.
func (r *TaskRepo) ListDue(ctx domain.Context, now time.Time) ([]domain.ScheduledTask, error) {
	q := `SELECT ` + taskCols + ` FROM scheduled_tasks WHERE status='active' AND next_run IS NOT NULL AND next_run <= $1 ORDER BY next_run`
	rows, err := r.Pool.Query(ctx, q, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=task.list_due: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows, "op=task.list_due")
}

// ListByGroup returns tasks for one folder, or all when folder is "".
// Cancelled tasks are excluded; they are soft-deleted.
func (r *TaskRepo) ListByGroup(ctx domain.Context, folder string) ([]domain.ScheduledTask, error) {
	q := `SELECT ` + taskCols + ` FROM scheduled_tasks WHERE ($1 = '' OR group_folder = $1) AND status <> 'cancelled' ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, folder)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_by_group: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows, "op=task.list_by_group")
}

// Claim conditionally parks next_run at the sentinel iff the row is still
// active and due. The single conditional UPDATE is the claim: among N
// concurrent callers exactly one changes a row and observes true.
func (r *TaskRepo) Claim(ctx domain.Context, id string, now time.Time) (bool, error) {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE scheduled_tasks SET next_run=$3 WHERE id=$1 AND status='active' AND next_run IS NOT NULL AND next_run <= $2`,
		id, now.UTC(), claimSentinel)
	if err != nil {
		return false, fmt.Errorf("op=task.claim: %w", err)
	}
	won := tag.RowsAffected() == 1
	if won {
		observability.SchedulerClaimsTotal.WithLabelValues("won").Inc()
	} else {
		observability.SchedulerClaimsTotal.WithLabelValues("lost").Inc()
	}
	return won, nil
}

// RecoverStaleClaims resets sentinel rows so a claim that died with the
// process fires on the next tick.
func (r *TaskRepo) RecoverStaleClaims(ctx domain.Context) (int, error) {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE scheduled_tasks SET next_run=$1 WHERE status='active' AND next_run >= $2`,
		time.Now().UTC(), claimSentinel)
	if err != nil {
		return 0, fmt.Errorf("op=task.recover_stale_claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CompleteRun records a successful run. A nil nextRun completes a once-task;
// recurring tasks get retry_count reset.
func (r *TaskRepo) CompleteRun(ctx domain.Context, id string, lastResult string, nextRun *time.Time) error {
	now := time.Now().UTC()
	var q string
	if nextRun == nil {
		q = `UPDATE scheduled_tasks SET last_run=$2, last_result=$3, next_run=NULL, status='completed', retry_count=0 WHERE id=$1`
		if _, err := r.Pool.Exec(ctx, q, id, now, lastResult); err != nil {
			return fmt.Errorf("op=task.complete_run: %w", err)
		}
		return nil
	}
	q = `UPDATE scheduled_tasks SET last_run=$2, last_result=$3, next_run=$4, retry_count=0 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, now, lastResult, nextRun.UTC()); err != nil {
		return fmt.Errorf("op=task.complete_run: %w", err)
	}
	return nil
}

// FailRun increments retry_count and schedules the retry. When the retry
// budget is exhausted the task is paused instead of rescheduled.
func (r *TaskRepo) FailRun(ctx domain.Context, id string, lastResult string, nextRun time.Time) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE scheduled_tasks SET last_run=$2, last_result=$3, next_run=$4, retry_count=retry_count+1
		 WHERE id=$1 AND retry_count < max_retries`,
		id, time.Now().UTC(), lastResult, nextRun.UTC())
	if err != nil {
		return fmt.Errorf("op=task.fail_run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Pool.Exec(ctx,
			`UPDATE scheduled_tasks SET last_run=$2, last_result=$3, next_run=NULL, status='paused' WHERE id=$1`,
			id, time.Now().UTC(), lastResult); err != nil {
			return fmt.Errorf("op=task.fail_run.pause: %w", err)
		}
	}
	return nil
}

// UpdateStatus pauses, resumes, or soft-deletes a task.
func (r *TaskRepo) UpdateStatus(ctx domain.Context, id string, status domain.TaskStatus) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE scheduled_tasks SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("op=task.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.update_status: %w", domain.ErrNotFound)
	}
	return nil
}

// Update patches the mutable task fields.
func (r *TaskRepo) Update(ctx domain.Context, t domain.ScheduledTask) error {
	q := `UPDATE scheduled_tasks SET prompt=$2, schedule_type=$3, schedule_value=$4, context_mode=$5,
		next_run=$6, max_retries=$7, retry_delay_ms=$8, task_timeout_ms=$9, label=$10 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, t.ID, t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode,
		t.NextRun, t.MaxRetries, t.RetryDelay.Milliseconds(), t.TaskTimeout.Milliseconds(), t.Label)
	if err != nil {
		return fmt.Errorf("op=task.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.update: %w", domain.ErrNotFound)
	}
	return nil
}

// ResetRetries zeroes retry_count. Used by run_task_now: an operator
// explicitly re-arming a task expects a fresh retry budget.
func (r *TaskRepo) ResetRetries(ctx domain.Context, id string) error {
	if _, err := r.Pool.Exec(ctx, `UPDATE scheduled_tasks SET retry_count=0 WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=task.reset_retries: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row) (domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	var retryDelayMS, taskTimeoutMS int64
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&t.ContextMode, &t.NextRun, &t.LastRun, &t.LastResult, &t.Status, &t.RetryCount,
		&t.MaxRetries, &retryDelayMS, &taskTimeoutMS, &t.Label, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	t.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	t.TaskTimeout = time.Duration(taskTimeoutMS) * time.Millisecond
	return t, nil
}

func collectTasks(rows pgx.Rows, op string) ([]domain.ScheduledTask, error) {
	var out []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
