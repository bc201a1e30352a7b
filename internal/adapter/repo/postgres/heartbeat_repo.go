package postgres

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

// HeartbeatRepo persists heartbeat jobs and their append-only run log.
type HeartbeatRepo struct{ Pool PgxPool }

// NewHeartbeatRepo constructs a HeartbeatRepo with the given pool.
func NewHeartbeatRepo(p PgxPool) *HeartbeatRepo { return &HeartbeatRepo{Pool: p} }

const hbCols = `id, chat_jid, label, prompt, category, status, interval_ms, last_run, last_result, created_at, created_by`

// Add inserts a heartbeat job and returns its id.
func (r *HeartbeatRepo) Add(ctx domain.Context, j domain.HeartbeatJob) (string, error) {
	id := j.ID
	if id == "" {
		id = ulid.MustNew(ulid.Timestamp(time.Now()), rand.New(rand.NewSource(time.Now().UnixNano()))).String()
	}
	if j.Status == "" {
		j.Status = domain.HeartbeatJobActive
	}
	if j.Category == "" {
		j.Category = domain.HeartbeatCustom
	}
	var interval *int64
	if j.Interval > 0 {
		ms := j.Interval.Milliseconds()
		interval = &ms
	}
	q := `INSERT INTO heartbeat_jobs (id, chat_jid, label, prompt, category, status, interval_ms, created_at, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, j.ChatJID, j.Label, j.Prompt, j.Category, j.Status, interval, time.Now().UTC(), j.CreatedBy)
	if err != nil {
		return "", fmt.Errorf("op=heartbeat.add: %w", err)
	}
	return id, nil
}

// Get retrieves a heartbeat job by id.
func (r *HeartbeatRepo) Get(ctx domain.Context, id string) (domain.HeartbeatJob, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+hbCols+` FROM heartbeat_jobs WHERE id=$1`, id)
	j, err := scanHeartbeatJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.HeartbeatJob{}, fmt.Errorf("op=heartbeat.get: %w", domain.ErrNotFound)
		}
		return domain.HeartbeatJob{}, fmt.Errorf("op=heartbeat.get: %w", err)
	}
	return j, nil
}

// Update patches label, prompt, category, status, and interval.
func (r *HeartbeatRepo) Update(ctx domain.Context, j domain.HeartbeatJob) error {
	var interval *int64
	if j.Interval > 0 {
		ms := j.Interval.Milliseconds()
		interval = &ms
	}
	q := `UPDATE heartbeat_jobs SET label=$2, prompt=$3, category=$4, status=$5, interval_ms=$6 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, j.ID, j.Label, j.Prompt, j.Category, j.Status, interval)
	if err != nil {
		return fmt.Errorf("op=heartbeat.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=heartbeat.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Remove deletes a heartbeat job and its log rows.
func (r *HeartbeatRepo) Remove(ctx domain.Context, id string) error {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM heartbeat_jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=heartbeat.remove: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=heartbeat.remove: %w", domain.ErrNotFound)
	}
	return nil
}

// ListByChat returns jobs owned by one chat, or all when chatJID is "".
func (r *HeartbeatRepo) ListByChat(ctx domain.Context, chatJID string) ([]domain.HeartbeatJob, error) {
	q := `SELECT ` + hbCols + ` FROM heartbeat_jobs WHERE ($1 = '' OR chat_jid = $1) ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, chatJID)
	if err != nil {
		return nil, fmt.Errorf("op=heartbeat.list_by_chat: %w", err)
	}
	defer rows.Close()
	var out []domain.HeartbeatJob
	for rows.Next() {
		j, err := scanHeartbeatJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=heartbeat.list_by_chat: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListDue returns active jobs whose cadence has elapsed. Jobs without an
// interval use defaultInterval; jobs that never ran are always due.
func (r *HeartbeatRepo) ListDue(ctx domain.Context, now time.Time, defaultInterval time.Duration) ([]domain.HeartbeatJob, error) {
	q := `SELECT ` + hbCols + ` FROM heartbeat_jobs
		WHERE status='active'
		  AND (last_run IS NULL
		       OR last_run <= $1 - (COALESCE(interval_ms, $2) * INTERVAL '1 millisecond'))
		ORDER BY last_run NULLS FIRST`
	rows, err := r.Pool.Query(ctx, q, now.UTC(), defaultInterval.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("op=heartbeat.list_due: %w", err)
	}
	defer rows.Close()
	var out []domain.HeartbeatJob
	for rows.Next() {
		j, err := scanHeartbeatJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=heartbeat.list_due: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkRunning claims a job by stamping last_run and the running sentinel.
func (r *HeartbeatRepo) MarkRunning(ctx domain.Context, id string, now time.Time) error {
	q := `UPDATE heartbeat_jobs SET last_run=$2, last_result=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, now.UTC(), domain.RunningSentinel); err != nil {
		return fmt.Errorf("op=heartbeat.mark_running: %w", err)
	}
	return nil
}

// FinishRun overwrites the sentinel with the outcome and appends a log row.
func (r *HeartbeatRepo) FinishRun(ctx domain.Context, id string, result string, run domain.HeartbeatRun) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=heartbeat.finish_run.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `UPDATE heartbeat_jobs SET last_result=$2 WHERE id=$1`, id, result); err != nil {
		return fmt.Errorf("op=heartbeat.finish_run: %w", err)
	}
	logID := run.ID
	if logID == "" {
		logID = ulid.MustNew(ulid.Timestamp(time.Now()), rand.New(rand.NewSource(time.Now().UnixNano()))).String()
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO heartbeat_job_log (id, job_id, run_at, status, result, duration_ms, error) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		logID, id, run.RunAt.UTC(), run.Status, run.Result, run.Duration.Milliseconds(), run.Error); err != nil {
		return fmt.Errorf("op=heartbeat.finish_run.log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=heartbeat.finish_run.commit: %w", err)
	}
	committed = true
	return nil
}

// RecoverInterrupted rewrites rows still holding the running sentinel after
// a process crash.
func (r *HeartbeatRepo) RecoverInterrupted(ctx domain.Context) (int, error) {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE heartbeat_jobs SET last_result=$1 WHERE last_result=$2`,
		domain.InterruptedResult, domain.RunningSentinel)
	if err != nil {
		return 0, fmt.Errorf("op=heartbeat.recover_interrupted: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecentRuns returns the newest log entries for a job.
func (r *HeartbeatRepo) RecentRuns(ctx domain.Context, jobID string, limit int) ([]domain.HeartbeatRun, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, job_id, run_at, status, result, duration_ms, error FROM heartbeat_job_log
		WHERE job_id=$1 ORDER BY run_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=heartbeat.recent_runs: %w", err)
	}
	defer rows.Close()
	var out []domain.HeartbeatRun
	for rows.Next() {
		var run domain.HeartbeatRun
		var durMS int64
		if err := rows.Scan(&run.ID, &run.JobID, &run.RunAt, &run.Status, &run.Result, &durMS, &run.Error); err != nil {
			return nil, fmt.Errorf("op=heartbeat.recent_runs: %w", err)
		}
		run.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanHeartbeatJob(row pgx.Row) (domain.HeartbeatJob, error) {
	var j domain.HeartbeatJob
	var interval *int64
	err := row.Scan(&j.ID, &j.ChatJID, &j.Label, &j.Prompt, &j.Category, &j.Status,
		&interval, &j.LastRun, &j.LastResult, &j.CreatedAt, &j.CreatedBy)
	if err != nil {
		return j, err
	}
	if interval != nil {
		j.Interval = time.Duration(*interval) * time.Millisecond
	}
	return j, nil
}
