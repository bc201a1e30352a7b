package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/b9b4ymiN/jellycore/internal/adapter/observability"
	"github.com/b9b4ymiN/jellycore/internal/domain"
)

// ReceiptRepo persists message receipts, attempts, and dead letters.
type ReceiptRepo struct{ Pool PgxPool }

// NewReceiptRepo constructs a ReceiptRepo with the given pool.
func NewReceiptRepo(p PgxPool) *ReceiptRepo { return &ReceiptRepo{Pool: p} }

const receiptCols = `trace_id, chat_jid, external_message_id, lane, status, attempt_count,
	error_code, error_detail, received_at, queued_at, started_at, replied_at, timeout_at, dead_lettered_at`

// Upsert creates the receipt for a message or returns the existing row.
// The conflict path keeps the original row so a redelivered message never
// resets lifecycle state.
func (r *ReceiptRepo) Upsert(ctx domain.Context, rec domain.Receipt) (domain.Receipt, error) {
	tracer := otel.Tracer("repo.receipts")
	ctx, span := tracer.Start(ctx, "receipts.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "receipts"),
	)

	if rec.TraceID == "" {
		rec.TraceID = domain.TraceID(rec.ChatJID, rec.ExternalMessageID)
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = domain.ReceiptReceived
	}
	q := `INSERT INTO receipts (trace_id, chat_jid, external_message_id, lane, status, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (trace_id) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, rec.TraceID, rec.ChatJID, rec.ExternalMessageID, rec.Lane, rec.Status, rec.ReceivedAt); err != nil {
		return domain.Receipt{}, fmt.Errorf("op=receipt.upsert: %w", err)
	}
	return r.Get(ctx, rec.TraceID)
}

// Get retrieves a receipt by trace id.
func (r *ReceiptRepo) Get(ctx domain.Context, traceID string) (domain.Receipt, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+receiptCols+` FROM receipts WHERE trace_id=$1`, traceID)
	rec, err := scanReceipt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Receipt{}, fmt.Errorf("op=receipt.get: %w", domain.ErrNotFound)
		}
		return domain.Receipt{}, fmt.Errorf("op=receipt.get: %w", err)
	}
	return rec, nil
}

// Transition moves a receipt to status, stamping the timestamp that belongs
// to the target state. Entering RUNNING increments attempt_count; entering
// REPLIED clears error_code and error_detail.
func (r *ReceiptRepo) Transition(ctx domain.Context, traceID string, status domain.ReceiptStatus, errCode, errDetail string) error {
	tracer := otel.Tracer("repo.receipts")
	ctx, span := tracer.Start(ctx, "receipts.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", "receipts"),
		attribute.String("receipt.status", string(status)),
	)

	now := time.Now().UTC()
	var q string
	args := []any{traceID}
	switch status {
	case domain.ReceiptQueued:
		q = `UPDATE receipts SET status='QUEUED', queued_at=$2 WHERE trace_id=$1`
		args = append(args, now)
	case domain.ReceiptRunning:
		q = `UPDATE receipts SET status='RUNNING', started_at=$2, attempt_count=attempt_count+1 WHERE trace_id=$1`
		args = append(args, now)
	case domain.ReceiptReplied:
		q = `UPDATE receipts SET status='REPLIED', replied_at=$2, error_code='', error_detail='' WHERE trace_id=$1`
		args = append(args, now)
	case domain.ReceiptRetrying:
		q = `UPDATE receipts SET status='RETRYING', error_code=$2, error_detail=$3 WHERE trace_id=$1`
		args = append(args, errCode, errDetail)
	case domain.ReceiptFailed:
		q = `UPDATE receipts SET status='FAILED', error_code=$2, error_detail=$3 WHERE trace_id=$1`
		args = append(args, errCode, errDetail)
	case domain.ReceiptDeadLettered:
		q = `UPDATE receipts SET status='DEAD_LETTERED', dead_lettered_at=$2 WHERE trace_id=$1`
		args = append(args, now)
	default:
		return fmt.Errorf("op=receipt.transition: %w: status %q", domain.ErrInvalidArgument, status)
	}

	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=receipt.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=receipt.transition: %w", domain.ErrNotFound)
	}
	observability.ReceiptTransitionsTotal.WithLabelValues(string(status)).Inc()
	return nil
}

// ListInFlight returns receipts left in RECEIVED, QUEUED, or RUNNING.
func (r *ReceiptRepo) ListInFlight(ctx domain.Context) ([]domain.Receipt, error) {
	q := `SELECT ` + receiptCols + ` FROM receipts WHERE status IN ('RECEIVED','QUEUED','RUNNING') ORDER BY received_at`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=receipt.list_in_flight: %w", err)
	}
	defer rows.Close()
	var out []domain.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("op=receipt.list_in_flight: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendAttempt records one container run under a receipt.
func (r *ReceiptRepo) AppendAttempt(ctx domain.Context, a domain.Attempt) error {
	q := `INSERT INTO attempts (trace_id, attempt_no, container_name, run_started_at) VALUES ($1,$2,$3,$4)`
	if _, err := r.Pool.Exec(ctx, q, a.TraceID, a.AttemptNo, a.ContainerName, a.RunStartedAt); err != nil {
		return fmt.Errorf("op=receipt.append_attempt: %w", err)
	}
	return nil
}

// FinishAttempt closes an attempt with its exit metadata.
func (r *ReceiptRepo) FinishAttempt(ctx domain.Context, traceID string, attemptNo int, exitCode *int, timeoutHit bool) error {
	q := `UPDATE attempts SET run_ended_at=$3, exit_code=$4, timeout_hit=$5 WHERE trace_id=$1 AND attempt_no=$2`
	if _, err := r.Pool.Exec(ctx, q, traceID, attemptNo, time.Now().UTC(), exitCode, timeoutHit); err != nil {
		return fmt.Errorf("op=receipt.finish_attempt: %w", err)
	}
	return nil
}

// CreateDeadLetter parks a trace; at most one row per trace.
func (r *ReceiptRepo) CreateDeadLetter(ctx domain.Context, d domain.DeadLetter) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = domain.DeadLetterOpen
	}
	q := `INSERT INTO dead_letters (trace_id, chat_jid, external_message_id, reason, final_error, retryable, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (trace_id) DO UPDATE SET reason=EXCLUDED.reason, final_error=EXCLUDED.final_error, status=EXCLUDED.status`
	if _, err := r.Pool.Exec(ctx, q, d.TraceID, d.ChatJID, d.ExternalMessageID, d.Reason, d.FinalError, d.Retryable, d.Status, d.CreatedAt); err != nil {
		return fmt.Errorf("op=receipt.create_dead_letter: %w", err)
	}
	observability.DeadLettersTotal.WithLabelValues(d.Reason).Inc()
	return nil
}

const deadLetterCols = `trace_id, chat_jid, external_message_id, reason, final_error, retryable, status, created_at, retried_at, retried_by`

// GetDeadLetter retrieves a dead letter by trace id.
func (r *ReceiptRepo) GetDeadLetter(ctx domain.Context, traceID string) (domain.DeadLetter, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+deadLetterCols+` FROM dead_letters WHERE trace_id=$1`, traceID)
	d, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeadLetter{}, fmt.Errorf("op=receipt.get_dead_letter: %w", domain.ErrNotFound)
		}
		return domain.DeadLetter{}, fmt.Errorf("op=receipt.get_dead_letter: %w", err)
	}
	return d, nil
}

// ListDeadLetters returns dead letters filtered by status ("" = all).
func (r *ReceiptRepo) ListDeadLetters(ctx domain.Context, status domain.DeadLetterStatus, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + deadLetterCols + ` FROM dead_letters WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("op=receipt.list_dead_letters: %w", err)
	}
	defer rows.Close()
	var out []domain.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("op=receipt.list_dead_letters: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TakeDeadLetterForRetry atomically flips an open dead letter to retrying and
// its receipt to RETRYING. The conditional update on status='open' is the
// take-if-still-open guard: a concurrent retry of the same trace loses with
// ErrConflict instead of double-enqueueing.
func (r *ReceiptRepo) TakeDeadLetterForRetry(ctx domain.Context, traceID, retriedBy string) error {
	tracer := otel.Tracer("repo.receipts")
	ctx, span := tracer.Start(ctx, "receipts.TakeDeadLetterForRetry")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=receipt.take_dead_letter.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx,
		`UPDATE dead_letters SET status='retrying', retried_at=$2, retried_by=$3 WHERE trace_id=$1 AND status='open'`,
		traceID, time.Now().UTC(), retriedBy)
	if err != nil {
		return fmt.Errorf("op=receipt.take_dead_letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=receipt.take_dead_letter: %w", domain.ErrConflict)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE receipts SET status='RETRYING' WHERE trace_id=$1`, traceID); err != nil {
		return fmt.Errorf("op=receipt.take_dead_letter.receipt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=receipt.take_dead_letter.commit: %w", err)
	}
	committed = true
	return nil
}

// ReopenDeadLetter returns a retrying dead letter to open with a reason.
func (r *ReceiptRepo) ReopenDeadLetter(ctx domain.Context, traceID, reason string) error {
	q := `UPDATE dead_letters SET status='open', reason=$2 WHERE trace_id=$1`
	if _, err := r.Pool.Exec(ctx, q, traceID, reason); err != nil {
		return fmt.Errorf("op=receipt.reopen_dead_letter: %w", err)
	}
	return nil
}

// ResolveDeadLetter closes a dead letter.
func (r *ReceiptRepo) ResolveDeadLetter(ctx domain.Context, traceID string) error {
	q := `UPDATE dead_letters SET status='resolved' WHERE trace_id=$1`
	if _, err := r.Pool.Exec(ctx, q, traceID); err != nil {
		return fmt.Errorf("op=receipt.resolve_dead_letter: %w", err)
	}
	return nil
}

func scanReceipt(row pgx.Row) (domain.Receipt, error) {
	var rec domain.Receipt
	err := row.Scan(&rec.TraceID, &rec.ChatJID, &rec.ExternalMessageID, &rec.Lane, &rec.Status,
		&rec.AttemptCount, &rec.ErrorCode, &rec.ErrorDetail, &rec.ReceivedAt,
		&rec.QueuedAt, &rec.StartedAt, &rec.RepliedAt, &rec.TimeoutAt, &rec.DeadLetterAt)
	return rec, err
}

func scanDeadLetter(row pgx.Row) (domain.DeadLetter, error) {
	var d domain.DeadLetter
	err := row.Scan(&d.TraceID, &d.ChatJID, &d.ExternalMessageID, &d.Reason, &d.FinalError,
		&d.Retryable, &d.Status, &d.CreatedAt, &d.RetriedAt, &d.RetriedBy)
	return d, err
}
