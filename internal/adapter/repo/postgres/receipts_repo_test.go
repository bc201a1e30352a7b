package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b9b4ymiN/jellycore/internal/adapter/repo/postgres"
	"github.com/b9b4ymiN/jellycore/internal/domain"
)

func TestReceiptRepo_Transition_Running(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewReceiptRepo(m)

	// RUNNING stamps started_at and bumps attempt_count in one statement.
	m.ExpectExec(`UPDATE receipts SET status='RUNNING', started_at=\$2, attempt_count=attempt_count\+1`).
		WithArgs("trace-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.Transition(context.Background(), "trace-1", domain.ReceiptRunning, "", ""))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestReceiptRepo_Transition_RepliedClearsErrors(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewReceiptRepo(m)

	m.ExpectExec(`UPDATE receipts SET status='REPLIED', replied_at=\$2, error_code='', error_detail=''`).
		WithArgs("trace-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.Transition(context.Background(), "trace-1", domain.ReceiptReplied, "", ""))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestReceiptRepo_Transition_RetryingCarriesError(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewReceiptRepo(m)

	m.ExpectExec(`UPDATE receipts SET status='RETRYING', error_code=\$2, error_detail=\$3`).
		WithArgs("trace-1", domain.CodeAgentError, "container exited with status 1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.Transition(context.Background(), "trace-1", domain.ReceiptRetrying,
		domain.CodeAgentError, "container exited with status 1"))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestReceiptRepo_Transition_UnknownReceipt(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewReceiptRepo(m)

	m.ExpectExec(`UPDATE receipts SET status='QUEUED'`).
		WithArgs("missing", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err = repo.Transition(context.Background(), "missing", domain.ReceiptQueued, "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestReceiptRepo_TakeDeadLetterForRetry_Atomic(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewReceiptRepo(m)

	m.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	m.ExpectExec(`UPDATE dead_letters SET status='retrying'`).
		WithArgs("trace-1", pgxmock.AnyArg(), "ops").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectExec(`UPDATE receipts SET status='RETRYING'`).
		WithArgs("trace-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectCommit()

	require.NoError(t, repo.TakeDeadLetterForRetry(context.Background(), "trace-1", "ops"))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestReceiptRepo_TakeDeadLetterForRetry_ConflictWhenNotOpen(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewReceiptRepo(m)

	m.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	m.ExpectExec(`UPDATE dead_letters SET status='retrying'`).
		WithArgs("trace-1", pgxmock.AnyArg(), "ops").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	m.ExpectRollback()

	err = repo.TakeDeadLetterForRetry(context.Background(), "trace-1", "ops")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestHeartbeatRepo_RecoverInterrupted(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewHeartbeatRepo(m)

	m.ExpectExec("UPDATE heartbeat_jobs SET last_result").
		WithArgs(domain.InterruptedResult, domain.RunningSentinel).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	n, err := repo.RecoverInterrupted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestHeartbeatRepo_MarkRunningClaims(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewHeartbeatRepo(m)

	m.ExpectExec("UPDATE heartbeat_jobs SET last_run").
		WithArgs("job-1", pgxmock.AnyArg(), domain.RunningSentinel).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.MarkRunning(context.Background(), "job-1", time.Now()))
	require.NoError(t, m.ExpectationsWereMet())
}
