package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b9b4ymiN/jellycore/internal/adapter/repo/postgres"
	"github.com/b9b4ymiN/jellycore/internal/domain"
)

func TestTaskRepo_Claim_ExactlyOneWinner(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewTaskRepo(m)
	ctx := context.Background()
	now := time.Now()

	// First claimant flips the row; the second sees zero rows changed.
	m.ExpectExec("UPDATE scheduled_tasks SET next_run").
		WithArgs("task-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	won, err := repo.Claim(ctx, "task-1", now)
	require.NoError(t, err)
	assert.True(t, won)

	m.ExpectExec("UPDATE scheduled_tasks SET next_run").
		WithArgs("task-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	won, err = repo.Claim(ctx, "task-1", now)
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, m.ExpectationsWereMet())
}

func TestTaskRepo_RecoverStaleClaims(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewTaskRepo(m)

	m.ExpectExec("UPDATE scheduled_tasks SET next_run").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	n, err := repo.RecoverStaleClaims(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestTaskRepo_Create_DuplicateGuard(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewTaskRepo(m)

	m.ExpectQuery("SELECT COUNT").
		WithArgs("ops", "60000", "same prompt").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	_, err = repo.Create(context.Background(), domain.ScheduledTask{
		GroupFolder:   "ops",
		ChatJID:       "ops@g.us",
		Prompt:        "same prompt",
		ScheduleType:  domain.ScheduleInterval,
		ScheduleValue: "60000",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestTaskRepo_Create_Inserts(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewTaskRepo(m)

	m.ExpectQuery("SELECT COUNT").
		WithArgs("ops", "60000", "do the thing").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	m.ExpectExec("INSERT INTO scheduled_tasks").
		WithArgs(pgxmock.AnyArg(), "ops", "ops@g.us", "do the thing", domain.ScheduleInterval, "60000",
			domain.ContextGroup, pgxmock.AnyArg(), domain.TaskActive, 0, int64(0), int64(0), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := repo.Create(context.Background(), domain.ScheduledTask{
		GroupFolder:   "ops",
		ChatJID:       "ops@g.us",
		Prompt:        "do the thing",
		ScheduleType:  domain.ScheduleInterval,
		ScheduleValue: "60000",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestTaskRepo_CompleteRun_OnceFinishes(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewTaskRepo(m)

	m.ExpectExec("UPDATE scheduled_tasks SET last_run").
		WithArgs("task-1", pgxmock.AnyArg(), "done").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.CompleteRun(context.Background(), "task-1", "done", nil))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestTaskRepo_FailRun_PausesAfterBudget(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewTaskRepo(m)

	// retry_count already at max: the conditional update misses, the task
	// is paused instead.
	m.ExpectExec("UPDATE scheduled_tasks SET last_run").
		WithArgs("task-1", pgxmock.AnyArg(), "Error: boom", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	m.ExpectExec("UPDATE scheduled_tasks SET last_run").
		WithArgs("task-1", pgxmock.AnyArg(), "Error: boom").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.FailRun(context.Background(), "task-1", "Error: boom", time.Now()))
	require.NoError(t, m.ExpectationsWereMet())
}
