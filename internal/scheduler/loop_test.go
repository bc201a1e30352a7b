package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

func TestNextRun_Interval(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextRun(domain.ScheduledTask{
		ScheduleType:  domain.ScheduleInterval,
		ScheduleValue: "60000",
	}, now, time.UTC)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(time.Minute), *next)
}

func TestNextRun_IntervalDurationString(t *testing.T) {
	t.Parallel()
	now := time.Now()
	next, err := NextRun(domain.ScheduledTask{
		ScheduleType:  domain.ScheduleInterval,
		ScheduleValue: "90m",
	}, now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Minute), *next)
}

func TestNextRun_Cron(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	next, err := NextRun(domain.ScheduledTask{
		ScheduleType:  domain.ScheduleCron,
		ScheduleValue: "0 9 * * *",
	}, now, time.UTC)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), *next)
}

func TestNextRun_CronHonorsTimezone(t *testing.T) {
	t.Parallel()
	bangkok, err := time.LoadLocation("Asia/Bangkok")
	require.NoError(t, err)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) // 07:00 in Bangkok
	next, err := NextRun(domain.ScheduledTask{
		ScheduleType:  domain.ScheduleCron,
		ScheduleValue: "0 9 * * *",
	}, now, bangkok)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 9, 0, 0, 0, bangkok).Unix(), next.Unix())
}

func TestNextRun_OnceCompletes(t *testing.T) {
	t.Parallel()
	next, err := NextRun(domain.ScheduledTask{ScheduleType: domain.ScheduleOnce}, time.Now(), time.UTC)
	require.NoError(t, err)
	assert.Nil(t, next, "a once-task has no next fire after success")
}

func TestNextRun_BadCron(t *testing.T) {
	t.Parallel()
	_, err := NextRun(domain.ScheduledTask{
		ScheduleType:  domain.ScheduleCron,
		ScheduleValue: "not a cron",
	}, time.Now(), time.UTC)
	require.Error(t, err)
}

func TestInitialNextRun_Once(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	next, err := InitialNextRun(domain.ScheduledTask{
		ScheduleType:  domain.ScheduleOnce,
		ScheduleValue: at.Format(time.RFC3339),
	}, time.Now(), time.UTC)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, at.Unix(), next.Unix())
}

func TestParseInterval(t *testing.T) {
	t.Parallel()
	d, err := ParseInterval("1500")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = ParseInterval("2h")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, d)

	_, err = ParseInterval("-5")
	assert.Error(t, err)
	_, err = ParseInterval("soon")
	assert.Error(t, err)
}
