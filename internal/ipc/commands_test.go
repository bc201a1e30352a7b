package ipc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

func TestParse_Variants(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"message", `{"type":"message","target_folder":"ops","text":"hello"}`, "message"},
		{"schedule_task", `{"type":"schedule_task","target_folder":"ops","prompt":"do it","schedule_type":"interval","schedule_value":"60000"}`, "schedule_task"},
		{"pause_task", `{"type":"pause_task","task_id":"t-1"}`, "pause_task"},
		{"resume_task", `{"type":"resume_task","task_id":"t-1"}`, "resume_task"},
		{"cancel_task", `{"type":"cancel_task","task_id":"t-1"}`, "cancel_task"},
		{"run_task_now", `{"type":"run_task_now","task_id":"t-1"}`, "run_task_now"},
		{"update_task", `{"type":"update_task","task_id":"t-1","label":"new"}`, "update_task"},
		{"heartbeat_add_job", `{"type":"heartbeat_add_job","prompt":"check backups","category":"monitor"}`, "heartbeat_add_job"},
		{"heartbeat_update_job", `{"type":"heartbeat_update_job","job_id":"j-1","status":"paused"}`, "heartbeat_update_job"},
		{"heartbeat_remove_job", `{"type":"heartbeat_remove_job","job_id":"j-1"}`, "heartbeat_remove_job"},
		{"heartbeat_config", `{"type":"heartbeat_config","status":"paused"}`, "heartbeat_config"},
		{"refresh_groups", `{"type":"refresh_groups"}`, "refresh_groups"},
		{"register_group", `{"type":"register_group","jid":"g@g.us","name":"Ops","folder":"ops"}`, "register_group"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cmd, err := Parse([]byte(tc.doc))
			require.NoError(t, err)
			assert.Equal(t, tc.want, cmd.CommandType())
		})
	}
}

func TestParse_UnknownTypeDropped(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte(`{"type":"launch_missiles"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestParse_ValidationFailures(t *testing.T) {
	t.Parallel()
	cases := []string{
		`{"type":"message","text":"missing target"}`,
		`{"type":"schedule_task","target_folder":"ops","prompt":"p","schedule_type":"hourly","schedule_value":"x"}`,
		`{"type":"pause_task"}`,
		`{"type":"heartbeat_config","status":"sometimes"}`,
		`{"type":"register_group","jid":"g@g.us","name":"Ops"}`,
	}
	for _, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, "doc %s must fail validation", doc)
	}
}

func TestParse_FieldsSurvive(t *testing.T) {
	t.Parallel()
	cmd, err := Parse([]byte(`{"type":"schedule_task","target_folder":"ops","prompt":"nightly report","schedule_type":"cron","schedule_value":"0 9 * * *","context_mode":"isolated","max_retries":4,"label":"report"}`))
	require.NoError(t, err)
	st, ok := cmd.(ScheduleTaskCommand)
	require.True(t, ok)
	assert.Equal(t, "ops", st.TargetFolder)
	assert.Equal(t, "cron", st.ScheduleType)
	assert.Equal(t, "0 9 * * *", st.ScheduleValue)
	assert.Equal(t, "isolated", st.ContextMode)
	assert.Equal(t, 4, st.MaxRetries)
}
