package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInline_DeterministicPerTrace(t *testing.T) {
	t.Parallel()
	a := RunInline("greeting", "สวัสดี", "trace-1", "Jelly")
	b := RunInline("greeting", "สวัสดี", "trace-1", "Jelly")
	assert.Equal(t, a.Text, b.Text, "retries must repeat the same template")
	assert.NotEmpty(t, a.Text)
}

func TestRunInline_ClearSessionAction(t *testing.T) {
	t.Parallel()
	r := RunInline("admin-cmd", "/clear", "t", "Jelly")
	require.NotNil(t, r.Action)
	assert.Equal(t, ActionClearSession, r.Action.Kind)
}

func TestRunInline_HelpMentionsAssistant(t *testing.T) {
	t.Parallel()
	r := RunInline("admin-cmd", "/help", "t", "Jelly")
	assert.Contains(t, r.Text, "Jelly")
	assert.Nil(t, r.Action)
}

func TestRunInline_UnknownCommand(t *testing.T) {
	t.Parallel()
	r := RunInline("admin-cmd", "/frobnicate", "t", "Jelly")
	assert.Contains(t, r.Text, "/help")
}

func TestMediaDirective_Extraction(t *testing.T) {
	t.Parallel()
	clean, payloads := mediaDirective(`Here you go <media>{"kind":"image","path":"/tmp/a.png"}</media> enjoy`)
	assert.Equal(t, "Here you go  enjoy", clean)
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `{"kind":"image","path":"/tmp/a.png"}`, payloads[0])
}

func TestMediaDirective_Multiple(t *testing.T) {
	t.Parallel()
	clean, payloads := mediaDirective(`<media>{"kind":"image","path":"a"}</media><media>{"kind":"audio","path":"b"}</media>done`)
	assert.Equal(t, "done", clean)
	assert.Len(t, payloads, 2)
}

func TestMediaDirective_NoDirective(t *testing.T) {
	t.Parallel()
	clean, payloads := mediaDirective("plain text")
	assert.Equal(t, "plain text", clean)
	assert.Empty(t, payloads)
}
