package heartbeat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type sentMsg struct {
	jid  string
	text string
}

func newTestReporter(lastActivity time.Time, fails []string) (*Reporter, *[]sentMsg) {
	var sent []sentMsg
	r := NewReporter(ReporterConfig{
		CheckInterval: time.Minute,
		ReportEvery:   24 * time.Hour,
		SilenceAfter:  time.Hour,
	},
		func() string { return "main@g.us" },
		func() time.Time { return lastActivity },
		func() []string { out := fails; fails = nil; return out },
		func(jid, text string) { sent = append(sent, sentMsg{jid, text}) },
	)
	return r, &sent
}

func TestReporter_EscalatedOnRepeatedFailures(t *testing.T) {
	t.Parallel()
	r, sent := newTestReporter(time.Now(), []string{"❌ a", "❌ b", "❌ c"})
	r.check()
	assert.Len(t, *sent, 1)
	assert.Contains(t, (*sent)[0].text, "Escalated")
	assert.Contains(t, (*sent)[0].text, "❌ a")
}

func TestReporter_SilenceSignal(t *testing.T) {
	t.Parallel()
	r, sent := newTestReporter(time.Now().Add(-2*time.Hour), nil)
	r.check()
	assert.Len(t, *sent, 1)
	assert.True(t, strings.Contains((*sent)[0].text, "quiet"))

	// A second check inside the silence window stays quiet itself.
	r.check()
	assert.Len(t, *sent, 1)
}

func TestReporter_QuietWhenHealthy(t *testing.T) {
	t.Parallel()
	r, sent := newTestReporter(time.Now(), nil)
	r.check()
	assert.Empty(t, *sent)
}

func TestReporter_NoMainGroupNoSignals(t *testing.T) {
	t.Parallel()
	var sent []sentMsg
	r := NewReporter(ReporterConfig{},
		func() string { return "" },
		func() time.Time { return time.Now().Add(-100 * time.Hour) },
		func() []string { return []string{"❌ x", "❌ y", "❌ z"} },
		func(jid, text string) { sent = append(sent, sentMsg{jid, text}) },
	)
	r.check()
	assert.Empty(t, sent)
}
