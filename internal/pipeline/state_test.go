package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

func msg(id, jid string, ts time.Time) domain.Message {
	return domain.Message{ID: id, ChatJID: jid, Content: "m-" + id, Timestamp: ts}
}

func TestState_WindowOrdering(t *testing.T) {
	t.Parallel()
	s := NewState()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	// Out-of-order arrival, equal-timestamp tie broken by id.
	s.Observe(msg("b", "g", base.Add(2*time.Second)))
	s.Observe(msg("a", "g", base.Add(time.Second)))
	s.Observe(msg("c", "g", base.Add(2*time.Second)))

	w := s.Window("g")
	ids := []string{w[0].ID, w[1].ID, w[2].ID}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestState_CursorAdvancePrunes(t *testing.T) {
	t.Parallel()
	s := NewState()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	s.Observe(msg("a", "g", base.Add(time.Second)))
	s.Observe(msg("b", "g", base.Add(2*time.Second)))

	s.AdvanceCursor("g", base.Add(time.Second))
	w := s.Window("g")
	assert.Len(t, w, 1)
	assert.Equal(t, "b", w[0].ID)
}

func TestState_CursorNeverMovesBackwardOnAdvance(t *testing.T) {
	t.Parallel()
	s := NewState()
	base := time.Now()
	s.AdvanceCursor("g", base.Add(time.Minute))
	s.AdvanceCursor("g", base)
	assert.Equal(t, base.Add(time.Minute), s.Cursor("g"))
}

func TestState_RollbackReexposesWindow(t *testing.T) {
	t.Parallel()
	s := NewState()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	s.Observe(msg("a", "g", base.Add(time.Second)))

	prev := s.Cursor("g")
	s.AdvanceCursor("g", base.Add(time.Second))
	// The committed run failed with no output: roll back. The buffer still
	// holds the message because only AdvanceCursor past it prunes.
	s.RollbackCursor("g", prev)
	w := s.Window("g")
	assert.Len(t, w, 1, "rolled-back window must be reprocessable")
}

func TestState_LastTimestampMonotone(t *testing.T) {
	t.Parallel()
	s := NewState()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	s.Observe(msg("a", "g1", base.Add(time.Hour)))
	s.Observe(msg("b", "g2", base))
	assert.Equal(t, base.Add(time.Hour), s.LastTimestamp())
}

func TestState_GroupsSnapshot(t *testing.T) {
	t.Parallel()
	s := NewState()
	s.SetGroups([]domain.RegisteredGroup{
		{JID: "a@g.us", Folder: "alpha"},
		{JID: "b@g.us", Folder: "beta"},
	})
	g, ok := s.GroupByJID("a@g.us")
	assert.True(t, ok)
	assert.Equal(t, "alpha", g.Folder)
	g, ok = s.GroupByFolder("beta")
	assert.True(t, ok)
	assert.Equal(t, "b@g.us", g.JID)
	assert.Len(t, s.Groups(), 2)

	// A replacement snapshot drops stale entries.
	s.SetGroups([]domain.RegisteredGroup{{JID: "c@g.us", Folder: "gamma"}})
	_, ok = s.GroupByJID("a@g.us")
	assert.False(t, ok)
}

func TestState_Sessions(t *testing.T) {
	t.Parallel()
	s := NewState()
	s.SetSession(domain.Session{GroupFolder: "f", Token: "tok"})
	sess, ok := s.Session("f")
	assert.True(t, ok)
	assert.Equal(t, "tok", sess.Token)
	s.DropSession("f")
	_, ok = s.Session("f")
	assert.False(t, ok)
}
