package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

func TestTraceID_StableAndWellFormed(t *testing.T) {
	t.Parallel()
	a := domain.TraceID("group@g.us", "MSG-1")
	b := domain.TraceID("group@g.us", "MSG-1")
	assert.Equal(t, a, b, "same inputs must map to the same trace")
	assert.Len(t, a, 40)

	c := domain.TraceID("group@g.us", "MSG-2")
	assert.NotEqual(t, a, c)

	// The separator keeps (jid, id) pairs unambiguous.
	d := domain.TraceID("group@g.usM", "SG-1")
	assert.NotEqual(t, a, d)
}

func TestShortTraceID(t *testing.T) {
	t.Parallel()
	full := domain.TraceID("tg:12345", "m1")
	require.Len(t, full, 40)
	assert.Equal(t, full[:10], domain.ShortTraceID(full))
	assert.Equal(t, "abc", domain.ShortTraceID("abc"))
}

func TestStableUserID(t *testing.T) {
	t.Parallel()
	id := domain.StableUserID("tg:12345")
	assert.Len(t, id, 2+16)
	assert.Equal(t, "u_", id[:2])
	assert.Equal(t, id, domain.StableUserID("tg:12345"))
	assert.NotEqual(t, id, domain.StableUserID("tg:54321"))
}
