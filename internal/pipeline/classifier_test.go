package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

func TestClassify_Table(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		text   string
		tier   domain.Tier
		model  string
		reason string
	}{
		{"thai greeting", "สวัสดี", domain.TierInline, "haiku", "greeting"},
		{"english greeting", "hello there, quick question", domain.TierInline, "haiku", "greeting"},
		{"thanks", "thanks a lot!", domain.TierInline, "haiku", "thanks"},
		{"ack whole string", "ok", domain.TierInline, "haiku", "ack"},
		{"ack trailing punctuation", "got it!", domain.TierInline, "haiku", "ack"},
		{"admin command", "/help", domain.TierInline, "haiku", "admin-cmd"},
		{"knowledge", "search for the meeting notes from last week", domain.TierOracle, "haiku", "knowledge"},
		{"code fence", "why does this fail?\n```go\nfmt.Println(x)\n```", domain.TierContainerFull, "sonnet", "code"},
		{"code keyword", "write a func that reverses a slice", domain.TierContainerFull, "sonnet", "code"},
		{"analysis", "analyze our retention numbers", domain.TierContainerFull, "sonnet", "analysis"},
		{"general", "what should we cook tonight", domain.TierContainerLight, "haiku", "general"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := Classify(tc.text)
			assert.Equal(t, tc.tier, d.Tier)
			assert.Equal(t, tc.model, d.Model)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestClassify_LengthBoundary(t *testing.T) {
	t.Parallel()
	// 501 chars, no code markers, no patterns: full tier on length alone.
	long := strings.Repeat("a", 501)
	assert.Equal(t, domain.TierContainerFull, Classify(long).Tier)

	// Exactly 500 stays light.
	edge := strings.Repeat("a", 500)
	d := Classify(edge)
	assert.Equal(t, domain.TierContainerLight, d.Tier)
	assert.Equal(t, "general", d.Reason)
}

func TestClassify_StartAnchorsAndAckSuffix(t *testing.T) {
	t.Parallel()
	// Greeting mid-string is not a greeting.
	assert.Equal(t, domain.TierContainerLight, Classify("I wanted to say hello to the team").Tier)
	// Ack followed by more text is not an ack.
	assert.Equal(t, domain.TierContainerLight, Classify("ok so next we should plan the trip").Tier)
}

func TestClassify_Deterministic(t *testing.T) {
	t.Parallel()
	for i := 0; i < 5; i++ {
		assert.Equal(t, Classify("write a func please"), Classify("write a func please"))
	}
}
