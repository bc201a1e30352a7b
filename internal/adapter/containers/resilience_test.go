package containers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

func newTestResilience(threshold int, window, cooldown time.Duration) *Resilience {
	return NewResilience(nil, ResilienceConfig{
		CircuitThreshold: threshold,
		CircuitWindow:    window,
		CircuitCooldown:  cooldown,
	}, func() []string { return nil })
}

func TestResilience_CircuitOpensAtThreshold(t *testing.T) {
	t.Parallel()
	r := newTestResilience(3, time.Minute, time.Minute)

	require.NoError(t, r.AllowSpawn())
	r.RecordSpawnFailure()
	r.RecordSpawnFailure()
	require.NoError(t, r.AllowSpawn(), "below threshold the circuit stays closed")

	r.RecordSpawnFailure()
	err := r.AllowSpawn()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestResilience_CooldownExpires(t *testing.T) {
	t.Parallel()
	r := newTestResilience(2, time.Minute, 30*time.Millisecond)
	r.RecordSpawnFailure()
	r.RecordSpawnFailure()
	require.ErrorIs(t, r.AllowSpawn(), domain.ErrCircuitOpen)

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, r.AllowSpawn(), "circuit closes after the cooldown")
}

func TestResilience_SuccessResetsWindow(t *testing.T) {
	t.Parallel()
	r := newTestResilience(3, time.Minute, time.Minute)
	r.RecordSpawnFailure()
	r.RecordSpawnFailure()
	r.RecordSpawnSuccess()
	r.RecordSpawnFailure()
	r.RecordSpawnFailure()
	assert.NoError(t, r.AllowSpawn(), "a single success clears the failure window")
}

func TestResilience_OldFailuresAgeOut(t *testing.T) {
	t.Parallel()
	r := newTestResilience(3, 40*time.Millisecond, time.Minute)
	r.RecordSpawnFailure()
	r.RecordSpawnFailure()
	time.Sleep(60 * time.Millisecond)
	// The first two are outside the window now; this one starts fresh.
	r.RecordSpawnFailure()
	assert.NoError(t, r.AllowSpawn())
}

func TestContainerNameFor_Sanitized(t *testing.T) {
	t.Parallel()
	name := ContainerNameFor("my group/ops!")
	assert.Regexp(t, `^nanoclaw-my-group-ops--\d+$`, name)
}
