package ipc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	t.Parallel()
	command := []byte(`{"type":"message","target_folder":"ops","text":"hi"}`)
	sealed, err := Seal(command, "s3cret")
	require.NoError(t, err)

	got, err := Open(sealed, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, command, got)
}

func TestOpen_WrongSecretRejected(t *testing.T) {
	t.Parallel()
	sealed, err := Seal([]byte(`{"type":"refresh_groups"}`), "right")
	require.NoError(t, err)
	_, err = Open(sealed, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad signature")
}

func TestOpen_TamperedPayloadRejected(t *testing.T) {
	t.Parallel()
	sealed, err := Seal([]byte(`{"type":"message","target_folder":"a","text":"x"}`), "k")
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(sealed, &env))
	env.Payload = env.Payload[:len(env.Payload)-4] + "AAA="
	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = Open(tampered, "k")
	require.Error(t, err)
}

func TestOpen_MalformedEnvelopeRejected(t *testing.T) {
	t.Parallel()
	_, err := Open([]byte("not json at all"), "k")
	require.Error(t, err)
}
