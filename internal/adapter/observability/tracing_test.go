package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b9b4ymiN/jellycore/internal/config"
)

func TestSetupTracing_DisabledWithoutEndpoint(t *testing.T) {
	t.Parallel()
	shutdown, err := SetupTracing(config.Config{})
	require.NoError(t, err)
	assert.Nil(t, shutdown)
}

func TestSampleRatio(t *testing.T) {
	t.Parallel()
	// Explicit ratio wins regardless of env.
	assert.Equal(t, 0.25, sampleRatio(config.Config{AppEnv: "prod", TraceSampleRatio: 0.25}))
	// Out-of-range overrides fall back to the env default.
	assert.Equal(t, 0.1, sampleRatio(config.Config{AppEnv: "prod", TraceSampleRatio: 2}))
	assert.Equal(t, 1.0, sampleRatio(config.Config{AppEnv: "dev"}))
	assert.Equal(t, 0.1, sampleRatio(config.Config{AppEnv: "prod"}))
}
