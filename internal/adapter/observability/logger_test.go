package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b9b4ymiN/jellycore/internal/config"
	"github.com/b9b4ymiN/jellycore/internal/domain"
)

func TestSetupLogger_LevelsByEnv(t *testing.T) {
	t.Parallel()
	dev := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "jellycore", MainGroupFolder: "main"})
	assert.True(t, dev.Enabled(nil, slog.LevelDebug), "dev installs log debug")

	prod := SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "jellycore", MainGroupFolder: "main"})
	assert.False(t, prod.Enabled(nil, slog.LevelDebug))
	assert.True(t, prod.Enabled(nil, slog.LevelInfo))
}

func TestRunLogger_CorrelationFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	trace := domain.TraceID("g@g.us", "m1")
	lg := RunLogger(base, trace, "ops", domain.LaneScheduler)
	lg.Info("run started")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, trace, line["trace_id"])
	assert.Equal(t, "ops", line["group_folder"])
	assert.Equal(t, string(domain.LaneScheduler), line["lane"])
}

func TestRunLogger_NilBaseFallsBackToDefault(t *testing.T) {
	t.Parallel()
	lg := RunLogger(nil, "trace", "ops", domain.LaneUser)
	require.NotNil(t, lg)
}
