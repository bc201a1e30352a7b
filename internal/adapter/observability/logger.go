package observability

import (
	"log/slog"
	"os"

	"github.com/b9b4ymiN/jellycore/internal/config"
	"github.com/b9b4ymiN/jellycore/internal/domain"
)

// SetupLogger builds the root logger. Dev installs get a human-readable
// text handler at debug level; everything else logs JSON for ingestion.
// Every line carries the service identity and the install's main group so
// multi-install aggregation can tell orchestrators apart.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var h slog.Handler
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
		slog.String("main_group", cfg.MainGroupFolder),
	)
}

// RunLogger derives the logger for one container run, stamping the
// correlation fields every run-scoped line needs: the receipt trace, the
// group folder, and the work item's lane. The trace is logged in full; the
// 10-char slice users see in failure notices is a prefix of it, so grepping
// a user-reported ref finds these lines.
func RunLogger(base *slog.Logger, traceID, folder string, lane domain.Lane) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("trace_id", traceID),
		slog.String("group_folder", folder),
		slog.String("lane", string(lane)),
	)
}
