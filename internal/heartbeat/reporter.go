package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// escalateThreshold is how many recent job failures upgrade a report to the
// escalated signal.
const escalateThreshold = 3

// ReporterConfig shapes the health reporting cadence.
type ReporterConfig struct {
	// CheckInterval is how often signals are evaluated.
	CheckInterval time.Duration
	// ReportEvery is the cadence of the regular scheduled signal.
	ReportEvery time.Duration
	// SilenceAfter triggers the silence signal when no inbound activity has
	// been seen for this long.
	SilenceAfter time.Duration
}

// Reporter emits scheduled, silence, and escalated health signals to the
// main group.
type Reporter struct {
	cfg ReporterConfig
	// mainJID resolves the main group's chat; empty disables reporting.
	mainJID func() string
	// lastActivity is the pipeline's global inbound high-water mark.
	lastActivity func() time.Time
	// failures drains the job runner's recent-failure ring.
	failures func() []string
	send     func(chatJID, text string)

	lastReport  time.Time
	lastSilence time.Time
}

// NewReporter wires the health reporter.
func NewReporter(cfg ReporterConfig, mainJID func() string, lastActivity func() time.Time, failures func() []string, send func(chatJID, text string)) *Reporter {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = 24 * time.Hour
	}
	if cfg.SilenceAfter <= 0 {
		cfg.SilenceAfter = 6 * time.Hour
	}
	return &Reporter{cfg: cfg, mainJID: mainJID, lastActivity: lastActivity, failures: failures, send: send, lastReport: time.Now()}
}

// Run evaluates signals on a ticker until ctx ends.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("heartbeat reporter stopping")
			return
		case <-ticker.C:
			r.check()
		}
	}
}

func (r *Reporter) check() {
	jid := r.mainJID()
	if jid == "" {
		return
	}
	now := time.Now()

	// Escalated beats everything: repeated job failures need eyes.
	if fails := r.failures(); len(fails) >= escalateThreshold {
		r.send(jid, fmt.Sprintf("⚠️ Escalated: %d heartbeat jobs failed recently.\n%s",
			len(fails), strings.Join(fails, "\n")))
		r.lastReport = now
		return
	}

	last := r.lastActivity()
	if !last.IsZero() && now.Sub(last) > r.cfg.SilenceAfter && now.Sub(r.lastSilence) > r.cfg.SilenceAfter {
		r.send(jid, fmt.Sprintf("It's been quiet for %s — still here and healthy.", now.Sub(last).Round(time.Minute)))
		r.lastSilence = now
		return
	}

	if now.Sub(r.lastReport) >= r.cfg.ReportEvery {
		r.send(jid, "Daily check-in: orchestrator healthy, queues flowing.")
		r.lastReport = now
	}
}
