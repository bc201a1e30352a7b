// Package containers runs ephemeral agent containers for the orchestrator:
// spawn and stream (Runner), warm standby reuse (Pool), and engine-failure
// protection (Resilience).
package containers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

// ManagedLabel marks every container this process owns so the orphan sweeper
// can find leftovers from a crashed run.
const ManagedLabel = "jellycore.managed"

// PoolLabel marks warm standby containers; the sweeper skips them.
const PoolLabel = "jellycore.pool"

// ResilienceConfig bounds the health probe and the spawn circuit.
type ResilienceConfig struct {
	ProbeInterval    time.Duration
	CircuitThreshold int
	CircuitWindow    time.Duration
	CircuitCooldown  time.Duration
	SweepInterval    time.Duration
}

// Resilience guards container spawns: it probes the engine, trips a sliding
// window circuit on repeated spawn failures, and sweeps orphans.
type Resilience struct {
	cli *client.Client
	cfg ResilienceConfig

	mu        sync.Mutex
	healthy   bool
	failures  []time.Time
	openUntil time.Time

	// activeSet is consulted during sweeps; supplied by the queue.
	activeSet func() []string
}

// NewResilience wires the guard to a docker client and the queue's active
// container set.
func NewResilience(cli *client.Client, cfg ResilienceConfig, activeSet func() []string) *Resilience {
	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = 5
	}
	if cfg.CircuitWindow <= 0 {
		cfg.CircuitWindow = 2 * time.Minute
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = 5 * time.Minute
	}
	return &Resilience{cli: cli, cfg: cfg, healthy: true, activeSet: activeSet}
}

// AllowSpawn returns nil when a spawn may proceed. Refusals are immediate:
// ErrEngineUnhealthy after a failed probe, ErrCircuitOpen during cooldown.
func (r *Resilience) AllowSpawn() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.healthy {
		return domain.ErrEngineUnhealthy
	}
	if time.Now().Before(r.openUntil) {
		return domain.ErrCircuitOpen
	}
	return nil
}

// RecordSpawnFailure adds a failure to the sliding window and opens the
// circuit when the threshold is crossed inside the window.
func (r *Resilience) RecordSpawnFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-r.cfg.CircuitWindow)
	kept := r.failures[:0]
	for _, t := range r.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.failures = append(kept, now)
	if len(r.failures) >= r.cfg.CircuitThreshold {
		r.openUntil = now.Add(r.cfg.CircuitCooldown)
		r.failures = r.failures[:0]
		slog.Warn("spawn circuit opened",
			slog.Int("threshold", r.cfg.CircuitThreshold),
			slog.Time("open_until", r.openUntil))
	}
}

// RecordSpawnSuccess resets the failure window and closes the circuit.
func (r *Resilience) RecordSpawnSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = r.failures[:0]
	r.openUntil = time.Time{}
}

// RunHealthProbe pings the engine on a ticker until ctx ends. A failed
// probe marks the engine unhealthy and counts into the spawn circuit.
func (r *Resilience) RunHealthProbe(ctx context.Context) {
	interval := r.cfg.ProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := r.cli.Ping(probeCtx)
			cancel()
			r.mu.Lock()
			wasHealthy := r.healthy
			r.healthy = err == nil
			r.mu.Unlock()
			if err != nil {
				slog.Error("engine health probe failed",
					slog.String("error_code", domain.CodeProbeFailed),
					slog.Any("error", err))
				r.RecordSpawnFailure()
			} else if !wasHealthy {
				slog.Info("engine health probe recovered")
			}
		}
	}
}

// RunOrphanSweep periodically stops managed containers the queue no longer
// tracks. Pool standbys are excluded by label.
func (r *Resilience) RunOrphanSweep(ctx context.Context) {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SweepOnce(ctx); err != nil {
				slog.Error("orphan sweep failed", slog.Any("error", err))
			}
		}
	}
}

// SweepOnce stops every managed, non-pool container not in the active set.
// The whole sweep is bounded at 30s; each stop at 15s.
func (r *Resilience) SweepOnce(ctx context.Context) error {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	active := make(map[string]bool)
	for _, name := range r.activeSet() {
		active[name] = true
	}

	args := filters.NewArgs(filters.Arg("label", ManagedLabel+"=true"))
	list, err := r.cli.ContainerList(sweepCtx, container.ListOptions{Filters: args})
	if err != nil {
		return fmt.Errorf("op=resilience.SweepOnce: %w", err)
	}
	stopSecs := 15
	for _, c := range list {
		if c.Labels[PoolLabel] == "true" {
			continue
		}
		name := containerName(c.Names)
		if active[name] {
			continue
		}
		slog.Warn("stopping orphan container", slog.String("container", name))
		if err := r.cli.ContainerStop(sweepCtx, c.ID, container.StopOptions{Timeout: &stopSecs}); err != nil {
			slog.Error("orphan stop failed", slog.String("container", name), slog.Any("error", err))
		}
	}
	return nil
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	name := names[0]
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	return name
}
