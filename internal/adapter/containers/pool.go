package containers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/b9b4ymiN/jellycore/internal/ipcfs"
)

// StandbyPrompt tells the agent to skip normal processing, write the ready
// handshake, and block on the assignment file.
const StandbyPrompt = "__STANDBY__"

// readyWaitTimeout bounds how long a warming container gets to write its
// ready handshake before it is drained.
const readyWaitTimeout = 30 * time.Second

// drainGrace is how long a released container gets to self-exit after the
// close sentinel before a force stop.
const drainGrace = 10 * time.Second

// PoolConfig bounds the warm-standby pool.
type PoolConfig struct {
	MinSize     int
	MaxSize     int
	MaxReuse    int
	IdleTimeout time.Duration
	DataDir     string
}

// WarmTarget names a group the pool should keep a standby for.
type WarmTarget struct {
	Folder string
	IsMain bool
}

// Standby is one warm container parked on the assignment handshake.
type Standby struct {
	ID     string
	Name   string
	Folder string
	// Lines streams the agent's raw output lines; quiet while parked.
	Lines <-chan string

	reuseCount int
	idleSince  time.Time
	close      func()
}

// Pool keeps pre-warmed per-group containers to amortize cold-start cost.
// State is in-memory only; a restart simply re-warms.
type Pool struct {
	cli   *client.Client
	cfg   PoolConfig
	image string

	mu    sync.Mutex
	ready map[string][]*Standby
	total int
	// fallbacks counts acquire misses that forced a cold spawn.
	fallbacks int64

	warmTargets func() []WarmTarget
}

// NewPool constructs the warm pool. warmTargets supplies the groups worth
// keeping standbys for; top-up warms them in the order it returns them.
func NewPool(cli *client.Client, cfg PoolConfig, image string, warmTargets func() []WarmTarget) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 2
	}
	if cfg.MaxReuse <= 0 {
		cfg.MaxReuse = 5
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	return &Pool{cli: cli, cfg: cfg, image: image, ready: make(map[string][]*Standby), warmTargets: warmTargets}
}

// Acquire pops a ready standby for the folder, or returns nil and the caller
// cold-spawns.
func (p *Pool) Acquire(folder string) *Standby {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.ready[folder]
	if len(list) == 0 {
		p.fallbacks++
		return nil
	}
	s := list[len(list)-1]
	p.ready[folder] = list[:len(list)-1]
	return s
}

// Release returns a standby to ready when it has reuse budget left and the
// run succeeded; otherwise the container is drained.
func (p *Pool) Release(s *Standby, keepAlive bool) {
	p.mu.Lock()
	s.reuseCount++
	reusable := keepAlive && s.reuseCount < p.cfg.MaxReuse
	if reusable {
		s.idleSince = time.Now()
		p.ready[s.Folder] = append(p.ready[s.Folder], s)
	} else {
		p.total--
	}
	p.mu.Unlock()
	if !reusable {
		p.drain(s)
	}
}

// WarmForGroup spawns one standby for a group unless the pool is at its cap.
func (p *Pool) WarmForGroup(ctx context.Context, folder string, isMain bool) error {
	p.mu.Lock()
	if p.total >= p.cfg.MaxSize {
		p.mu.Unlock()
		return nil
	}
	p.total++
	p.mu.Unlock()

	s, err := p.spawnStandby(ctx, folder, isMain)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return fmt.Errorf("op=pool.WarmForGroup: %w", err)
	}
	p.mu.Lock()
	s.idleSince = time.Now()
	p.ready[folder] = append(p.ready[folder], s)
	p.mu.Unlock()
	slog.Info("standby container warmed", slog.String("folder", folder), slog.String("container", s.Name))
	return nil
}

// RunMaintenance drains idle standbys and tops the pool up to its minimum.
func (p *Pool) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pruneIdle()
			p.topUp(ctx)
		}
	}
}

// Shutdown drains every parked standby.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	var all []*Standby
	for folder, list := range p.ready {
		all = append(all, list...)
		delete(p.ready, folder)
	}
	p.total -= len(all)
	p.mu.Unlock()
	for _, s := range all {
		p.drain(s)
	}
}

// Fallbacks reports acquire misses since start.
func (p *Pool) Fallbacks() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fallbacks
}

func (p *Pool) pruneIdle() {
	p.mu.Lock()
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	var stale []*Standby
	for folder, list := range p.ready {
		kept := list[:0]
		for _, s := range list {
			if s.idleSince.Before(cutoff) {
				stale = append(stale, s)
			} else {
				kept = append(kept, s)
			}
		}
		p.ready[folder] = kept
	}
	p.total -= len(stale)
	p.mu.Unlock()
	for _, s := range stale {
		slog.Info("draining idle standby", slog.String("container", s.Name))
		p.drain(s)
	}
}

func (p *Pool) topUp(ctx context.Context) {
	if p.warmTargets == nil {
		return
	}
	p.mu.Lock()
	deficit := p.cfg.MinSize - p.total
	p.mu.Unlock()
	if deficit <= 0 {
		return
	}
	for _, target := range p.warmTargets() {
		if deficit <= 0 {
			break
		}
		p.mu.Lock()
		hasReady := len(p.ready[target.Folder]) > 0
		p.mu.Unlock()
		if hasReady {
			continue
		}
		if err := p.WarmForGroup(ctx, target.Folder, target.IsMain); err != nil {
			slog.Warn("pool top-up failed", slog.String("folder", target.Folder), slog.Any("error", err))
			continue
		}
		deficit--
	}
}

// spawnStandby starts a container with the standby prompt and waits for the
// ready handshake.
func (p *Pool) spawnStandby(ctx context.Context, folder string, isMain bool) (*Standby, error) {
	ipcfs.RemoveReadyFile(p.cfg.DataDir, folder)

	name := ContainerNameFor(folder)
	labels := map[string]string{
		ManagedLabel:      "true",
		PoolLabel:         "true",
		"jellycore.group": folder,
	}
	created, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        p.image,
			Labels:       labels,
			OpenStdin:    true,
			StdinOnce:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			Env:          []string{"GROUP_FOLDER=" + folder},
		},
		&container.HostConfig{
			AutoRemove: true,
			Binds:      []string{ipcfs.GroupDir(p.cfg.DataDir, folder) + ":/ipc"},
		},
		nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	attach, err := p.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("start: %w", err)
	}

	doc, _ := json.Marshal(map[string]any{
		"prompt":      StandbyPrompt,
		"groupFolder": folder,
		"isMain":      isMain,
	})
	if _, err := attach.Conn.Write(append(doc, '\n')); err != nil {
		attach.Close()
		return nil, fmt.Errorf("stdin: %w", err)
	}
	if err := attach.CloseWrite(); err != nil {
		slog.Debug("standby stdin close failed", slog.String("container", name), slog.Any("error", err))
	}

	lines := make(chan string, 64)
	outR, outW := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(outW, io.Discard, attach.Reader)
		_ = outW.CloseWithError(copyErr)
	}()
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(outR)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line != "" {
				lines <- line
			}
		}
	}()

	s := &Standby{
		ID:     created.ID,
		Name:   name,
		Folder: folder,
		Lines:  lines,
		close:  attach.Close,
	}

	// The agent confirms standby by writing the ready handshake.
	deadline := time.Now().Add(readyWaitTimeout)
	for time.Now().Before(deadline) {
		if ipcfs.ReadyFileExists(p.cfg.DataDir, folder) {
			return s, nil
		}
		select {
		case <-ctx.Done():
			p.drain(s)
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	p.drain(s)
	return nil, fmt.Errorf("standby never became ready")
}

// drain asks the agent to exit, then force-stops after the grace period.
func (p *Pool) drain(s *Standby) {
	if err := ipcfs.WriteClose(p.cfg.DataDir, s.Folder); err != nil {
		slog.Debug("standby close write failed", slog.String("container", s.Name), slog.Any("error", err))
	}
	go func() {
		time.Sleep(drainGrace)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		stopSecs := 5
		_ = p.cli.ContainerStop(ctx, s.ID, container.StopOptions{Timeout: &stopSecs})
		if s.close != nil {
			s.close()
		}
	}()
}
