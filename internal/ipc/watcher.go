package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/b9b4ymiN/jellycore/internal/adapter/observability"
	"github.com/b9b4ymiN/jellycore/internal/domain"
	"github.com/b9b4ymiN/jellycore/internal/ipcfs"
)

// Dispatcher executes an authenticated, authorized command on behalf of a
// source group. Implemented by the app wiring.
type Dispatcher interface {
	Dispatch(ctx context.Context, sourceFolder string, cmd Command) error
}

// WatcherConfig parameterizes the inbox watcher.
type WatcherConfig struct {
	DataDir      string
	Secret       string
	MainFolder   string
	ScanInterval time.Duration
}

// Watcher ingests command files from every group's messages/ and tasks/
// directories: fsnotify for latency, a periodic rescan for missed events.
type Watcher struct {
	cfg        WatcherConfig
	dispatcher Dispatcher
	// folders lists the group folders to watch; re-evaluated every scan so
	// newly registered groups join without a restart.
	folders func() []string
}

// NewWatcher wires the inbox watcher.
func NewWatcher(cfg WatcherConfig, folders func() []string, dispatcher Dispatcher) *Watcher {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 15 * time.Second
	}
	return &Watcher{cfg: cfg, dispatcher: dispatcher, folders: folders}
}

// Run watches until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	if w.cfg.Secret == "" {
		slog.Warn("IPC secret unset; container command ingress disabled")
		return
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("fsnotify init failed, falling back to scans only", slog.Any("error", err))
		fsw = nil
	}
	watched := make(map[string]bool)
	addWatches := func() {
		if fsw == nil {
			return
		}
		for _, folder := range w.folders() {
			for _, kind := range []string{"messages", "tasks"} {
				dir := ipcfs.CommandDir(w.cfg.DataDir, folder, kind)
				if watched[dir] {
					continue
				}
				if err := os.MkdirAll(dir, 0o755); err != nil {
					continue
				}
				if err := fsw.Add(dir); err != nil {
					slog.Debug("ipc watch add failed", slog.String("dir", dir), slog.Any("error", err))
					continue
				}
				watched[dir] = true
			}
		}
	}
	addWatches()
	w.scanAll(ctx)

	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()
	if fsw != nil {
		defer func() { _ = fsw.Close() }()
	}

	for {
		var events chan fsnotify.Event
		var errs chan error
		if fsw != nil {
			events = fsw.Events
			errs = fsw.Errors
		}
		select {
		case <-ctx.Done():
			slog.Info("ipc watcher stopping")
			return
		case ev := <-events:
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && strings.HasSuffix(ev.Name, ".json") {
				w.processFile(ctx, ev.Name)
			}
		case err := <-errs:
			if err != nil {
				slog.Warn("ipc watch error", slog.Any("error", err))
			}
		case <-ticker.C:
			addWatches()
			w.scanAll(ctx)
		}
	}
}

func (w *Watcher) scanAll(ctx context.Context) {
	for _, folder := range w.folders() {
		for _, kind := range []string{"messages", "tasks"} {
			dir := ipcfs.CommandDir(w.cfg.DataDir, folder, kind)
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
					continue
				}
				w.processFile(ctx, filepath.Join(dir, e.Name()))
			}
		}
	}
}

// processFile authenticates, parses, authorizes, and dispatches one command
// file. Identity is the source directory, never the payload.
func (w *Watcher) processFile(ctx context.Context, path string) {
	sourceFolder := sourceFolderOf(path)
	if sourceFolder == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	doc, err := Open(data, w.cfg.Secret)
	if err != nil {
		slog.Warn("rejecting unauthenticated ipc file",
			slog.String("path", path), slog.String("source", sourceFolder))
		observability.IPCCommandsTotal.WithLabelValues("unknown", "rejected").Inc()
		_ = os.Remove(path)
		return
	}

	cmd, err := Parse(doc)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			slog.Warn("dropping unknown ipc command", slog.String("path", path), slog.Any("error", err))
			observability.IPCCommandsTotal.WithLabelValues("unknown", "dropped").Inc()
			_ = os.Remove(path)
			return
		}
		w.quarantine(path, sourceFolder, err)
		return
	}

	if err := w.authorize(sourceFolder, cmd); err != nil {
		slog.Warn("unauthorized ipc command",
			slog.String("type", cmd.CommandType()),
			slog.String("source", sourceFolder),
			slog.Any("error", err))
		observability.IPCCommandsTotal.WithLabelValues(cmd.CommandType(), "unauthorized").Inc()
		_ = os.Remove(path)
		return
	}

	if err := w.dispatcher.Dispatch(ctx, sourceFolder, cmd); err != nil {
		observability.IPCCommandsTotal.WithLabelValues(cmd.CommandType(), "error").Inc()
		w.quarantine(path, sourceFolder, err)
		return
	}
	observability.IPCCommandsTotal.WithLabelValues(cmd.CommandType(), "ok").Inc()
	_ = os.Remove(path)
}

// authorize enforces the trust rules: non-main senders stay inside their own
// group; registration and global config are main-only.
func (w *Watcher) authorize(sourceFolder string, cmd Command) error {
	isMain := sourceFolder == w.cfg.MainFolder
	switch c := cmd.(type) {
	case MessageCommand:
		if !isMain && c.TargetFolder != sourceFolder {
			return domain.ErrUnauthorized
		}
	case ScheduleTaskCommand:
		if !isMain && c.TargetFolder != sourceFolder {
			return domain.ErrUnauthorized
		}
	case RegisterGroupCommand, RefreshGroupsCommand, HeartbeatConfigCommand:
		if !isMain {
			return domain.ErrUnauthorized
		}
	}
	// Task and heartbeat references are ownership-checked by the dispatcher,
	// which can see the stored rows.
	return nil
}

func (w *Watcher) quarantine(path, sourceFolder string, cause error) {
	slog.Error("ipc command failed, quarantining",
		slog.String("path", path), slog.Any("error", cause))
	dir := ipcfs.ErrorsDir(w.cfg.DataDir, sourceFolder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = os.Remove(path)
		return
	}
	dest := filepath.Join(dir, fmt.Sprintf("%d-%s", time.Now().UnixMilli(), filepath.Base(path)))
	if err := os.Rename(path, dest); err != nil {
		_ = os.Remove(path)
	}
}

// sourceFolderOf extracts the group folder from an ipc command path:
// .../ipc/<folder>/{messages,tasks}/<file>.
func sourceFolderOf(path string) string {
	dir := filepath.Dir(path)          // .../ipc/<folder>/<kind>
	parent := filepath.Dir(dir)        // .../ipc/<folder>
	grand := filepath.Base(filepath.Dir(parent)) // ipc
	if grand != "ipc" {
		return ""
	}
	return filepath.Base(parent)
}
