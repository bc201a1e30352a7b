package containers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/b9b4ymiN/jellycore/internal/adapter/observability"
	"github.com/b9b4ymiN/jellycore/internal/domain"
	"github.com/b9b4ymiN/jellycore/internal/ipcfs"
)

// namePrefix is the managed container name prefix, shared by cold runs and
// pool standbys. The orphan sweeper selects containers by label, not by name.
const namePrefix = "nanoclaw"

var (
	nameSanitizer = regexp.MustCompile(`[^A-Za-z0-9-]`)
	internalBlock = regexp.MustCompile(`(?s)<internal>.*?</internal>`)
)

// RunnerConfig parameterizes container spawns.
type RunnerConfig struct {
	Image   string
	DataDir string
}

// SnapshotSources supply the per-group files the agent reads at startup.
type SnapshotSources struct {
	// Tasks lists scheduled tasks for the folder; main sees every group.
	Tasks func(ctx context.Context, folder string, isMain bool) (any, error)
	// Groups lists available groups; only main gets the global view.
	Groups func(ctx context.Context, isMain bool) (any, error)
}

// Runner spawns one container agent per invocation, streams its structured
// output, and coordinates with the warm pool and the resilience guard.
type Runner struct {
	cli        *client.Client
	cfg        RunnerConfig
	resilience *Resilience
	pool       *Pool
	snapshots  SnapshotSources
}

// NewRunner constructs a Runner. pool may be nil when POOL_ENABLED is off.
func NewRunner(cli *client.Client, cfg RunnerConfig, res *Resilience, pool *Pool, snapshots SnapshotSources) *Runner {
	return &Runner{cli: cli, cfg: cfg, resilience: res, pool: pool, snapshots: snapshots}
}

// wireInput is the single JSON document written to the agent's stdin (or the
// assignment file for pooled containers).
type wireInput struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId,omitempty"`
	GroupFolder     string            `json:"groupFolder"`
	ChatJID         string            `json:"chatJid"`
	IsMain          bool              `json:"isMain"`
	Lane            string            `json:"lane"`
	IsScheduledTask bool              `json:"isScheduledTask,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
}

// ContainerNameFor builds the managed container name for a group folder.
func ContainerNameFor(folder string) string {
	return fmt.Sprintf("%s-%s-%d", namePrefix, nameSanitizer.ReplaceAllString(folder, "-"), time.Now().UnixMilli())
}

// Run executes one agent run for a group. Infrastructure refusals (unhealthy
// engine, open circuit) and spawn failures come back as an error-status
// result; the caller owns the retry decision.
func (r *Runner) Run(ctx domain.Context, in domain.AgentInput, registerHandle func(domain.RunHandle), onOutput func(domain.AgentOutput)) (domain.RunResult, error) {
	if err := r.resilience.AllowSpawn(); err != nil {
		observability.ContainerSpawnsTotal.WithLabelValues("refused").Inc()
		return domain.RunResult{Status: "error", Error: err.Error()}, fmt.Errorf("op=runner.Run: %w", err)
	}

	if err := r.writeSnapshots(ctx, in); err != nil {
		// Snapshots are advisory; the agent degrades without them.
		slog.Warn("snapshot write failed", slog.String("folder", in.GroupFolder), slog.Any("error", err))
	}

	doc, err := json.Marshal(wireInput{
		Prompt:          in.Prompt,
		SessionID:       in.SessionID,
		GroupFolder:     in.GroupFolder,
		ChatJID:         in.ChatJID,
		IsMain:          in.IsMain,
		Lane:            string(in.Lane),
		IsScheduledTask: in.IsScheduledTask,
		Secrets:         in.Secrets,
	})
	if err != nil {
		return domain.RunResult{Status: "error", Error: err.Error()}, fmt.Errorf("op=runner.Run: %w", err)
	}

	if r.pool != nil {
		if standby := r.pool.Acquire(in.GroupFolder); standby != nil {
			observability.PoolAcquiresTotal.WithLabelValues("hit").Inc()
			return r.runPooled(ctx, standby, in, doc, registerHandle, onOutput)
		}
		observability.PoolAcquiresTotal.WithLabelValues("miss").Inc()
	}
	return r.runCold(ctx, in, doc, registerHandle, onOutput)
}

// runCold spawns a fresh container, writes the input document to stdin, and
// streams output until the container exits.
func (r *Runner) runCold(ctx domain.Context, in domain.AgentInput, doc []byte, registerHandle func(domain.RunHandle), onOutput func(domain.AgentOutput)) (domain.RunResult, error) {
	name := ContainerNameFor(in.GroupFolder)
	id, hijack, err := r.spawn(ctx, name, in.GroupFolder, false)
	if err != nil {
		r.resilience.RecordSpawnFailure()
		observability.ContainerSpawnsTotal.WithLabelValues("failed").Inc()
		return domain.RunResult{Status: "error", Error: err.Error()}, fmt.Errorf("op=runner.runCold: %w", err)
	}
	r.resilience.RecordSpawnSuccess()
	observability.ContainerSpawnsTotal.WithLabelValues("ok").Inc()
	defer hijack.Close()

	registerHandle(domain.RunHandle{ContainerName: name, GroupFolder: in.GroupFolder})

	if _, err := hijack.Conn.Write(append(doc, '\n')); err != nil {
		return domain.RunResult{Status: "error", Error: err.Error()}, fmt.Errorf("op=runner.runCold.stdin: %w", err)
	}
	if err := hijack.CloseWrite(); err != nil {
		slog.Debug("stdin close failed", slog.String("container", name), slog.Any("error", err))
	}

	outR, outW := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(outW, io.Discard, hijack.Reader)
		_ = outW.CloseWithError(copyErr)
	}()

	res := r.consumeStream(outR, onOutput)

	waitCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case st := <-waitCh:
		if st.StatusCode != 0 && res.Status != "error" {
			res.Status = "error"
			res.Error = fmt.Sprintf("container exited with status %d", st.StatusCode)
		}
	case err := <-errCh:
		if err != nil && res.Status != "error" {
			res.Status = "error"
			res.Error = err.Error()
		}
	case <-ctx.Done():
		res.Status = "error"
		res.Error = ctx.Err().Error()
	}
	return res, nil
}

// runPooled hands the input document to a warm standby and streams until the
// agent re-arms its ready handshake.
func (r *Runner) runPooled(ctx domain.Context, standby *Standby, in domain.AgentInput, doc []byte, registerHandle func(domain.RunHandle), onOutput func(domain.AgentOutput)) (domain.RunResult, error) {
	ipcfs.RemoveReadyFile(r.cfg.DataDir, in.GroupFolder)
	if err := ipcfs.WriteAssignment(r.cfg.DataDir, in.GroupFolder, doc); err != nil {
		r.pool.Release(standby, false)
		return domain.RunResult{Status: "error", Error: err.Error()}, fmt.Errorf("op=runner.runPooled: %w", err)
	}
	registerHandle(domain.RunHandle{ContainerName: standby.Name, GroupFolder: in.GroupFolder})

	res := domain.RunResult{Status: "success"}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case line, ok := <-standby.Lines:
			if !ok {
				res.Status = "error"
				res.Error = "standby container stream closed"
				break loop
			}
			applyLine(line, &res, onOutput)
		case <-ticker.C:
			// The agent rewrites the ready handshake when the assignment is
			// finished and it is back on standby.
			if ipcfs.ReadyFileExists(r.cfg.DataDir, in.GroupFolder) {
				break loop
			}
		case <-ctx.Done():
			res.Status = "error"
			res.Error = ctx.Err().Error()
			break loop
		}
	}
	r.pool.Release(standby, res.Status == "success")
	return res, nil
}

// spawn creates and starts one managed container attached to the group's
// IPC inbox.
func (r *Runner) spawn(ctx domain.Context, name, folder string, forPool bool) (string, hijackedConn, error) {
	labels := map[string]string{
		ManagedLabel:      "true",
		"jellycore.group": folder,
	}
	if forPool {
		labels[PoolLabel] = "true"
	}
	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        r.cfg.Image,
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
			Binds: []string{
				ipcfs.GroupDir(r.cfg.DataDir, folder) + ":/ipc",
			},
		},
		&network.NetworkingConfig{}, nil, name)
	if err != nil {
		return "", hijackedConn{}, fmt.Errorf("create: %w", err)
	}

	attach, err := r.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return "", hijackedConn{}, fmt.Errorf("attach: %w", err)
	}
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return "", hijackedConn{}, fmt.Errorf("start: %w", err)
	}
	return created.ID, hijackedConn{attach.Conn, attach.Reader, attach.CloseWrite, attach.Close}, nil
}

// hijackedConn narrows the docker attach response to what the runner needs.
type hijackedConn struct {
	Conn       io.Writer
	Reader     *bufio.Reader
	CloseWrite func() error
	Close      func()
}

// consumeStream parses line-delimited agent output until EOF.
func (r *Runner) consumeStream(outR io.Reader, onOutput func(domain.AgentOutput)) domain.RunResult {
	res := domain.RunResult{Status: "success"}
	sc := bufio.NewScanner(outR)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		applyLine(line, &res, onOutput)
	}
	return res
}

// applyLine decodes one output line, strips internal blocks, and forwards it.
// Non-JSON lines are agent logging noise and skipped.
func applyLine(line string, res *domain.RunResult, onOutput func(domain.AgentOutput)) {
	var out domain.AgentOutput
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		slog.Debug("skipping non-protocol output line", slog.String("line", truncate(line, 120)))
		return
	}
	out.Result = strings.TrimSpace(internalBlock.ReplaceAllString(out.Result, ""))
	if out.NewSessionID != "" {
		res.NewSessionID = out.NewSessionID
	}
	if out.Status == "error" {
		res.Status = "error"
		if out.Error != "" {
			res.Error = out.Error
		}
	}
	onOutput(out)
}

func (r *Runner) writeSnapshots(ctx domain.Context, in domain.AgentInput) error {
	if r.snapshots.Tasks != nil {
		tasks, err := r.snapshots.Tasks(ctx, in.GroupFolder, in.IsMain)
		if err != nil {
			return err
		}
		if err := ipcfs.WriteSnapshot(r.cfg.DataDir, in.GroupFolder, ipcfs.SnapshotTasks, tasks); err != nil {
			return err
		}
	}
	if r.snapshots.Groups != nil {
		groups, err := r.snapshots.Groups(ctx, in.IsMain)
		if err != nil {
			return err
		}
		if err := ipcfs.WriteSnapshot(r.cfg.DataDir, in.GroupFolder, ipcfs.SnapshotGroups, groups); err != nil {
			return err
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
