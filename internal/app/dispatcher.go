// Package app wires the orchestrator's components together: the IPC command
// handler, the ops HTTP surface, and the supervisor that owns every
// background task.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/b9b4ymiN/jellycore/internal/domain"
	"github.com/b9b4ymiN/jellycore/internal/ipc"
	"github.com/b9b4ymiN/jellycore/internal/ipcfs"
	"github.com/b9b4ymiN/jellycore/internal/pipeline"
	"github.com/b9b4ymiN/jellycore/internal/scheduler"
)

// CommandHandler executes authenticated IPC commands against the stores and
// the pipeline. Ownership checks that need stored rows live here; the
// watcher already enforced the main-only rules.
type CommandHandler struct {
	Pipe       *pipeline.Pipeline
	Tasks      domain.TaskRepository
	Heartbeats domain.HeartbeatRepository
	MainFolder string
	DataDir    string
	Loc        *time.Location
}

// Dispatch implements ipc.Dispatcher.
func (h *CommandHandler) Dispatch(ctx context.Context, sourceFolder string, cmd ipc.Command) error {
	isMain := sourceFolder == h.MainFolder
	switch c := cmd.(type) {
	case ipc.MessageCommand:
		return h.sendMessage(c)
	case ipc.ScheduleTaskCommand:
		return h.scheduleTask(ctx, c)
	case ipc.TaskRefCommand:
		return h.taskRef(ctx, sourceFolder, isMain, c)
	case ipc.UpdateTaskCommand:
		return h.updateTask(ctx, sourceFolder, isMain, c)
	case ipc.HeartbeatJobCommand:
		err := h.heartbeatJob(ctx, sourceFolder, isMain, c)
		h.refreshHeartbeatSnapshot(ctx, sourceFolder)
		return err
	case ipc.HeartbeatRemoveCommand:
		err := h.heartbeatRemove(ctx, sourceFolder, isMain, c)
		h.refreshHeartbeatSnapshot(ctx, sourceFolder)
		return err
	case ipc.HeartbeatConfigCommand:
		err := h.heartbeatConfig(ctx, c)
		h.refreshHeartbeatSnapshot(ctx, sourceFolder)
		return err
	case ipc.RefreshGroupsCommand:
		return h.Pipe.LoadGroups(ctx)
	case ipc.RegisterGroupCommand:
		return h.Pipe.RegisterGroup(ctx, domain.RegisteredGroup{
			JID:             c.JID,
			Name:            c.Name,
			Folder:          c.Folder,
			TriggerPattern:  c.TriggerPattern,
			RequiresTrigger: c.RequiresTrigger,
		})
	default:
		return fmt.Errorf("op=app.Dispatch: %w: %T", domain.ErrInvalidArgument, cmd)
	}
}

func (h *CommandHandler) sendMessage(c ipc.MessageCommand) error {
	g, ok := h.Pipe.State().GroupByFolder(c.TargetFolder)
	if !ok {
		return fmt.Errorf("op=app.sendMessage: %w: folder %q", domain.ErrNotFound, c.TargetFolder)
	}
	h.Pipe.SendNotice(g.JID, c.Text)
	return nil
}

func (h *CommandHandler) scheduleTask(ctx context.Context, c ipc.ScheduleTaskCommand) error {
	g, ok := h.Pipe.State().GroupByFolder(c.TargetFolder)
	if !ok {
		return fmt.Errorf("op=app.scheduleTask: %w: folder %q", domain.ErrNotFound, c.TargetFolder)
	}
	t := domain.ScheduledTask{
		GroupFolder:   c.TargetFolder,
		ChatJID:       g.JID,
		Prompt:        c.Prompt,
		ScheduleType:  domain.ScheduleType(c.ScheduleType),
		ScheduleValue: c.ScheduleValue,
		ContextMode:   domain.ContextMode(c.ContextMode),
		MaxRetries:    c.MaxRetries,
		RetryDelay:    time.Duration(c.RetryDelayMS) * time.Millisecond,
		TaskTimeout:   time.Duration(c.TimeoutMS) * time.Millisecond,
		Label:         c.Label,
	}
	if t.ContextMode == "" {
		t.ContextMode = domain.ContextGroup
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	if t.RetryDelay == 0 {
		t.RetryDelay = time.Minute
	}
	next, err := scheduler.InitialNextRun(t, time.Now(), h.Loc)
	if err != nil {
		return fmt.Errorf("op=app.scheduleTask: %w", err)
	}
	t.NextRun = next
	id, err := h.Tasks.Create(ctx, t)
	if err != nil {
		return fmt.Errorf("op=app.scheduleTask: %w", err)
	}
	slog.Info("task scheduled via ipc", slog.String("task_id", id), slog.String("group", t.GroupFolder))
	return nil
}

func (h *CommandHandler) taskRef(ctx context.Context, source string, isMain bool, c ipc.TaskRefCommand) error {
	t, err := h.Tasks.Get(ctx, c.TaskID)
	if err != nil {
		return fmt.Errorf("op=app.taskRef: %w", err)
	}
	if !isMain && t.GroupFolder != source {
		return fmt.Errorf("op=app.taskRef: %w", domain.ErrUnauthorized)
	}
	switch c.CommandType() {
	case "pause_task":
		return h.Tasks.UpdateStatus(ctx, t.ID, domain.TaskPaused)
	case "resume_task":
		return h.Tasks.UpdateStatus(ctx, t.ID, domain.TaskActive)
	case "cancel_task":
		return h.Tasks.UpdateStatus(ctx, t.ID, domain.TaskCancelled)
	case "run_task_now":
		// An operator re-arming a task gets a fresh retry budget.
		if err := h.Tasks.ResetRetries(ctx, t.ID); err != nil {
			return fmt.Errorf("op=app.taskRef: %w", err)
		}
		now := time.Now()
		t.NextRun = &now
		if err := h.Tasks.Update(ctx, t); err != nil {
			return fmt.Errorf("op=app.taskRef: %w", err)
		}
		return h.Tasks.UpdateStatus(ctx, t.ID, domain.TaskActive)
	default:
		return fmt.Errorf("op=app.taskRef: %w", domain.ErrInvalidArgument)
	}
}

func (h *CommandHandler) updateTask(ctx context.Context, source string, isMain bool, c ipc.UpdateTaskCommand) error {
	t, err := h.Tasks.Get(ctx, c.TaskID)
	if err != nil {
		return fmt.Errorf("op=app.updateTask: %w", err)
	}
	if !isMain && t.GroupFolder != source {
		return fmt.Errorf("op=app.updateTask: %w", domain.ErrUnauthorized)
	}
	if c.Prompt != "" {
		t.Prompt = c.Prompt
	}
	if c.Label != "" {
		t.Label = c.Label
	}
	scheduleChanged := false
	if c.ScheduleType != "" {
		t.ScheduleType = domain.ScheduleType(c.ScheduleType)
		scheduleChanged = true
	}
	if c.ScheduleValue != "" {
		t.ScheduleValue = c.ScheduleValue
		scheduleChanged = true
	}
	if scheduleChanged {
		next, err := scheduler.InitialNextRun(t, time.Now(), h.Loc)
		if err != nil {
			return fmt.Errorf("op=app.updateTask: %w", err)
		}
		t.NextRun = next
	}
	return h.Tasks.Update(ctx, t)
}

func (h *CommandHandler) heartbeatJob(ctx context.Context, source string, isMain bool, c ipc.HeartbeatJobCommand) error {
	sourceGroup, _ := h.Pipe.State().GroupByFolder(source)
	switch c.CommandType() {
	case "heartbeat_add_job":
		chatJID := c.ChatJID
		if chatJID == "" {
			chatJID = sourceGroup.JID
		}
		if !isMain && chatJID != sourceGroup.JID {
			return fmt.Errorf("op=app.heartbeatJob: %w", domain.ErrUnauthorized)
		}
		_, err := h.Heartbeats.Add(ctx, domain.HeartbeatJob{
			ChatJID:   chatJID,
			Label:     c.Label,
			Prompt:    c.Prompt,
			Category:  domain.HeartbeatCategory(c.Category),
			Status:    domain.HeartbeatJobStatus(c.Status),
			Interval:  time.Duration(c.IntervalMS) * time.Millisecond,
			CreatedBy: source,
		})
		return err
	case "heartbeat_update_job":
		j, err := h.Heartbeats.Get(ctx, c.JobID)
		if err != nil {
			return fmt.Errorf("op=app.heartbeatJob: %w", err)
		}
		if !isMain && j.ChatJID != sourceGroup.JID {
			return fmt.Errorf("op=app.heartbeatJob: %w", domain.ErrUnauthorized)
		}
		if c.Label != "" {
			j.Label = c.Label
		}
		if c.Prompt != "" {
			j.Prompt = c.Prompt
		}
		if c.Category != "" {
			j.Category = domain.HeartbeatCategory(c.Category)
		}
		if c.Status != "" {
			j.Status = domain.HeartbeatJobStatus(c.Status)
		}
		if c.IntervalMS > 0 {
			j.Interval = time.Duration(c.IntervalMS) * time.Millisecond
		}
		return h.Heartbeats.Update(ctx, j)
	default:
		return fmt.Errorf("op=app.heartbeatJob: %w", domain.ErrInvalidArgument)
	}
}

func (h *CommandHandler) heartbeatRemove(ctx context.Context, source string, isMain bool, c ipc.HeartbeatRemoveCommand) error {
	j, err := h.Heartbeats.Get(ctx, c.JobID)
	if err != nil {
		return fmt.Errorf("op=app.heartbeatRemove: %w", err)
	}
	sourceGroup, _ := h.Pipe.State().GroupByFolder(source)
	if !isMain && j.ChatJID != sourceGroup.JID {
		return fmt.Errorf("op=app.heartbeatRemove: %w", domain.ErrUnauthorized)
	}
	return h.Heartbeats.Remove(ctx, c.JobID)
}

// refreshHeartbeatSnapshot mirrors the source group's active jobs into its
// IPC root so containers see config changes without a round-trip.
func (h *CommandHandler) refreshHeartbeatSnapshot(ctx context.Context, folder string) {
	g, ok := h.Pipe.State().GroupByFolder(folder)
	if !ok {
		return
	}
	jobs, err := h.Heartbeats.ListByChat(ctx, g.JID)
	if err != nil {
		slog.Warn("heartbeat snapshot listing failed", slog.String("folder", folder), slog.Any("error", err))
		return
	}
	if err := ipcfs.WriteSnapshot(h.DataDir, folder, ipcfs.SnapshotHeartbeatJobs, jobs); err != nil {
		slog.Warn("heartbeat snapshot write failed", slog.String("folder", folder), slog.Any("error", err))
	}
}

func (h *CommandHandler) heartbeatConfig(ctx context.Context, c ipc.HeartbeatConfigCommand) error {
	jobs, err := h.Heartbeats.ListByChat(ctx, "")
	if err != nil {
		return fmt.Errorf("op=app.heartbeatConfig: %w", err)
	}
	for _, j := range jobs {
		if c.Category != "" && string(j.Category) != c.Category {
			continue
		}
		j.Status = domain.HeartbeatJobStatus(c.Status)
		if err := h.Heartbeats.Update(ctx, j); err != nil {
			return fmt.Errorf("op=app.heartbeatConfig: %w", err)
		}
	}
	return nil
}
