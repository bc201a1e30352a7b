package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

// validate checks variant structs once at ingress; dynamic shapes never
// travel further into the system.
var validate = validator.New()

// Command is the parsed tagged union of IPC command variants.
type Command interface {
	CommandType() string
}

// MessageCommand sends a text into a target group's chat.
type MessageCommand struct {
	TargetFolder string `json:"target_folder" validate:"required"`
	Text         string `json:"text" validate:"required"`
}

// ScheduleTaskCommand creates a scheduled task.
type ScheduleTaskCommand struct {
	TargetFolder  string `json:"target_folder" validate:"required"`
	Prompt        string `json:"prompt" validate:"required"`
	ScheduleType  string `json:"schedule_type" validate:"required,oneof=cron interval once"`
	ScheduleValue string `json:"schedule_value" validate:"required"`
	ContextMode   string `json:"context_mode" validate:"omitempty,oneof=group isolated"`
	MaxRetries    int    `json:"max_retries" validate:"omitempty,min=0,max=20"`
	RetryDelayMS  int64  `json:"retry_delay_ms" validate:"omitempty,min=0"`
	TimeoutMS     int64  `json:"task_timeout_ms" validate:"omitempty,min=0"`
	Label         string `json:"label"`
}

// TaskRefCommand covers pause_task, resume_task, cancel_task, run_task_now.
type TaskRefCommand struct {
	kind   string
	TaskID string `json:"task_id" validate:"required"`
}

// UpdateTaskCommand patches an existing task.
type UpdateTaskCommand struct {
	TaskID        string `json:"task_id" validate:"required"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type" validate:"omitempty,oneof=cron interval once"`
	ScheduleValue string `json:"schedule_value"`
	Label         string `json:"label"`
}

// HeartbeatJobCommand covers heartbeat_add_job and heartbeat_update_job.
type HeartbeatJobCommand struct {
	kind       string
	JobID      string `json:"job_id"`
	ChatJID    string `json:"chat_jid"`
	Label      string `json:"label"`
	Prompt     string `json:"prompt"`
	Category   string `json:"category" validate:"omitempty,oneof=learning monitor health custom"`
	Status     string `json:"status" validate:"omitempty,oneof=active paused"`
	IntervalMS int64  `json:"interval_ms" validate:"omitempty,min=0"`
}

// HeartbeatRemoveCommand removes a heartbeat job.
type HeartbeatRemoveCommand struct {
	JobID string `json:"job_id" validate:"required"`
}

// HeartbeatConfigCommand patches heartbeat config globally (main only).
type HeartbeatConfigCommand struct {
	Status   string `json:"status" validate:"required,oneof=active paused"`
	Category string `json:"category" validate:"omitempty,oneof=learning monitor health custom"`
}

// RefreshGroupsCommand reloads the registered-group snapshot (main only).
type RefreshGroupsCommand struct{}

// RegisterGroupCommand registers a new group (main only).
type RegisterGroupCommand struct {
	JID             string `json:"jid" validate:"required"`
	Name            string `json:"name" validate:"required"`
	Folder          string `json:"folder" validate:"required,alphanum|containsany=-_"`
	TriggerPattern  string `json:"trigger_pattern"`
	RequiresTrigger bool   `json:"requires_trigger"`
}

// CommandType implementations.
func (MessageCommand) CommandType() string         { return "message" }
func (ScheduleTaskCommand) CommandType() string    { return "schedule_task" }
func (c TaskRefCommand) CommandType() string       { return c.kind }
func (UpdateTaskCommand) CommandType() string      { return "update_task" }
func (c HeartbeatJobCommand) CommandType() string  { return c.kind }
func (HeartbeatRemoveCommand) CommandType() string { return "heartbeat_remove_job" }
func (HeartbeatConfigCommand) CommandType() string { return "heartbeat_config" }
func (RefreshGroupsCommand) CommandType() string   { return "refresh_groups" }
func (RegisterGroupCommand) CommandType() string   { return "register_group" }

// Parse decodes one command document into its typed variant. Unknown types
// come back as ErrInvalidArgument; callers log and drop.
func Parse(doc []byte) (Command, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(doc, &head); err != nil {
		return nil, fmt.Errorf("op=ipc.Parse: %w", err)
	}
	switch head.Type {
	case "message":
		return parseInto[MessageCommand](doc)
	case "schedule_task":
		return parseInto[ScheduleTaskCommand](doc)
	case "pause_task", "resume_task", "cancel_task", "run_task_now":
		c, err := parseInto[TaskRefCommand](doc)
		if err != nil {
			return nil, err
		}
		c.kind = head.Type
		return c, nil
	case "update_task":
		return parseInto[UpdateTaskCommand](doc)
	case "heartbeat_add_job", "heartbeat_update_job":
		c, err := parseInto[HeartbeatJobCommand](doc)
		if err != nil {
			return nil, err
		}
		c.kind = head.Type
		return c, nil
	case "heartbeat_remove_job":
		return parseInto[HeartbeatRemoveCommand](doc)
	case "heartbeat_config":
		return parseInto[HeartbeatConfigCommand](doc)
	case "refresh_groups":
		return RefreshGroupsCommand{}, nil
	case "register_group":
		return parseInto[RegisterGroupCommand](doc)
	default:
		return nil, fmt.Errorf("op=ipc.Parse: %w: type %q", domain.ErrInvalidArgument, head.Type)
	}
}

func parseInto[T any](doc []byte) (T, error) {
	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		return v, fmt.Errorf("op=ipc.Parse: %w", err)
	}
	if err := validate.Struct(&v); err != nil {
		return v, fmt.Errorf("op=ipc.Parse: %w", err)
	}
	return v, nil
}
