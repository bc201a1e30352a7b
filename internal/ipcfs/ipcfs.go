// Package ipcfs owns the on-disk IPC inbox layout shared between the
// orchestrator and container agents.
//
// Per group, under <dataDir>/ipc/<folder>/:
//
//	input/<epoch>-<rand>.json  follow-up message for a running agent
//	input/_close               zero-byte close sentinel
//	input/_assignment.json     pool-acquired task input
//	input/_ready               zero-byte handshake from a warming container
//	messages/, tasks/          HMAC-signed commands from containers
//	errors/                    quarantined command files
//
// Writes into input/ use temp+rename so the agent never observes a partial
// JSON document.
package ipcfs

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

// Inbox file names with special meaning to the agent.
const (
	CloseSentinel  = "_close"
	ReadySentinel  = "_ready"
	AssignmentFile = "_assignment.json"
	// SnapshotTasks and SnapshotGroups are read by the agent at startup.
	SnapshotTasks  = "scheduled_tasks.json"
	SnapshotGroups = "available_groups.json"
	// SnapshotHeartbeatJobs mirrors active heartbeat jobs for containers.
	SnapshotHeartbeatJobs = "heartbeat_jobs.json"
)

// GroupDir returns the IPC root for one group folder.
func GroupDir(dataDir, folder string) string {
	return filepath.Join(dataDir, "ipc", folder)
}

// InputDir returns the agent-facing inbox for one group folder.
func InputDir(dataDir, folder string) string {
	return filepath.Join(GroupDir(dataDir, folder), "input")
}

// CommandDir returns the orchestrator-facing command directory (messages or
// tasks) for one group folder.
func CommandDir(dataDir, folder, kind string) string {
	return filepath.Join(GroupDir(dataDir, folder), kind)
}

// ErrorsDir returns the quarantine directory for malformed command files.
func ErrorsDir(dataDir, folder string) string {
	return filepath.Join(GroupDir(dataDir, folder), "errors")
}

// EnsureGroupDirs creates the full inbox layout for one group folder.
func EnsureGroupDirs(dataDir, folder string) error {
	for _, d := range []string{
		InputDir(dataDir, folder),
		CommandDir(dataDir, folder, "messages"),
		CommandDir(dataDir, folder, "tasks"),
		ErrorsDir(dataDir, folder),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("op=ipcfs.EnsureGroupDirs: %w", err)
		}
	}
	return nil
}

// InboundMessage is the JSON document for a follow-up message file.
type InboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// WriteMessage atomically drops a follow-up message into a group's inbox.
func WriteMessage(dataDir, folder, text string) error {
	doc, err := json.Marshal(InboundMessage{Type: "message", Text: text})
	if err != nil {
		return fmt.Errorf("op=ipcfs.WriteMessage: %w", err)
	}
	name := fmt.Sprintf("%d-%04d.json", time.Now().UnixMilli(), rand.Intn(10000))
	return atomicWrite(InputDir(dataDir, folder), name, doc)
}

// WriteClose drops the zero-byte close sentinel into a group's inbox. The
// agent exits its input loop after flushing.
func WriteClose(dataDir, folder string) error {
	return atomicWrite(InputDir(dataDir, folder), CloseSentinel, nil)
}

// WriteAssignment atomically hands a task document to a standby container.
func WriteAssignment(dataDir, folder string, doc []byte) error {
	return atomicWrite(InputDir(dataDir, folder), AssignmentFile, doc)
}

// ReadyFileExists reports whether the warm-pool handshake file is present.
func ReadyFileExists(dataDir, folder string) bool {
	_, err := os.Stat(filepath.Join(InputDir(dataDir, folder), ReadySentinel))
	return err == nil
}

// RemoveReadyFile consumes the warm-pool handshake file.
func RemoveReadyFile(dataDir, folder string) {
	_ = os.Remove(filepath.Join(InputDir(dataDir, folder), ReadySentinel))
}

// WriteSnapshot atomically writes a JSON snapshot file into the group's IPC
// root (not the inbox; snapshots are reference data, not signals).
func WriteSnapshot(dataDir, folder, name string, v any) error {
	doc, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("op=ipcfs.WriteSnapshot: %w", err)
	}
	return atomicWrite(GroupDir(dataDir, folder), name, doc)
}

// atomicWrite lands data under dir/name via a temp file and rename so
// watchers never see partial content. A nil payload produces a zero-byte
// file (sentinels).
func atomicWrite(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("op=ipcfs.atomicWrite: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("op=ipcfs.atomicWrite: %w", err)
	}
	tmpName := tmp.Name()
	if len(data) > 0 {
		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("op=ipcfs.atomicWrite: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("op=ipcfs.atomicWrite: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("op=ipcfs.atomicWrite: %w", err)
	}
	return nil
}
