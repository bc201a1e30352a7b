package ipcfs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureGroupDirs_Layout(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	require.NoError(t, EnsureGroupDirs(dataDir, "ops"))
	for _, dir := range []string{
		InputDir(dataDir, "ops"),
		CommandDir(dataDir, "ops", "messages"),
		CommandDir(dataDir, "ops", "tasks"),
		ErrorsDir(dataDir, "ops"),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestWriteMessage_AtomicJSONDocument(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	require.NoError(t, WriteMessage(dataDir, "ops", "hello agent"))

	entries, err := os.ReadDir(InputDir(dataDir, "ops"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Regexp(t, `^\d+-\d{4}\.json$`, entries[0].Name())

	data, err := os.ReadFile(filepath.Join(InputDir(dataDir, "ops"), entries[0].Name()))
	require.NoError(t, err)
	var m InboundMessage
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "message", m.Type)
	assert.Equal(t, "hello agent", m.Text)
}

func TestWriteClose_ZeroByteSentinel(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	require.NoError(t, WriteClose(dataDir, "ops"))
	info, err := os.Stat(filepath.Join(InputDir(dataDir, "ops"), CloseSentinel))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestReadyFile_Lifecycle(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	assert.False(t, ReadyFileExists(dataDir, "ops"))

	require.NoError(t, os.MkdirAll(InputDir(dataDir, "ops"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(InputDir(dataDir, "ops"), ReadySentinel), nil, 0o644))
	assert.True(t, ReadyFileExists(dataDir, "ops"))

	RemoveReadyFile(dataDir, "ops")
	assert.False(t, ReadyFileExists(dataDir, "ops"))
}

func TestWriteAssignment_OverwritesAtomically(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	require.NoError(t, WriteAssignment(dataDir, "ops", []byte(`{"prompt":"one"}`)))
	require.NoError(t, WriteAssignment(dataDir, "ops", []byte(`{"prompt":"two"}`)))
	data, err := os.ReadFile(filepath.Join(InputDir(dataDir, "ops"), AssignmentFile))
	require.NoError(t, err)
	assert.JSONEq(t, `{"prompt":"two"}`, string(data))

	// No temp droppings left behind.
	entries, err := os.ReadDir(InputDir(dataDir, "ops"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteSnapshot(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	require.NoError(t, WriteSnapshot(dataDir, "ops", SnapshotTasks, []string{"a", "b"}))
	data, err := os.ReadFile(filepath.Join(GroupDir(dataDir, "ops"), SnapshotTasks))
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(data))
}
