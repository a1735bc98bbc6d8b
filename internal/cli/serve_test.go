package cli

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controller/internal/protocol"
	"github.com/agentmesh/controller/internal/tasks"
)

func testServeLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFailAbandonedRunningTasksFailsOnlyRunning(t *testing.T) {
	store := tasks.New()
	running := &protocol.Task{ID: "T-running", Status: protocol.TaskRunning, Version: 1}
	completed := &protocol.Task{ID: "T-completed", Status: protocol.TaskCompleted, Version: 1}
	store.Restore([]*protocol.Task{running, completed})

	n := failAbandonedRunningTasks(store, []*protocol.Task{running, completed}, testServeLogger())
	require.Equal(t, 1, n)

	got, err := store.Get("T-running")
	require.NoError(t, err)
	require.Equal(t, protocol.TaskFailed, got.Status)
	require.NotEmpty(t, got.Error)

	still, err := store.Get("T-completed")
	require.NoError(t, err)
	require.Equal(t, protocol.TaskCompleted, still.Status)
}

func TestFailAbandonedRunningTasksNoopWhenNoneRunning(t *testing.T) {
	store := tasks.New()
	completed := &protocol.Task{ID: "T-completed", Status: protocol.TaskCompleted, Version: 1}
	store.Restore([]*protocol.Task{completed})

	n := failAbandonedRunningTasks(store, []*protocol.Task{completed}, testServeLogger())
	require.Equal(t, 0, n)
}
