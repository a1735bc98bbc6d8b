// Package receipt persists the outcome of each dispatched command, keyed by
// its idempotency key, so the dispatcher can recognize a redispatched
// command_execute after an agent reconnect and replay the stored result
// instead of running the command twice.
package receipt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentmesh/controller/internal/fsutil"
	"github.com/agentmesh/controller/internal/protocol"
)

// Receipt is the durable record of one executed command.
type Receipt struct {
	TaskID         string              `json:"task_id"`
	CommandIndex   int                 `json:"command_index"`
	IdempotencyKey string              `json:"idempotency_key"`
	AgentID        string              `json:"agent_id"`
	ExitCode       int                 `json:"exit_code"`
	Stdout         string              `json:"stdout"`
	Stderr         string              `json:"stderr"`
	DurationMs     int64               `json:"duration_ms"`
	Artifacts      []protocol.Artifact `json:"artifacts,omitempty"`
	CompletedAt    time.Time           `json:"completed_at"`
}

// New builds a receipt from a command's terminal result.
func New(taskID string, commandIndex int, ik, agentID string, result protocol.CommandResultRecord, artifacts []protocol.Artifact) *Receipt {
	return &Receipt{
		TaskID:         taskID,
		CommandIndex:   commandIndex,
		IdempotencyKey: ik,
		AgentID:        agentID,
		ExitCode:       result.ExitCode,
		Stdout:         result.Stdout,
		Stderr:         result.Stderr,
		DurationMs:     result.DurationMs,
		Artifacts:      artifacts,
		CompletedAt:    result.CompletedAt,
	}
}

// Write persists a receipt to disk atomically.
func Write(r *Receipt, path string) error {
	return fsutil.AtomicWriteJSON(path, r)
}

// Read loads a receipt from disk.
func Read(path string) (*Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read receipt: %w", err)
	}

	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}
	return &r, nil
}

// Path returns the standard location for a command's receipt:
// <data_root>/receipts/<task_id>/<command_index>.json
func Path(dataRoot, taskID string, commandIndex int) string {
	return filepath.Join(dataRoot, "receipts", taskID, fmt.Sprintf("%d.json", commandIndex))
}

// ListForTask returns every persisted receipt for a task, in no particular
// order. A task with no receipts yet returns an empty slice, not an error.
func ListForTask(dataRoot, taskID string) ([]*Receipt, error) {
	dir := filepath.Join(dataRoot, "receipts", taskID)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return []*Receipt{}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read receipts directory: %w", err)
	}

	var receipts []*Receipt
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		r, err := Read(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read receipt %s: %w", entry.Name(), err)
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

// FindByIK looks up the receipt for a specific command by idempotency key,
// if one has already been recorded. A nil result with a nil error means no
// matching receipt exists yet.
func FindByIK(dataRoot, taskID string, commandIndex int, ik string) (*Receipt, error) {
	path := Path(dataRoot, taskID, commandIndex)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	r, err := Read(path)
	if err != nil {
		return nil, err
	}
	if r.IdempotencyKey != ik {
		return nil, nil
	}
	return r, nil
}
