// Package snapshotstate persists periodic point-in-time snapshots of the
// task store and agent registry so a restarted controller can fast-forward
// most of the way to its prior state before replaying the tail of the audit
// ledger (§8 crash recovery).
package snapshotstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentmesh/controller/internal/fsutil"
	"github.com/agentmesh/controller/internal/protocol"
)

// Snapshot is a consistent point-in-time copy of controller state.
type Snapshot struct {
	TakenAt time.Time        `json:"taken_at"`
	LastSeq int64            `json:"last_seq"` // last audit ledger sequence number reflected here
	Tasks   []*protocol.Task `json:"tasks"`
	Agents  []protocol.Agent `json:"agents"`
}

// New builds a snapshot from the given task and agent slices, both of which
// the caller must already own (e.g. via Store.Snapshot()/Registry.List()).
func New(lastSeq int64, tasks []*protocol.Task, agents []protocol.Agent) *Snapshot {
	return &Snapshot{
		TakenAt: time.Now().UTC(),
		LastSeq: lastSeq,
		Tasks:   tasks,
		Agents:  agents,
	}
}

// Save writes the snapshot to disk atomically.
func Save(snap *Snapshot, path string) error {
	return fsutil.AtomicWriteJSON(path, snap)
}

// Load reads a snapshot from disk. A missing file is reported as an error;
// callers that treat "no prior snapshot" as valid should check os.IsNotExist
// on the returned error before falling back to a full ledger replay.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Path returns the standard location for the controller's state snapshot
// within its data directory.
func Path(dataRoot string) string {
	return filepath.Join(dataRoot, "state", "snapshot.json")
}
