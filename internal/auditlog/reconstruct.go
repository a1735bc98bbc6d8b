package auditlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/agentmesh/controller/internal/protocol"
)

// Reconstruction is the result of replaying every audit file under a
// directory: the latest known state of every task mentioned, plus the
// command_execute records that never reached a matching command_result —
// the set a crash-recovery sweep must treat as abandoned.
type Reconstruction struct {
	Tasks           map[string]*protocol.Task
	PendingCommands []*protocol.CommandExecute
	LastSeq         int64
}

// Reconstruct replays every audit-*.jsonl file under dir in filename
// (hence chronological) order and folds task_updated records into the
// latest-known Task per id, the way ledger.Ledger.GetPendingCommands folds
// commands against their terminal events. Reconstruct tolerates a missing
// directory (a fresh controller with no audit history yet) by returning an
// empty Reconstruction.
func Reconstruct(dir string, logger *slog.Logger) (*Reconstruction, error) {
	paths, err := auditFilePaths(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Reconstruction{Tasks: map[string]*protocol.Task{}}, nil
		}
		return nil, err
	}

	tasks := make(map[string]*protocol.Task)
	dispatched := make(map[dispatchKey]*protocol.CommandExecute)
	var lastSeq int64

	for _, path := range paths {
		if err := replayFile(path, tasks, dispatched, &lastSeq, logger); err != nil {
			return nil, fmt.Errorf("auditlog: replaying %s: %w", path, err)
		}
	}

	pending := make([]*protocol.CommandExecute, 0, len(dispatched))
	for _, cmd := range dispatched {
		pending = append(pending, cmd)
	}

	return &Reconstruction{Tasks: tasks, PendingCommands: pending, LastSeq: lastSeq}, nil
}

type dispatchKey struct {
	taskID       string
	commandIndex int
}

func replayFile(path string, tasks map[string]*protocol.Task, dispatched map[dispatchKey]*protocol.CommandExecute, lastSeq *int64, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			logger.Warn("auditlog: skipping malformed record", "path", path, "error", err)
			break
		}
		*lastSeq++

		switch rec.Event {
		case EventCommandDispatched:
			var cmd protocol.CommandExecute
			if err := json.Unmarshal(rec.Details, &cmd); err != nil {
				continue
			}
			dispatched[dispatchKey{cmd.TaskID, cmd.CommandIndex}] = &cmd

		case EventCommandResult:
			var res protocol.CommandResult
			if err := json.Unmarshal(rec.Details, &res); err != nil {
				continue
			}
			delete(dispatched, dispatchKey{res.TaskID, res.CommandIndex})

		case EventTaskUpdated:
			var task protocol.Task
			if err := json.Unmarshal(rec.Details, &task); err != nil {
				continue
			}
			if existing, ok := tasks[task.ID]; !ok || task.Version >= existing.Version {
				tasks[task.ID] = &task
			}
		}
	}
	return nil
}

// auditFilePaths returns every audit-*.jsonl file under dir, sorted by
// name, which sorts chronologically because of the YYYY-MM-DD suffix.
func auditFilePaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		matched, _ := filepath.Match("audit-*.jsonl", e.Name())
		if matched {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
