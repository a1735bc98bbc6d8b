// Package auditlog writes the controller's append-only NDJSON audit trail
// (§6.6) and reconstructs in-memory state from it on restart.
package auditlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/controller/internal/ndjson"
	"github.com/agentmesh/controller/internal/protocol"
)

// EventKind names the meaning of an audit Record, analogous to the
// teacher's protocol.Event.Event string but scoped to this domain.
type EventKind string

const (
	EventCommandDispatched EventKind = "command_dispatched"
	EventTaskOutput        EventKind = "task_output"
	EventCommandResult     EventKind = "command_result"
	EventTaskUpdated       EventKind = "task_updated"
)

// Record is one line of the audit log: a timestamped, versioned fact about
// a task. Details holds the event-specific payload so the file format
// stays uniform across record kinds.
type Record struct {
	Timestamp time.Time       `json:"ts"`
	TaskID    string          `json:"task_id"`
	Event     EventKind       `json:"event"`
	Version   int64           `json:"version,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Log appends records to a daily-rotated NDJSON file under dir
// (audit-YYYY-MM-DD.jsonl). Writes are best-effort: a failure to append is
// logged and counted but never returned as fatal to the caller, per §6.6 —
// audit-write failures never block task progress.
type Log struct {
	dir    string
	logger *slog.Logger

	mu          sync.Mutex
	file        *os.File
	encoder     *ndjson.Encoder
	currentDate string

	failures atomic.Int64
}

// New returns a Log rooted at dir without touching the filesystem: the
// directory is created and the first file opened lazily on the first write,
// so constructing a Log never fails.
func New(dir string, logger *slog.Logger) *Log {
	return &Log{dir: dir, logger: logger}
}

// FailureCount returns the number of best-effort write failures observed
// so far, exposed via /health per §6.6.
func (l *Log) FailureCount() int64 { return l.failures.Load() }

// Close closes the currently open audit file, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.encoder = nil
	return err
}

func (l *Log) write(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := rec.Timestamp
	date := now.Format("2006-01-02")
	if l.file == nil || date != l.currentDate {
		if l.file != nil {
			l.file.Close()
		}
		path := filepath.Join(l.dir, fmt.Sprintf("audit-%s.jsonl", date))
		if err := os.MkdirAll(l.dir, 0700); err != nil {
			l.failures.Add(1)
			return fmt.Errorf("auditlog: creating directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			l.failures.Add(1)
			return fmt.Errorf("auditlog: opening %s: %w", path, err)
		}
		l.file = f
		l.encoder = ndjson.NewEncoder(f, l.logger)
		l.currentDate = date
	}

	if err := l.encoder.Encode(rec); err != nil {
		l.failures.Add(1)
		return fmt.Errorf("auditlog: encoding record: %w", err)
	}
	return nil
}

func marshalDetails(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// WriteCommand records a dispatched command_execute.
func (l *Log) WriteCommand(taskID string, cmd *protocol.CommandExecute) error {
	err := l.write(Record{
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
		Event:     EventCommandDispatched,
		Details:   marshalDetails(cmd),
	})
	if err != nil {
		l.logger.Warn("auditlog: failed to write command", "task_id", taskID, "error", err)
	}
	return err
}

// WriteOutput records a streamed output chunk.
func (l *Log) WriteOutput(out *protocol.TaskOutput) error {
	err := l.write(Record{
		Timestamp: time.Now().UTC(),
		TaskID:    out.TaskID,
		Event:     EventTaskOutput,
		Details:   marshalDetails(out),
	})
	if err != nil {
		l.logger.Warn("auditlog: failed to write output", "task_id", out.TaskID, "error", err)
	}
	return err
}

// WriteResult records a command's terminal result.
func (l *Log) WriteResult(res *protocol.CommandResult) error {
	err := l.write(Record{
		Timestamp: time.Now().UTC(),
		TaskID:    res.TaskID,
		Event:     EventCommandResult,
		Details:   marshalDetails(res),
	})
	if err != nil {
		l.logger.Warn("auditlog: failed to write result", "task_id", res.TaskID, "error", err)
	}
	return err
}

// WriteTaskUpdated records a task's full state after a status transition,
// the unit that §8's "no subscriber sees an older version" property is
// checked against on replay.
func (l *Log) WriteTaskUpdated(task *protocol.Task, actor string) error {
	err := l.write(Record{
		Timestamp: time.Now().UTC(),
		TaskID:    task.ID,
		Event:     EventTaskUpdated,
		Version:   task.Version,
		Actor:     actor,
		Details:   marshalDetails(task),
	})
	if err != nil {
		l.logger.Warn("auditlog: failed to write task_updated", "task_id", task.ID, "error", err)
	}
	return err
}
