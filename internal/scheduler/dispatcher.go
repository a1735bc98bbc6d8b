// Package scheduler implements the dispatcher: the component that walks a
// ready task's plan one command at a time, sends each to the assigned
// agent, and waits for its terminal result before moving on (§4.5).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentmesh/controller/internal/ctlerr"
	"github.com/agentmesh/controller/internal/dispatch"
	"github.com/agentmesh/controller/internal/protocol"
	"github.com/agentmesh/controller/internal/receipt"
	"github.com/agentmesh/controller/internal/tasks"
)

// ExitTimeout, ExitDisconnected, and ExitCancelled are the synthetic exit
// codes recorded when a command never produces a command_result because it
// ran past its deadline, the agent vanished mid-command, or a human
// cancelled the task while it was running (§4.5, §4.4).
const (
	ExitTimeout      = -2
	ExitDisconnected = -3
	ExitCancelled    = -1
)

// CancelGrace is how long the dispatcher waits for the agent to acknowledge
// a command_cancel before forcing the task transition through anyway (§5).
const CancelGrace = 5 * time.Second

// AgentSender is the subset of registry.AgentLink the dispatcher needs: the
// ability to push a message to the agent and receive its streamed output,
// terminal results, and disconnect signal.
type AgentSender interface {
	Send(msg any) error
	Outputs() <-chan *protocol.TaskOutput
	Results() <-chan *protocol.CommandResult
	Done() <-chan error
}

// AuditLogger records every dispatched command and its outcome to the
// append-only ledger (§6.6).
type AuditLogger interface {
	WriteCommand(taskID string, cmd *protocol.CommandExecute) error
	WriteOutput(out *protocol.TaskOutput) error
	WriteResult(res *protocol.CommandResult) error
}

// TranscriptFormatter renders dispatcher activity for console display.
type TranscriptFormatter interface {
	FormatCommand(cmd *protocol.CommandExecute) string
	FormatOutput(out *protocol.TaskOutput) string
	FormatResult(res *protocol.CommandResult) string
}

// Dispatcher drives one task's plan to completion against its assigned
// agent's link.
type Dispatcher struct {
	store    *tasks.Store
	dataRoot string
	logger   *slog.Logger

	audit        AuditLogger
	transcript   TranscriptFormatter
	onOutput     func(*protocol.TaskOutput)
	onResult     func(taskID string, record protocol.CommandResultRecord)
	onTaskUpdate func(*protocol.Task)
}

// New creates a dispatcher bound to the task store and the controller's
// data root (for receipts).
func New(store *tasks.Store, dataRoot string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, dataRoot: dataRoot, logger: logger}
}

// SetAuditLogger sets the append-only ledger sink.
func (d *Dispatcher) SetAuditLogger(a AuditLogger) { d.audit = a }

// SetTranscriptFormatter sets the console transcript formatter.
func (d *Dispatcher) SetTranscriptFormatter(f TranscriptFormatter) { d.transcript = f }

// OnOutput registers a callback invoked for every streamed output chunk,
// used to fan output out to UI observers via the event bus.
func (d *Dispatcher) OnOutput(fn func(*protocol.TaskOutput)) { d.onOutput = fn }

// OnCommandResult registers a callback invoked after each command
// completes (successfully, with error, by timeout, or by disconnect).
func (d *Dispatcher) OnCommandResult(fn func(taskID string, record protocol.CommandResultRecord)) {
	d.onResult = fn
}

// OnTaskUpdate registers a callback invoked every time the dispatcher
// mutates the task's stored state: the ready->running transition, each
// command's recorded result, and the final terminal transition. This is
// what lets the event bus broadcast task_updated per §5's ordering
// guarantee instead of once when the whole plan finishes.
func (d *Dispatcher) OnTaskUpdate(fn func(*protocol.Task)) {
	d.onTaskUpdate = fn
}

func (d *Dispatcher) notify(task *protocol.Task) {
	if d.onTaskUpdate != nil && task != nil {
		d.onTaskUpdate(task)
	}
}

// Dispatch runs every command in the task's plan against agentID's link,
// in order, stopping at the first failing command unless it is marked
// continue_on_error. The task must already be in TaskReady status; Dispatch
// transitions it to TaskRunning on entry and to a terminal status on exit.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID, agentID string, link AgentSender) error {
	task, err := d.store.Get(taskID)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if task.Plan == nil {
		return fmt.Errorf("scheduler: task %s has no plan", taskID)
	}

	running, err := d.store.TransitionTo(taskID, protocol.TaskRunning)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	d.notify(running)

	for i, cmd := range task.Plan.Commands {
		record, runErr := d.runOne(ctx, task, i, cmd, agentID, link)

		updated, _ := d.store.Mutate(taskID, func(t *protocol.Task) error {
			t.Results = append(t.Results, record)
			t.Output += fmt.Sprintf("[cmd %d] ", i) + record.Stdout + record.Stderr
			return nil
		})
		if d.onResult != nil {
			d.onResult(taskID, record)
		}
		d.notify(updated)

		if runErr != nil {
			next := protocol.TaskFailed
			if errors.Is(runErr, ctlerr.ErrCancelledByUser) {
				next = protocol.TaskCancelled
			}
			if t, err := d.store.TransitionTo(taskID, next); err == nil {
				d.notify(t)
			}
			return runErr
		}

		failed := record.ExitCode != 0
		if failed && !cmd.ContinueOnError {
			failedTask, _ := d.store.Mutate(taskID, func(t *protocol.Task) error {
				t.Error = fmt.Sprintf("command[%d] exited %d", i, record.ExitCode)
				return nil
			})
			d.notify(failedTask)
			if t, err := d.store.TransitionTo(taskID, protocol.TaskFailed); err == nil {
				d.notify(t)
			}
			return fmt.Errorf("scheduler: task %s command[%d] failed with exit code %d", taskID, i, record.ExitCode)
		}
	}

	completed, err := d.store.TransitionTo(taskID, protocol.TaskCompleted)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	d.notify(completed)
	return nil
}

// runOne sends one command and waits for its terminal outcome.
func (d *Dispatcher) runOne(ctx context.Context, task *protocol.Task, index int, cmd protocol.Command, agentID string, link AgentSender) (protocol.CommandResultRecord, error) {
	wire, err := dispatch.BuildCommandExecute(task, index)
	if err != nil {
		return protocol.CommandResultRecord{}, err
	}

	if existing, err := receipt.FindByIK(d.dataRoot, task.ID, index, wire.IdempotencyKey); err == nil && existing != nil {
		d.logger.Info("skipping already-completed command", "task_id", task.ID, "command_index", index)
		return protocol.CommandResultRecord{
			CommandIndex: index,
			ExitCode:     existing.ExitCode,
			Stdout:       existing.Stdout,
			Stderr:       existing.Stderr,
			DurationMs:   existing.DurationMs,
			CompletedAt:  existing.CompletedAt,
		}, nil
	}

	if d.audit != nil {
		if err := d.audit.WriteCommand(task.ID, wire); err != nil {
			d.logger.Warn("failed to write command to audit log", "error", err)
		}
	}
	if d.transcript != nil {
		fmt.Println(d.transcript.FormatCommand(wire))
	}

	if err := link.Send(wire); err != nil {
		return protocol.CommandResultRecord{}, fmt.Errorf("scheduler: sending command[%d] to agent: %w", index, err)
	}

	timeout := time.Duration(cmd.ResolvedTimeoutSeconds()) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var stdout, stderr string
	for {
		select {
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), ctlerr.ErrCancelledByUser) {
				link.Send(&protocol.CommandCancel{Kind: protocol.MessageKindCancel, TaskID: task.ID, CommandIndex: index})
				select {
				case <-time.After(CancelGrace):
				case <-link.Done():
				}
				record, _ := d.finalize(task.ID, index, wire.IdempotencyKey, agentID, ExitCancelled, stdout, stderr, 0, time.Now().UTC())
				return record, ctlerr.ErrCancelledByUser
			}
			return protocol.CommandResultRecord{}, ctx.Err()

		case <-timer.C:
			link.Send(&protocol.CommandCancel{Kind: protocol.MessageKindCancel, TaskID: task.ID, CommandIndex: index})
			return d.finalize(task.ID, index, wire.IdempotencyKey, agentID, ExitTimeout, stdout, stderr, 0, time.Now().UTC())

		case err, ok := <-link.Done():
			if !ok {
				continue
			}
			d.logger.Warn("agent disconnected mid-command", "task_id", task.ID, "command_index", index, "error", err)
			return d.finalize(task.ID, index, wire.IdempotencyKey, agentID, ExitDisconnected, stdout, stderr, 0, time.Now().UTC())

		case out, ok := <-link.Outputs():
			if !ok {
				continue
			}
			if d.audit != nil {
				d.audit.WriteOutput(out)
			}
			if d.transcript != nil {
				fmt.Println(d.transcript.FormatOutput(out))
			}
			if d.onOutput != nil {
				d.onOutput(out)
			}
			if out.Stream == "stderr" {
				stderr += out.Content
			} else {
				stdout += out.Content
			}

		case res, ok := <-link.Results():
			if !ok {
				continue
			}
			if res.TaskID != task.ID || res.CommandIndex != index {
				continue
			}
			if d.audit != nil {
				d.audit.WriteResult(res)
			}
			if d.transcript != nil {
				fmt.Println(d.transcript.FormatResult(res))
			}
			if res.Stdout != "" {
				stdout = res.Stdout
			}
			return d.finalize(task.ID, index, wire.IdempotencyKey, agentID, res.ExitCode, stdout, res.Stderr, res.DurationMs, time.Now().UTC())
		}
	}
}

func (d *Dispatcher) finalize(taskID string, index int, ik, agentID string, exitCode int, stdout, stderr string, durationMs int64, completedAt time.Time) (protocol.CommandResultRecord, error) {
	record := protocol.CommandResultRecord{
		CommandIndex: index,
		ExitCode:     exitCode,
		Stdout:       stdout,
		Stderr:       stderr,
		DurationMs:   durationMs,
		CompletedAt:  completedAt,
	}

	r := receipt.New(taskID, index, ik, agentID, record, nil)
	if err := receipt.Write(r, receipt.Path(d.dataRoot, taskID, index)); err != nil {
		d.logger.Warn("failed to write receipt", "task_id", taskID, "command_index", index, "error", err)
	}
	return record, nil
}
