// Package dispatch translates an approved task's plan into dispatch-ready
// wire messages, attaching the idempotency key each command needs so a
// reconnecting agent can detect a replayed command_execute.
package dispatch

import (
	"fmt"

	"github.com/agentmesh/controller/internal/idempotency"
	"github.com/agentmesh/controller/internal/protocol"
)

// BuildCommandExecute constructs the wire message for one command within a
// task's plan. commandIndex must be a valid index into task.Plan.Commands.
func BuildCommandExecute(task *protocol.Task, commandIndex int) (*protocol.CommandExecute, error) {
	if task == nil {
		return nil, fmt.Errorf("dispatch: task is nil")
	}
	if task.Plan == nil {
		return nil, fmt.Errorf("dispatch: task %s has no plan", task.ID)
	}
	if commandIndex < 0 || commandIndex >= len(task.Plan.Commands) {
		return nil, fmt.Errorf("dispatch: task %s command index %d out of range (have %d)", task.ID, commandIndex, len(task.Plan.Commands))
	}

	cmd := task.Plan.Commands[commandIndex]
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: task %s command[%d]: %w", task.ID, commandIndex, err)
	}

	ik, err := idempotency.GenerateIK(task.ID, commandIndex, cmd)
	if err != nil {
		return nil, fmt.Errorf("dispatch: generating idempotency key: %w", err)
	}

	return &protocol.CommandExecute{
		Kind:           protocol.MessageKindCommand,
		TaskID:         task.ID,
		CommandIndex:   commandIndex,
		IdempotencyKey: ik,
		Dir:            cmd.Dir,
		Run:            cmd.Run,
		TimeoutSeconds: cmd.ResolvedTimeoutSeconds(),
		Env:            cmd.Env,
	}, nil
}

// BuildAllCommands builds the wire message for every command in the task's
// plan, in order.
func BuildAllCommands(task *protocol.Task) ([]*protocol.CommandExecute, error) {
	if task == nil || task.Plan == nil {
		return nil, fmt.Errorf("dispatch: task has no plan")
	}

	out := make([]*protocol.CommandExecute, len(task.Plan.Commands))
	for i := range task.Plan.Commands {
		cmd, err := BuildCommandExecute(task, i)
		if err != nil {
			return nil, err
		}
		out[i] = cmd
	}
	return out, nil
}
