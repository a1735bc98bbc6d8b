// Package protocol defines the wire types exchanged between the controller,
// remote agents, and UI observers, plus the domain types (Agent, Plan, Task)
// those wire types are built from. Vendor LLM SDK types never appear here.
package protocol

import (
	"fmt"
	"time"

	"github.com/agentmesh/controller/internal/checksum"
)

// MessageKind identifies the envelope type of a message on the agent link.
type MessageKind string

const (
	MessageKindHello     MessageKind = "agent_hello"
	MessageKindHeartbeat MessageKind = "heartbeat"
	MessageKindCommand   MessageKind = "command_execute"
	MessageKindCancel    MessageKind = "command_cancel"
	MessageKindOutput    MessageKind = "task_output"
	MessageKindResult    MessageKind = "command_result"
	MessageKindAck       MessageKind = "ack"
	MessageKindPing      MessageKind = "ping"
	MessageKindPong      MessageKind = "pong"
)

// AgentStatus represents the liveness state of a registered agent.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)

// Telemetry captures a rolling snapshot of agent resource usage.
type Telemetry struct {
	CPUPercent  float64 `json:"cpu_pct"`
	MemPercent  float64 `json:"mem_pct"`
	DiskPercent float64 `json:"disk_pct"`
	Load1       float64 `json:"load1"`
}

// MeaningfulDelta reports whether any field moved by at least frac (e.g. 0.05
// for 5%) relative to prev. Used by the registry to decide whether a
// heartbeat's telemetry update is worth broadcasting.
func (t Telemetry) MeaningfulDelta(prev Telemetry, frac float64) bool {
	changed := func(a, b float64) bool {
		if a == 0 && b == 0 {
			return false
		}
		base := a
		if base == 0 {
			base = b
		}
		diff := a - b
		if diff < 0 {
			diff = -diff
		}
		return diff/absFloat(base) >= frac
	}
	return changed(t.CPUPercent, prev.CPUPercent) ||
		changed(t.MemPercent, prev.MemPercent) ||
		changed(t.DiskPercent, prev.DiskPercent) ||
		changed(t.Load1, prev.Load1)
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// AgentHello is sent by an agent immediately after connecting.
type AgentHello struct {
	Kind         MessageKind       `json:"kind"`
	ID           string            `json:"id"`
	Hostname     string            `json:"hostname"`
	DisplayName  string            `json:"display_name,omitempty"`
	Roles        []string          `json:"roles"`
	Tags         []string          `json:"tags,omitempty"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// Heartbeat is sent periodically by an agent for liveness and telemetry.
type Heartbeat struct {
	Kind      MessageKind `json:"kind"`
	AgentID   string      `json:"agent_id"`
	Telemetry Telemetry   `json:"telemetry"`
}

// CommandExecute is sent from the controller to an agent to run one command.
type CommandExecute struct {
	Kind           MessageKind       `json:"kind"`
	TaskID         string            `json:"task_id"`
	CommandIndex   int               `json:"command_index"`
	IdempotencyKey string            `json:"idempotency_key"`
	Dir            string            `json:"dir"`
	Run            string            `json:"run"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Env            map[string]string `json:"env,omitempty"`
}

// CommandCancel asks an agent to abort the in-flight command for a task.
type CommandCancel struct {
	Kind         MessageKind `json:"kind"`
	TaskID       string      `json:"task_id"`
	CommandIndex int         `json:"command_index"`
}

// TaskOutput is a streamed stdout/stderr chunk from an agent.
type TaskOutput struct {
	Kind         MessageKind `json:"kind"`
	TaskID       string      `json:"task_id"`
	CommandIndex int         `json:"command_index"`
	Stream       string      `json:"stream"` // "stdout" | "stderr"
	Content      string      `json:"content"`
}

// CommandResult is the terminal report for one executed command.
type CommandResult struct {
	Kind         MessageKind `json:"kind"`
	TaskID       string      `json:"task_id"`
	CommandIndex int         `json:"command_index"`
	ExitCode     int         `json:"exit_code"`
	Stdout       string      `json:"stdout,omitempty"`
	Stderr       string      `json:"stderr,omitempty"`
	DurationMs   int64       `json:"duration_ms"`
}

// Ack acknowledges receipt of a message by message id.
type Ack struct {
	Kind  MessageKind `json:"kind"`
	MsgID string      `json:"msg_id"`
}

// Artifact describes a file an agent reports having produced or touched.
type Artifact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Validate checks that an artifact's digest is well formed. It never
// verifies the digest against file contents: the controller has no access
// to the agent's filesystem, which belongs to the agent-side sandbox, itself
// out of scope for this package.
func (a Artifact) Validate() error {
	if a.Path == "" {
		return fmt.Errorf("protocol: artifact missing path")
	}
	if !checksum.IsValidFormat(a.SHA256) {
		return fmt.Errorf("protocol: artifact %s has malformed sha256 %q", a.Path, a.SHA256)
	}
	return nil
}

// BroadcastKind enumerates well-known event-bus broadcast message types (§4.6).
type BroadcastKind string

const (
	BroadcastInitialState      BroadcastKind = "initial_state"
	BroadcastAgentConnected    BroadcastKind = "agent_connected"
	BroadcastAgentDisconnected BroadcastKind = "agent_disconnected"
	BroadcastAgentUpdated      BroadcastKind = "agent_updated"
	BroadcastTaskUpdated       BroadcastKind = "task_updated"
	BroadcastTaskOutput        BroadcastKind = "task_output"
	BroadcastTaskOutputTrunc   BroadcastKind = "task_output_truncated"
	BroadcastCommandResult     BroadcastKind = "command_result"
)

// Envelope wraps every message delivered to a UI observer.
type Envelope struct {
	Kind      BroadcastKind `json:"kind"`
	Payload   any           `json:"payload"`
	EmittedAt time.Time     `json:"emitted_at"`
}
