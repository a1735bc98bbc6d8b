// Package registry tracks connected agents and the live WebSocket link to
// each one, replacing a spawned subprocess with a remote, independently
// operated worker host (§2, §4.2, §6.3).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/controller/internal/protocol"
)

// AgentLink owns the WebSocket connection to one agent and demultiplexes
// its inbound messages onto typed channels for the dispatcher and registry
// to consume.
type AgentLink struct {
	agentID string
	conn    *websocket.Conn
	logger  *slog.Logger

	mu            sync.Mutex
	writeMu       sync.Mutex
	closed        bool
	lastHeartbeat time.Time
	exitChan      chan error

	heartbeats chan *protocol.Heartbeat
	outputs    chan *protocol.TaskOutput
	results    chan *protocol.CommandResult
	acks       chan *protocol.Ack
}

// NewAgentLink wraps an already-upgraded WebSocket connection for one agent.
func NewAgentLink(agentID string, conn *websocket.Conn, logger *slog.Logger) *AgentLink {
	return &AgentLink{
		agentID:    agentID,
		conn:       conn,
		logger:     logger,
		exitChan:   make(chan error, 1),
		heartbeats: make(chan *protocol.Heartbeat, 10),
		outputs:    make(chan *protocol.TaskOutput, 256),
		results:    make(chan *protocol.CommandResult, 16),
		acks:       make(chan *protocol.Ack, 16),
	}
}

// Run starts the read loop and blocks until the connection closes or ctx is
// cancelled. Callers should run it in its own goroutine.
func (l *AgentLink) Run(ctx context.Context) {
	defer close(l.heartbeats)
	defer close(l.outputs)
	defer close(l.results)
	defer close(l.acks)

	for {
		select {
		case <-ctx.Done():
			l.markClosed(ctx.Err())
			return
		default:
		}

		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.logger.Info("agent link closed", "agent_id", l.agentID, "error", err)
			l.markClosed(err)
			return
		}

		var envelope struct {
			Kind protocol.MessageKind `json:"kind"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			l.logger.Warn("malformed message from agent", "agent_id", l.agentID, "error", err)
			continue
		}

		switch envelope.Kind {
		case protocol.MessageKindHeartbeat:
			var hb protocol.Heartbeat
			if err := json.Unmarshal(data, &hb); err != nil {
				l.logger.Warn("malformed heartbeat", "agent_id", l.agentID, "error", err)
				continue
			}
			l.mu.Lock()
			l.lastHeartbeat = time.Now()
			l.mu.Unlock()
			select {
			case l.heartbeats <- &hb:
			case <-ctx.Done():
				return
			}

		case protocol.MessageKindOutput:
			var out protocol.TaskOutput
			if err := json.Unmarshal(data, &out); err != nil {
				l.logger.Warn("malformed task output", "agent_id", l.agentID, "error", err)
				continue
			}
			select {
			case l.outputs <- &out:
			case <-ctx.Done():
				return
			}

		case protocol.MessageKindResult:
			var res protocol.CommandResult
			if err := json.Unmarshal(data, &res); err != nil {
				l.logger.Warn("malformed command result", "agent_id", l.agentID, "error", err)
				continue
			}
			select {
			case l.results <- &res:
			case <-ctx.Done():
				return
			}

		case protocol.MessageKindAck:
			var ack protocol.Ack
			if err := json.Unmarshal(data, &ack); err != nil {
				l.logger.Warn("malformed ack", "agent_id", l.agentID, "error", err)
				continue
			}
			select {
			case l.acks <- &ack:
			case <-ctx.Done():
				return
			}

		default:
			l.logger.Warn("unexpected message kind from agent", "agent_id", l.agentID, "kind", envelope.Kind)
		}
	}
}

func (l *AgentLink) markClosed(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.exitChan <- err
}

// Send writes a message to the agent. Safe for concurrent callers.
func (l *AgentLink) Send(msg any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.Closed() {
		return fmt.Errorf("registry: agent link %s is closed", l.agentID)
	}
	return l.conn.WriteJSON(msg)
}

// Close terminates the underlying connection.
func (l *AgentLink) Close() error {
	return l.conn.Close()
}

// Closed reports whether the link's read loop has exited.
func (l *AgentLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Done resolves once the link closes, with the error (if any) that caused it.
func (l *AgentLink) Done() <-chan error {
	return l.exitChan
}

// Heartbeats returns the channel of inbound heartbeats.
func (l *AgentLink) Heartbeats() <-chan *protocol.Heartbeat { return l.heartbeats }

// Outputs returns the channel of streamed stdout/stderr chunks.
func (l *AgentLink) Outputs() <-chan *protocol.TaskOutput { return l.outputs }

// Results returns the channel of terminal command results.
func (l *AgentLink) Results() <-chan *protocol.CommandResult { return l.results }

// Acks returns the channel of message acknowledgements.
func (l *AgentLink) Acks() <-chan *protocol.Ack { return l.acks }

// LastHeartbeat reports when the most recent heartbeat was received.
func (l *AgentLink) LastHeartbeat() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHeartbeat
}
