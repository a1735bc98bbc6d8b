// Package testharness provides an in-process mock agent that dials the
// controller's /ws/agent endpoint like a real worker host would, for tests
// of the WebSocket transport and the scheduler end to end.
package testharness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/controller/internal/protocol"
)

// FakeAgent is an in-process mock agent for integration tests: it dials a
// controller's agent WebSocket endpoint, completes the agent_hello
// handshake, and answers every command_execute it receives according to a
// small set of configurable behaviors.
type FakeAgent struct {
	AgentID      string
	Hostname     string
	Roles        []string
	Tags         []string
	Capabilities map[string]string

	// ExitCode is returned for every command unless Handler overrides it.
	ExitCode int
	// Output, if non-empty, is streamed as one stdout chunk before the
	// command's result.
	Output string
	// Delay, if set, is slept before replying to a command_execute,
	// letting a test observe the task sitting in TaskRunning.
	Delay time.Duration
	// Handler, if set, overrides the default exit-code/output behavior and
	// is invoked once per received command_execute.
	Handler func(cmd *protocol.CommandExecute) (exitCode int, output string)

	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewFakeAgent creates a fake agent with a generated ID unless one is set
// via the returned struct's AgentID field before Connect.
func NewFakeAgent(logger *slog.Logger) *FakeAgent {
	return &FakeAgent{
		AgentID:  fmt.Sprintf("fake-agent-%d", time.Now().UnixNano()),
		Hostname: "fake-host",
		Roles:    []string{"worker"},
		ExitCode: 0,
		logger:   logger,
	}
}

// Connect dials the controller's agent WebSocket endpoint (an http(s) URL,
// converted to ws(s)) and sends the agent_hello handshake.
func (a *FakeAgent) Connect(ctx context.Context, httpURL string) error {
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("testharness: dialing %s: %w", wsURL, err)
	}

	hello := protocol.AgentHello{
		Kind:         protocol.MessageKindHello,
		ID:           a.AgentID,
		Hostname:     a.Hostname,
		Roles:        a.Roles,
		Tags:         a.Tags,
		Capabilities: a.Capabilities,
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return fmt.Errorf("testharness: sending agent_hello: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	return nil
}

// Close closes the underlying connection.
func (a *FakeAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

// Run reads messages from the controller until ctx is cancelled or the
// connection closes, answering every command_execute it sees. Callers
// typically run this in its own goroutine after Connect.
func (a *FakeAgent) Run(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("testharness: Run called before Connect")
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var envelope struct {
			Kind protocol.MessageKind `json:"kind"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			if a.logger != nil {
				a.logger.Warn("fakeagent: malformed message from controller", "error", err)
			}
			continue
		}

		switch envelope.Kind {
		case protocol.MessageKindCommand:
			var cmd protocol.CommandExecute
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			a.handleCommand(conn, &cmd)
		case protocol.MessageKindCancel:
			// Cancellation is observed implicitly: the handler for the
			// in-flight command_execute is what decides the eventual
			// command_result, matching how a real agent's shell process
			// would be signalled and then report its own exit code.
		default:
			if a.logger != nil {
				a.logger.Warn("fakeagent: unexpected message kind", "kind", envelope.Kind)
			}
		}
	}
}

func (a *FakeAgent) handleCommand(conn *websocket.Conn, cmd *protocol.CommandExecute) {
	if a.Delay > 0 {
		time.Sleep(a.Delay)
	}

	exitCode, output := a.ExitCode, a.Output
	if a.Handler != nil {
		exitCode, output = a.Handler(cmd)
	}

	if output != "" {
		conn.WriteJSON(&protocol.TaskOutput{
			Kind:         protocol.MessageKindOutput,
			TaskID:       cmd.TaskID,
			CommandIndex: cmd.CommandIndex,
			Stream:       "stdout",
			Content:      output,
		})
	}

	conn.WriteJSON(&protocol.CommandResult{
		Kind:         protocol.MessageKindResult,
		TaskID:       cmd.TaskID,
		CommandIndex: cmd.CommandIndex,
		ExitCode:     exitCode,
		DurationMs:   1,
	})
}

// SendHeartbeat sends one heartbeat frame with the given telemetry.
func (a *FakeAgent) SendHeartbeat(telemetry protocol.Telemetry) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("testharness: SendHeartbeat called before Connect")
	}
	return conn.WriteJSON(&protocol.Heartbeat{
		Kind:      protocol.MessageKindHeartbeat,
		AgentID:   a.AgentID,
		Telemetry: telemetry,
	})
}
