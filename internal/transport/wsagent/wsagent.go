// Package wsagent implements the §6.3 agent-facing WebSocket endpoint:
// upgrading an inbound connection, enforcing the agent_hello handshake
// deadline, and keeping the registry's view of the agent current for as
// long as the link stays open.
package wsagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/controller/internal/protocol"
	"github.com/agentmesh/controller/internal/registry"
)

// HelloTimeout bounds how long a newly accepted connection has to send its
// agent_hello before the controller closes it (§6.3).
const HelloTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatusBroadcaster is the subset of eventbus.Bus the handler needs to
// announce agent lifecycle changes to UI observers.
type StatusBroadcaster interface {
	Broadcast(env protocol.Envelope)
}

// Handler upgrades /ws/agent connections and runs each agent's link.
type Handler struct {
	registry *registry.Registry
	bus      StatusBroadcaster
	logger   *slog.Logger
}

// New creates an agent WebSocket handler bound to the controller's registry.
func New(reg *registry.Registry, bus StatusBroadcaster, logger *slog.Logger) *Handler {
	return &Handler{registry: reg, bus: bus, logger: logger}
}

// ServeHTTP upgrades the connection and blocks for the lifetime of the link.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("agent ws upgrade failed", "error", err)
		return
	}

	hello, err := h.awaitHello(conn)
	if err != nil {
		h.logger.Info("agent handshake failed", "error", err, "remote_addr", r.RemoteAddr)
		conn.Close()
		return
	}

	link := registry.NewAgentLink(hello.ID, conn, h.logger)
	agent, err := h.registry.Register(hello, link)
	if err != nil {
		h.logger.Warn("agent registration failed", "error", err)
		conn.Close()
		return
	}
	h.bus.Broadcast(protocol.Envelope{Kind: protocol.BroadcastAgentConnected, Payload: agent, EmittedAt: time.Now().UTC()})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.pumpSideChannels(ctx, hello.ID, link)

	link.Run(ctx)

	final, ok := h.registry.MarkOffline(hello.ID, link)
	if ok {
		h.bus.Broadcast(protocol.Envelope{Kind: protocol.BroadcastAgentDisconnected, Payload: final, EmittedAt: time.Now().UTC()})
	}
}

// awaitHello reads exactly one message, enforcing the 5s handshake deadline
// and rejecting anything that isn't a well-formed agent_hello.
func (h *Handler) awaitHello(conn *websocket.Conn) (protocol.AgentHello, error) {
	conn.SetReadDeadline(time.Now().Add(HelloTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.AgentHello{}, fmt.Errorf("wsagent: reading agent_hello: %w", err)
	}

	var hello protocol.AgentHello
	if err := json.Unmarshal(data, &hello); err != nil {
		return protocol.AgentHello{}, fmt.Errorf("wsagent: malformed agent_hello: %w", err)
	}
	if hello.Kind != protocol.MessageKindHello || hello.ID == "" {
		return protocol.AgentHello{}, fmt.Errorf("wsagent: first message was %q, want agent_hello", hello.Kind)
	}
	return hello, nil
}

// pumpSideChannels drains the heartbeat and ack channels AgentLink.Run
// populates but the dispatcher never reads, applying each heartbeat to the
// registry and broadcasting agent_updated when the telemetry delta is
// meaningful (§4.2, §4.6).
func (h *Handler) pumpSideChannels(ctx context.Context, agentID string, link *registry.AgentLink) {
	for {
		select {
		case <-ctx.Done():
			return

		case hb, ok := <-link.Heartbeats():
			if !ok {
				return
			}
			agent, found, meaningful := h.registry.UpdateHeartbeat(agentID, hb.Telemetry)
			if found && meaningful {
				h.bus.Broadcast(protocol.Envelope{Kind: protocol.BroadcastAgentUpdated, Payload: agent, EmittedAt: time.Now().UTC()})
			}

		case _, ok := <-link.Acks():
			if !ok {
				return
			}
			// Acks have no effect yet beyond confirming delivery; nothing in
			// the current protocol requires the controller to act on one.
		}
	}
}
