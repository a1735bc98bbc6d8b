// Package wsclient implements the §6.2 UI-facing WebSocket endpoint: each
// connection gets an eventbus.Subscription and streams its queued envelopes
// out as JSON frames until the socket closes.
package wsclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentmesh/controller/internal/eventbus"
	"github.com/agentmesh/controller/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// pingPayload is the §6.2 client<->server keepalive frame, used both for the
// client's {"type":"ping"} and for the server's {"type":"pong"} reply.
type pingPayload struct {
	Type string `json:"type"`
}

// Handler upgrades /ws/client connections and streams bus envelopes to them.
type Handler struct {
	bus        *eventbus.Bus
	snapshotFn func() any
	logger     *slog.Logger
}

// New creates a UI WebSocket handler bound to the controller's event bus.
// snapshotFn, if non-nil, supplies the initial_state payload sent to every
// newly connected client.
func New(bus *eventbus.Bus, snapshotFn func() any, logger *slog.Logger) *Handler {
	return &Handler{bus: bus, snapshotFn: snapshotFn, logger: logger}
}

// ServeHTTP upgrades the connection, subscribes it to the bus, and runs its
// read and write pumps until either side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("client ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.New().String()
	sub := h.bus.Subscribe(id)
	defer h.bus.Unsubscribe(id)

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	if h.snapshotFn != nil {
		env := protocol.Envelope{Kind: protocol.BroadcastInitialState, Payload: h.snapshotFn(), EmittedAt: time.Now().UTC()}
		if err := writeJSON(env); err != nil {
			return
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.readPump(ctx, cancel, conn, writeJSON)
	h.writePump(ctx, sub, writeJSON)
}

// readPump handles {"type":"ping"} keepalives from the client and otherwise
// ignores inbound frames; the UI socket has no other client->server
// messages per §6.2. Any read error (including a normal close) cancels ctx
// so writePump unwinds. writeJSON is shared with writePump so the two
// goroutines never write to conn concurrently: gorilla/websocket allows
// only one writer at a time per connection, the same constraint
// registry.AgentLink's writeMu guards against.
func (h *Handler) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, writeJSON func(any) error) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg pingPayload
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := writeJSON(pingPayload{Type: "pong"}); err != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// writePump drains sub's queue and writes each envelope as its own JSON
// frame until ctx is cancelled.
func (h *Handler) writePump(ctx context.Context, sub *eventbus.Subscription, writeJSON func(any) error) {
	for {
		env, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := writeJSON(env); err != nil {
			return
		}
	}
}
