package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/controller/internal/protocol"
)

// HeartbeatTimeout is how long a registered agent may go without a
// heartbeat before the registry marks it offline (§4.2).
const HeartbeatTimeout = 30 * time.Second

// TelemetryDeltaFraction is the minimum fractional change in any telemetry
// field that makes a heartbeat update worth broadcasting (§4.2, §4.6).
const TelemetryDeltaFraction = 0.05

// Link is the subset of AgentLink the registry and its callers (the
// dispatcher, via scheduler.AgentSender) need. Defining it here rather than
// depending on the concrete *AgentLink type lets tests substitute an
// in-memory double without opening a real WebSocket connection.
type Link interface {
	Send(msg any) error
	Outputs() <-chan *protocol.TaskOutput
	Results() <-chan *protocol.CommandResult
	Done() <-chan error
	Close() error
	Closed() bool
}

type entry struct {
	agent protocol.Agent
	link  Link
}

// Registry is the controller's mutex-guarded directory of connected agents.
type Registry struct {
	mu               sync.RWMutex
	agents           map[string]*entry
	logger           *slog.Logger
	heartbeatTimeout time.Duration
}

// New creates an empty registry using the default HeartbeatTimeout.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		agents:           make(map[string]*entry),
		logger:           logger,
		heartbeatTimeout: HeartbeatTimeout,
	}
}

// SetHeartbeatTimeout overrides the default HeartbeatTimeout, letting
// AGENT_HEARTBEAT_TIMEOUT_SECONDS (§6.7) govern how long an agent may go
// silent before SweepStale marks it offline.
func (r *Registry) SetHeartbeatTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeatTimeout = d
}

// Register records a newly connected agent and its link, replacing any
// stale entry for the same ID from a prior connection.
func (r *Registry) Register(hello protocol.AgentHello, link Link) (protocol.Agent, error) {
	if hello.ID == "" {
		return protocol.Agent{}, fmt.Errorf("registry: agent_hello missing id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[hello.ID]; ok && existing.link != nil && !existing.link.Closed() {
		existing.link.Close()
	}

	agent := protocol.Agent{
		ID:              hello.ID,
		Hostname:        hello.Hostname,
		DisplayName:     hello.DisplayName,
		Roles:           append([]string(nil), hello.Roles...),
		Tags:            append([]string(nil), hello.Tags...),
		Capabilities:    hello.Capabilities,
		Status:          protocol.AgentStatusOnline,
		LastHeartbeatAt: time.Now().UTC(),
	}
	r.agents[hello.ID] = &entry{agent: agent, link: link}

	r.logger.Info("agent registered", "agent_id", hello.ID, "hostname", hello.Hostname, "roles", hello.Roles)
	return agent.Clone(), nil
}

// Unregister removes an agent from the registry, e.g. after its link closes.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// MarkOffline flips an agent's status to offline without removing its
// record, so its task history and last-known telemetry remain visible.
// link must be the caller's own connection: if a newer connection has
// already replaced it in the registry (the reconnection race in §8), the
// call no-ops rather than marking the live connection offline out from
// under it.
func (r *Registry) MarkOffline(agentID string, link Link) (protocol.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok || e.link != link {
		return protocol.Agent{}, false
	}
	e.agent.Status = protocol.AgentStatusOffline
	return e.agent.Clone(), true
}

// UpdateHeartbeat applies a heartbeat's telemetry to the agent's record and
// reports whether the change was meaningful enough to broadcast.
func (r *Registry) UpdateHeartbeat(agentID string, tel protocol.Telemetry) (protocol.Agent, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return protocol.Agent{}, false, false
	}

	meaningful := tel.MeaningfulDelta(e.agent.Telemetry, TelemetryDeltaFraction)
	e.agent.Telemetry = tel
	e.agent.LastHeartbeatAt = time.Now().UTC()
	if e.agent.Status == protocol.AgentStatusOffline {
		e.agent.Status = protocol.AgentStatusOnline
		meaningful = true
	}
	return e.agent.Clone(), true, meaningful
}

// SetActiveTaskCount updates the agent's running-task counter, used to
// enforce capability-gated concurrency limits.
func (r *Registry) SetActiveTaskCount(agentID string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.agent.ActiveTaskCount = count
		if count > 0 {
			e.agent.Status = protocol.AgentStatusBusy
		} else if e.agent.Status == protocol.AgentStatusBusy {
			e.agent.Status = protocol.AgentStatusOnline
		}
	}
}

// Get returns a deep copy of an agent's record.
func (r *Registry) Get(agentID string) (protocol.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return protocol.Agent{}, false
	}
	return e.agent.Clone(), true
}

// Link returns the live connection for an agent, if it is still connected.
func (r *Registry) Link(agentID string) (Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok || e.link == nil {
		return nil, false
	}
	return e.link, true
}

// List returns a deep copy of every registered agent.
func (r *Registry) List() []protocol.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.agent.Clone())
	}
	return out
}

// SelectForRole returns online, idle-or-concurrent agents carrying role,
// the pool the scheduler picks from when a plan targets a role rather than
// a specific agent ID.
func (r *Registry) SelectForRole(role string) []protocol.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []protocol.Agent
	for _, e := range r.agents {
		if e.agent.Status == protocol.AgentStatusOffline {
			continue
		}
		if !e.agent.HasRole(role) {
			continue
		}
		if e.agent.ActiveTaskCount > 0 && !e.agent.Concurrent() {
			continue
		}
		out = append(out, e.agent.Clone())
	}
	return out
}

// AllForRole returns every non-offline agent carrying role, busy ones
// included, so a caller that found no idle match (SelectForRole) can still
// find a busy agent to queue a task against (§4.5's per-agent FIFO).
func (r *Registry) AllForRole(role string) []protocol.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []protocol.Agent
	for _, e := range r.agents {
		if e.agent.Status == protocol.AgentStatusOffline {
			continue
		}
		if !e.agent.HasRole(role) {
			continue
		}
		out = append(out, e.agent.Clone())
	}
	return out
}

// SweepStale marks any agent whose last heartbeat exceeds HeartbeatTimeout
// as offline, returning the agents that changed state so the caller can
// broadcast the transition.
func (r *Registry) SweepStale(now time.Time) []protocol.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []protocol.Agent
	for _, e := range r.agents {
		if e.agent.Status == protocol.AgentStatusOffline {
			continue
		}
		if now.Sub(e.agent.LastHeartbeatAt) > r.heartbeatTimeout {
			e.agent.Status = protocol.AgentStatusOffline
			changed = append(changed, e.agent.Clone())
		}
	}
	return changed
}
