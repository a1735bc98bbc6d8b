// Package orchestrator binds the planner, the safety validator, the task
// store, the agent registry, and the dispatcher into the single façade the
// transports call (§4.7). It carries no policy of its own beyond the
// transition sequence those components already define: plan, validate,
// await approval if required, select an agent, dispatch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/controller/internal/auditlog"
	"github.com/agentmesh/controller/internal/ctlerr"
	"github.com/agentmesh/controller/internal/eventbus"
	"github.com/agentmesh/controller/internal/planner"
	"github.com/agentmesh/controller/internal/protocol"
	"github.com/agentmesh/controller/internal/registry"
	"github.com/agentmesh/controller/internal/safety"
	"github.com/agentmesh/controller/internal/scheduler"
	"github.com/agentmesh/controller/internal/tasks"
)

// DefaultRetentionHours is used when TASK_RETENTION_HOURS is unset (§6.7).
const DefaultRetentionHours = 168

// RetentionSweepBatchSize bounds how many terminal tasks a single sweep tick
// prunes, so the sweep never starves concurrent mutators of the index lock
// (§9 design note).
const RetentionSweepBatchSize = 256

// Orchestrator is the controller's core façade.
type Orchestrator struct {
	store      *tasks.Store
	registry   *registry.Registry
	dispatcher *scheduler.Dispatcher
	bus        *eventbus.Bus
	audit      *auditlog.Log
	plan       planner.Planner
	logger     *slog.Logger

	retentionHours int

	cancelMu  sync.Mutex
	cancelFns map[string]context.CancelCauseFunc

	queueMu        sync.Mutex
	dispatchQueues map[string][]string // agent ID -> FIFO of task IDs waiting on its capacity
}

// New wires the façade's collaborators together.
func New(
	store *tasks.Store,
	reg *registry.Registry,
	dispatcher *scheduler.Dispatcher,
	bus *eventbus.Bus,
	audit *auditlog.Log,
	plan planner.Planner,
	logger *slog.Logger,
	retentionHours int,
) *Orchestrator {
	if retentionHours <= 0 {
		retentionHours = DefaultRetentionHours
	}
	o := &Orchestrator{
		store:          store,
		registry:       reg,
		dispatcher:     dispatcher,
		bus:            bus,
		audit:          audit,
		plan:           plan,
		logger:         logger,
		retentionHours: retentionHours,
		cancelFns:      make(map[string]context.CancelCauseFunc),
		dispatchQueues: make(map[string][]string),
	}
	dispatcher.OnOutput(func(out *protocol.TaskOutput) { bus.PublishTaskOutput(out) })
	dispatcher.OnCommandResult(func(taskID string, record protocol.CommandResultRecord) {
		o.broadcastCommandResult(taskID, record)
	})
	dispatcher.OnTaskUpdate(func(t *protocol.Task) { o.persist(t) })
	return o
}

// SubmitTask creates a new task, plans it, validates the plan against the
// safety policy, and either dispatches it immediately or parks it in
// awaiting_approval (§4.2, §4.4).
func (o *Orchestrator) SubmitTask(ctx context.Context, request, targetAgentID, targetRole string, skipApproval bool) (*protocol.Task, error) {
	if request == "" {
		return nil, fmt.Errorf("%w: request is required", ctlerr.ErrValidation)
	}

	task := o.store.Create(uuid.New().String(), request)
	o.persist(task)

	task, err := o.store.TransitionTo(task.ID, protocol.TaskPlanning)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o.persist(task)

	inventory := o.registry.List()
	plan, err := o.plan.Plan(ctx, request, inventory)
	if err != nil {
		return o.failTask(task.ID, fmt.Errorf("%w: %v", ctlerr.ErrPlannerFormat, err))
	}
	if targetAgentID != "" {
		plan.TargetAgentID = targetAgentID
	}
	if targetRole != "" {
		plan.TargetRole = targetRole
	}

	if err := plan.Validate(); err != nil {
		return o.failTask(task.ID, fmt.Errorf("%w: %v", ctlerr.ErrValidation, err))
	}

	verdict := safety.ClassifyPlan(*plan)
	if verdict.Verdict == safety.VerdictDeny {
		return o.failTask(task.ID, fmt.Errorf("%w: %s", ctlerr.ErrSafetyDenied, verdict.DeniedReason))
	}

	requiresApproval := plan.RequiresApproval && !skipApproval

	task, err = o.store.Mutate(task.ID, func(t *protocol.Task) error {
		t.Plan = plan
		if requiresApproval {
			t.Status = protocol.TaskAwaitingApproval
		} else {
			t.Status = protocol.TaskReady
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o.persist(task)

	if !requiresApproval {
		o.startDispatch(task.ID)
	}
	return task, nil
}

// ApproveTask records a human approval decision on a task awaiting one.
func (o *Orchestrator) ApproveTask(taskID string, approved bool, reason, by string) (*protocol.Task, error) {
	task, err := o.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if task.Approval != nil && task.Approval.Approved == approved &&
		((approved && task.Status == protocol.TaskReady) || (!approved && task.Status == protocol.TaskRejected)) {
		return task, nil // idempotent replay of the same decision
	}
	if task.Status != protocol.TaskAwaitingApproval {
		return nil, fmt.Errorf("%w: task %s is %s, not awaiting_approval", ctlerr.ErrInvalidTransition, taskID, task.Status)
	}

	next := protocol.TaskRejected
	if approved {
		next = protocol.TaskReady
	}

	task, err = o.store.Mutate(taskID, func(t *protocol.Task) error {
		t.Approval = &protocol.Approval{Approved: approved, Reason: reason, By: by, At: time.Now().UTC()}
		t.Status = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o.persist(task)

	if approved {
		o.startDispatch(task.ID)
	}
	return task, nil
}

// CancelTask cancels a task in any non-terminal state (§4.4). If it is
// currently running, the dispatcher is signalled to send command_cancel to
// the owning agent and the task settles into cancelled asynchronously, once
// the in-flight command responds or the §5 cancel grace elapses; the caller
// gets back the task's state at the moment the signal was sent, which is
// still running.
func (o *Orchestrator) CancelTask(taskID string) (*protocol.Task, error) {
	task, err := o.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, fmt.Errorf("%w: task %s is already %s", ctlerr.ErrInvalidTransition, taskID, task.Status)
	}

	if task.Status == protocol.TaskRunning {
		if o.requestCancel(taskID) {
			return task, nil
		}
		// The dispatch goroutine already finished between our Get and here;
		// fall through to the current state rather than racing it.
		return o.store.Get(taskID)
	}

	task, err = o.store.TransitionTo(taskID, protocol.TaskCancelled)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o.persist(task)
	return task, nil
}

// registerCancel and unregisterCancel track the cancel-cause func for each
// task currently being dispatched, so CancelTask can interrupt a running
// dispatch without the orchestrator and dispatcher needing any other shared
// state.
func (o *Orchestrator) registerCancel(taskID string, cancel context.CancelCauseFunc) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	o.cancelFns[taskID] = cancel
}

func (o *Orchestrator) unregisterCancel(taskID string) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	delete(o.cancelFns, taskID)
}

// requestCancel signals the dispatch goroutine running taskID, if any, to
// stop via ctlerr.ErrCancelledByUser. Returns false if no dispatch is
// currently tracked for taskID.
func (o *Orchestrator) requestCancel(taskID string) bool {
	o.cancelMu.Lock()
	cancel, ok := o.cancelFns[taskID]
	o.cancelMu.Unlock()
	if ok {
		cancel(ctlerr.ErrCancelledByUser)
	}
	return ok
}

// GetTask returns a single task by ID.
func (o *Orchestrator) GetTask(taskID string) (*protocol.Task, error) {
	return o.store.Get(taskID)
}

// ListTasks returns every task matching status (if non-empty), newest
// first, bounded to limit entries (0 means unbounded).
func (o *Orchestrator) ListTasks(status protocol.TaskStatus, limit int) []*protocol.Task {
	all := o.store.List()
	out := make([]*protocol.Task, 0, len(all))
	for _, t := range all {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Health reports the §6.1 /health payload data.
type Health struct {
	Status string
	Agents struct {
		Total     int
		Online    int
		Available int
	}
	AuditFailures int64
}

// Health computes the controller's current health snapshot.
func (o *Orchestrator) Health() Health {
	var h Health
	h.Status = "ok"
	agents := o.registry.List()
	h.Agents.Total = len(agents)
	for _, a := range agents {
		if a.Status != protocol.AgentStatusOffline {
			h.Agents.Online++
		}
		if a.Status == protocol.AgentStatusOnline {
			h.Agents.Available++
		}
	}
	if o.audit != nil {
		h.AuditFailures = o.audit.FailureCount()
	}
	return h
}

// startDispatch selects an agent for a ready task and runs the dispatcher
// against it in a background goroutine, so SubmitTask/ApproveTask return to
// their caller immediately (§4.5's dispatch loop is the long-running part).
func (o *Orchestrator) startDispatch(taskID string) {
	go func() {
		task, err := o.store.Get(taskID)
		if err != nil {
			o.logger.Warn("startDispatch: task vanished", "task_id", taskID, "error", err)
			return
		}
		if task.Status != protocol.TaskReady {
			// Cancelled or otherwise moved on while it sat in a per-agent
			// queue; nothing left to dispatch.
			return
		}

		agent, err := o.selectAgent(task.Plan)
		if err != nil {
			if errors.Is(err, ctlerr.ErrAgentBusy) {
				o.enqueueDispatch(agent.ID, taskID)
				return
			}
			o.failTask(taskID, err)
			return
		}

		link, ok := o.registry.Link(agent.ID)
		if !ok {
			o.failTask(taskID, fmt.Errorf("%w: agent %s has no open link", ctlerr.ErrAgentUnavailable, agent.ID))
			return
		}

		deadlineCtx, cancelDeadline := context.WithTimeout(context.Background(), dispatchDeadline(task.Plan))
		defer cancelDeadline()
		ctx, cancel := context.WithCancelCause(deadlineCtx)
		defer cancel(nil)

		o.registerCancel(taskID, cancel)
		defer o.unregisterCancel(taskID)

		o.registry.SetActiveTaskCount(agent.ID, 1)
		defer o.dispatchNextQueued(agent.ID)
		defer o.registry.SetActiveTaskCount(agent.ID, 0)

		if err := o.dispatcher.Dispatch(ctx, taskID, agent.ID, link); err != nil {
			if errors.Is(err, ctlerr.ErrCancelledByUser) {
				o.logger.Info("dispatch cancelled by user", "task_id", taskID)
			} else {
				o.logger.Warn("dispatch finished with error", "task_id", taskID, "error", err)
			}
		}
	}()
}

// selectAgent applies the §4.5 agent selection rule against the live
// registry at dispatch time. When a matching agent exists but is a
// non-concurrent agent already busy, it returns that agent alongside
// ctlerr.ErrAgentBusy rather than ErrAgentUnavailable, so the caller can
// queue the task on that agent's FIFO instead of failing it outright.
func (o *Orchestrator) selectAgent(plan *protocol.Plan) (protocol.Agent, error) {
	if plan.TargetAgentID != "" {
		agent, ok := o.registry.Get(plan.TargetAgentID)
		if !ok || agent.Status == protocol.AgentStatusOffline {
			return protocol.Agent{}, fmt.Errorf("%w: target agent %s is not online", ctlerr.ErrAgentUnavailable, plan.TargetAgentID)
		}
		if agent.ActiveTaskCount > 0 && !agent.Concurrent() {
			return agent, fmt.Errorf("%w: target agent %s is busy", ctlerr.ErrAgentBusy, plan.TargetAgentID)
		}
		return agent, nil
	}

	var idle, candidates []protocol.Agent
	if plan.TargetRole != "" {
		idle = o.registry.SelectForRole(plan.TargetRole)
		candidates = o.registry.AllForRole(plan.TargetRole)
	} else {
		for _, a := range o.registry.List() {
			if a.Status == protocol.AgentStatusOffline {
				continue
			}
			candidates = append(candidates, a)
			if a.ActiveTaskCount == 0 || a.Concurrent() {
				idle = append(idle, a)
			}
		}
	}

	if len(idle) > 0 {
		return bestOf(idle), nil
	}
	if len(candidates) == 0 {
		return protocol.Agent{}, fmt.Errorf("%w: no online agent matches the plan", ctlerr.ErrAgentUnavailable)
	}
	return bestOf(candidates), fmt.Errorf("%w: every matching agent is busy", ctlerr.ErrAgentBusy)
}

// bestOf picks the least-loaded agent from pool, breaking ties by CPU then
// ID for determinism.
func bestOf(pool []protocol.Agent) protocol.Agent {
	best := pool[0]
	for _, a := range pool[1:] {
		if a.ActiveTaskCount < best.ActiveTaskCount ||
			(a.ActiveTaskCount == best.ActiveTaskCount && a.Telemetry.CPUPercent < best.Telemetry.CPUPercent) ||
			(a.ActiveTaskCount == best.ActiveTaskCount && a.Telemetry.CPUPercent == best.Telemetry.CPUPercent && a.ID < best.ID) {
			best = a
		}
	}
	return best
}

// enqueueDispatch parks taskID on agentID's FIFO until dispatchNextQueued
// pops it once that agent's capacity frees up (§4.5 ordering guarantees).
func (o *Orchestrator) enqueueDispatch(agentID, taskID string) {
	o.queueMu.Lock()
	o.dispatchQueues[agentID] = append(o.dispatchQueues[agentID], taskID)
	o.queueMu.Unlock()
	o.logger.Info("queued task for busy agent", "task_id", taskID, "agent_id", agentID)
}

// dispatchNextQueued pops the next task queued against agentID, if any, and
// restarts dispatch for it. Called after an agent's active task count drops
// back to zero so its FIFO drains in submission order.
func (o *Orchestrator) dispatchNextQueued(agentID string) {
	o.queueMu.Lock()
	q := o.dispatchQueues[agentID]
	if len(q) == 0 {
		o.queueMu.Unlock()
		return
	}
	next := q[0]
	o.dispatchQueues[agentID] = q[1:]
	o.queueMu.Unlock()

	o.startDispatch(next)
}

// dispatchDeadline bounds the whole plan's dispatch by the sum of every
// command's timeout plus the §4.5 network slack, so a hung agent link can't
// leak the goroutine forever.
func dispatchDeadline(plan *protocol.Plan) time.Duration {
	const networkSlack = 10 * time.Second
	total := networkSlack
	for _, c := range plan.Commands {
		total += time.Duration(c.ResolvedTimeoutSeconds())*time.Second + networkSlack
	}
	return total
}

func (o *Orchestrator) failTask(taskID string, cause error) (*protocol.Task, error) {
	task, err := o.store.Mutate(taskID, func(t *protocol.Task) error {
		t.Status = protocol.TaskFailed
		t.Error = cause.Error()
		return nil
	})
	if err != nil {
		o.logger.Error("failTask: could not transition task", "task_id", taskID, "error", err)
		return nil, cause
	}
	o.persist(task)
	return nil, cause
}

// broadcastCommandResult fans a command's terminal result out to UI
// observers independently of the task_updated broadcast that follows it.
func (o *Orchestrator) broadcastCommandResult(taskID string, record protocol.CommandResultRecord) {
	o.bus.Broadcast(protocol.Envelope{
		Kind: protocol.BroadcastCommandResult,
		Payload: struct {
			TaskID string                       `json:"task_id"`
			Record protocol.CommandResultRecord `json:"record"`
		}{TaskID: taskID, Record: record},
		EmittedAt: time.Now().UTC(),
	})
}

// persist broadcasts the task's new state and records it in the audit log,
// the two side effects every state transition in this façade must have.
func (o *Orchestrator) persist(task *protocol.Task) {
	o.bus.Broadcast(protocol.Envelope{Kind: protocol.BroadcastTaskUpdated, Payload: task, EmittedAt: time.Now().UTC()})
	if o.audit != nil {
		if err := o.audit.WriteTaskUpdated(task, "system"); err != nil {
			o.logger.Warn("audit write failed", "task_id", task.ID, "error", err)
		}
	}
}

// SweepRetention prunes tasks that finished more than retentionHours ago,
// bounded to RetentionSweepBatchSize per call so a single tick never starves
// concurrent mutators of the store's index lock (§9).
func (o *Orchestrator) SweepRetention(now time.Time) int {
	cutoff := now.Add(-time.Duration(o.retentionHours) * time.Hour)
	pruned := 0
	for _, t := range o.store.List() {
		if pruned >= RetentionSweepBatchSize {
			break
		}
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			o.store.Delete(t.ID)
			pruned++
		}
	}
	return pruned
}
