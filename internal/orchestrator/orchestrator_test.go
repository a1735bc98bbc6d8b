package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/agentmesh/controller/internal/auditlog"
	"github.com/agentmesh/controller/internal/ctlerr"
	"github.com/agentmesh/controller/internal/eventbus"
	"github.com/agentmesh/controller/internal/planner"
	"github.com/agentmesh/controller/internal/protocol"
	"github.com/agentmesh/controller/internal/registry"
	"github.com/agentmesh/controller/internal/scheduler"
	"github.com/agentmesh/controller/internal/tasks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLink is a registry.Link double that replies to every command_execute
// it receives with a configurable exit code, without opening a real
// WebSocket connection.
type fakeLink struct {
	outputs  chan *protocol.TaskOutput
	results  chan *protocol.CommandResult
	done     chan error
	exitCode int
	closed   bool
}

func newFakeLink(exitCode int) *fakeLink {
	return &fakeLink{
		outputs:  make(chan *protocol.TaskOutput, 4),
		results:  make(chan *protocol.CommandResult, 4),
		done:     make(chan error, 1),
		exitCode: exitCode,
	}
}

func (f *fakeLink) Send(msg any) error {
	cmd, ok := msg.(*protocol.CommandExecute)
	if !ok {
		return nil
	}
	f.results <- &protocol.CommandResult{
		Kind:         protocol.MessageKindResult,
		TaskID:       cmd.TaskID,
		CommandIndex: cmd.CommandIndex,
		ExitCode:     f.exitCode,
		DurationMs:   1,
	}
	return nil
}

func (f *fakeLink) Outputs() <-chan *protocol.TaskOutput    { return f.outputs }
func (f *fakeLink) Results() <-chan *protocol.CommandResult { return f.results }
func (f *fakeLink) Done() <-chan error                      { return f.done }
func (f *fakeLink) Close() error                            { f.closed = true; return nil }
func (f *fakeLink) Closed() bool                            { return f.closed }

// blockingLink is a registry.Link double that never replies to a
// command_execute on its own, letting a test observe the task sitting in
// TaskRunning and exercise CancelTask against it. It settles the command
// only once it sees the matching command_cancel, as the §5 grace period
// dictates.
type blockingLink struct {
	outputs chan *protocol.TaskOutput
	results chan *protocol.CommandResult
	done    chan error
	sent    chan *protocol.CommandExecute
	closed  bool
}

func newBlockingLink() *blockingLink {
	return &blockingLink{
		outputs: make(chan *protocol.TaskOutput, 4),
		results: make(chan *protocol.CommandResult, 4),
		done:    make(chan error, 1),
		sent:    make(chan *protocol.CommandExecute, 4),
	}
}

func (f *blockingLink) Send(msg any) error {
	switch m := msg.(type) {
	case *protocol.CommandExecute:
		f.sent <- m
	case *protocol.CommandCancel:
		f.done <- io.ErrClosedPipe
	}
	return nil
}

func (f *blockingLink) Outputs() <-chan *protocol.TaskOutput    { return f.outputs }
func (f *blockingLink) Results() <-chan *protocol.CommandResult { return f.results }
func (f *blockingLink) Done() <-chan error                      { return f.done }
func (f *blockingLink) Close() error                            { f.closed = true; return nil }
func (f *blockingLink) Closed() bool                            { return f.closed }

type fixedPlanner struct {
	plan *protocol.Plan
	err  error
}

func (p *fixedPlanner) Plan(_ context.Context, _ string, _ []protocol.Agent) (*protocol.Plan, error) {
	if p.err != nil {
		return nil, p.err
	}
	clone := *p.plan
	return &clone, nil
}

type testHarness struct {
	orch  *Orchestrator
	store *tasks.Store
	reg   *registry.Registry
	bus   *eventbus.Bus
}

func newHarness(t *testing.T, plan planner.Planner) *testHarness {
	t.Helper()
	dataRoot, err := os.MkdirTemp("", "orchestrator-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dataRoot) })

	store := tasks.New()
	reg := registry.New(testLogger())
	bus := eventbus.New(testLogger())
	t.Cleanup(bus.Close)
	dispatcher := scheduler.New(store, dataRoot, testLogger())
	audit := auditlog.New(dataRoot+"/audit", testLogger())

	orch := New(store, reg, dispatcher, bus, audit, plan, testLogger(), 1)
	return &testHarness{orch: orch, store: store, reg: reg, bus: bus}
}

func registerOnlineAgent(t *testing.T, reg *registry.Registry, id string, link registry.Link) protocol.Agent {
	t.Helper()
	agent, err := reg.Register(protocol.AgentHello{ID: id, Roles: []string{"worker"}}, link)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return agent
}

func autoApprovePlan() *protocol.Plan {
	return &protocol.Plan{
		Workspace:     ".",
		WorkspaceType: protocol.WorkspaceBare,
		Commands:      []protocol.Command{{Dir: ".", Run: "git pull origin main"}},
	}
}

func waitForStatus(t *testing.T, store *tasks.Store, taskID string, want protocol.TaskStatus) *protocol.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.Get(taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := store.Get(taskID)
	t.Fatalf("task %s did not reach status %s, last seen %+v", taskID, want, task)
	return nil
}

func TestSubmitTaskAutoApprovedDispatchesAndCompletes(t *testing.T) {
	h := newHarness(t, &fixedPlanner{plan: autoApprovePlan()})
	link := newFakeLink(0)
	registerOnlineAgent(t, h.reg, "agent-1", link)

	task, err := h.orch.SubmitTask(context.Background(), "pull latest", "", "", false)
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	final := waitForStatus(t, h.store, task.ID, protocol.TaskCompleted)
	if len(final.Results) != 1 || final.Results[0].ExitCode != 0 {
		t.Errorf("Results = %+v, want one zero-exit record", final.Results)
	}
}

func TestSubmitTaskRequiringApprovalWaits(t *testing.T) {
	plan := autoApprovePlan()
	plan.RequiresApproval = true
	h := newHarness(t, &fixedPlanner{plan: plan})
	registerOnlineAgent(t, h.reg, "agent-1", newFakeLink(0))

	task, err := h.orch.SubmitTask(context.Background(), "pull latest", "", "", false)
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	if task.Status != protocol.TaskAwaitingApproval {
		t.Fatalf("Status = %s, want awaiting_approval", task.Status)
	}

	approved, err := h.orch.ApproveTask(task.ID, true, "looks fine", "operator")
	if err != nil {
		t.Fatalf("ApproveTask() error = %v", err)
	}
	if approved.Status != protocol.TaskReady {
		t.Errorf("Status = %s, want ready immediately after approval", approved.Status)
	}

	waitForStatus(t, h.store, task.ID, protocol.TaskCompleted)
}

func TestSubmitTaskSkipApprovalBypassesGate(t *testing.T) {
	plan := autoApprovePlan()
	plan.RequiresApproval = true
	h := newHarness(t, &fixedPlanner{plan: plan})
	registerOnlineAgent(t, h.reg, "agent-1", newFakeLink(0))

	task, err := h.orch.SubmitTask(context.Background(), "pull latest", "", "", true)
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	if task.Status != protocol.TaskReady {
		t.Fatalf("Status = %s, want ready (approval skipped)", task.Status)
	}
}

func TestApproveTaskRejected(t *testing.T) {
	plan := autoApprovePlan()
	plan.RequiresApproval = true
	h := newHarness(t, &fixedPlanner{plan: plan})

	task, err := h.orch.SubmitTask(context.Background(), "pull latest", "", "", false)
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	rejected, err := h.orch.ApproveTask(task.ID, false, "not now", "operator")
	if err != nil {
		t.Fatalf("ApproveTask() error = %v", err)
	}
	if rejected.Status != protocol.TaskRejected {
		t.Errorf("Status = %s, want rejected", rejected.Status)
	}
}

func TestApproveTaskWrongStateIsInvalidTransition(t *testing.T) {
	h := newHarness(t, &fixedPlanner{plan: autoApprovePlan()})
	registerOnlineAgent(t, h.reg, "agent-1", newFakeLink(0))

	task, err := h.orch.SubmitTask(context.Background(), "pull latest", "", "", false)
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	waitForStatus(t, h.store, task.ID, protocol.TaskCompleted)

	_, err = h.orch.ApproveTask(task.ID, true, "", "operator")
	if !errors.Is(err, ctlerr.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ctlerr.ErrInvalidTransition", err)
	}
}

func TestSubmitTaskDeniedBySafetyFailsImmediately(t *testing.T) {
	plan := &protocol.Plan{
		Workspace:     ".",
		WorkspaceType: protocol.WorkspaceBare,
		Commands:      []protocol.Command{{Dir: ".", Run: "mkfs.ext4 /dev/sda1"}},
	}
	h := newHarness(t, &fixedPlanner{plan: plan})

	task, err := h.orch.SubmitTask(context.Background(), "wipe the disk", "", "", false)
	if task != nil {
		t.Errorf("task = %+v, want nil on safety denial", task)
	}
	if !errors.Is(err, ctlerr.ErrSafetyDenied) {
		t.Fatalf("err = %v, want ctlerr.ErrSafetyDenied", err)
	}
}

func TestSubmitTaskNoAgentAvailableFails(t *testing.T) {
	h := newHarness(t, &fixedPlanner{plan: autoApprovePlan()})

	task, err := h.orch.SubmitTask(context.Background(), "pull latest", "", "", false)
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	waitForStatus(t, h.store, task.ID, protocol.TaskFailed)
}

func TestCancelTaskWhileRunningSendsCancelAndSettles(t *testing.T) {
	h := newHarness(t, &fixedPlanner{plan: autoApprovePlan()})
	link := newBlockingLink()
	registerOnlineAgent(t, h.reg, "agent-1", link)

	task, err := h.orch.SubmitTask(context.Background(), "pull latest", "", "", false)
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	select {
	case <-link.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command_execute to be sent")
	}
	waitForStatus(t, h.store, task.ID, protocol.TaskRunning)

	cancelled, err := h.orch.CancelTask(task.ID)
	if err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}
	if cancelled.Status != protocol.TaskRunning {
		t.Errorf("Status = %s, want still running at the moment the cancel signal was sent", cancelled.Status)
	}

	final := waitForStatus(t, h.store, task.ID, protocol.TaskCancelled)
	if len(final.Results) != 1 || final.Results[0].ExitCode != scheduler.ExitCancelled {
		t.Errorf("Results = %+v, want one record with exit code %d", final.Results, scheduler.ExitCancelled)
	}
}

func TestCancelTaskFromAwaitingApproval(t *testing.T) {
	plan := autoApprovePlan()
	plan.RequiresApproval = true
	h := newHarness(t, &fixedPlanner{plan: plan})

	task, err := h.orch.SubmitTask(context.Background(), "pull latest", "", "", false)
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	cancelled, err := h.orch.CancelTask(task.ID)
	if err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}
	if cancelled.Status != protocol.TaskCancelled {
		t.Errorf("Status = %s, want cancelled", cancelled.Status)
	}
}

func TestCancelTerminalTaskIsInvalidTransition(t *testing.T) {
	plan := autoApprovePlan()
	plan.RequiresApproval = true
	h := newHarness(t, &fixedPlanner{plan: plan})

	task, _ := h.orch.SubmitTask(context.Background(), "pull latest", "", "", false)
	h.orch.ApproveTask(task.ID, false, "no", "operator")

	_, err := h.orch.CancelTask(task.ID)
	if !errors.Is(err, ctlerr.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ctlerr.ErrInvalidTransition", err)
	}
}

func TestListTasksFiltersByStatusAndLimit(t *testing.T) {
	plan := autoApprovePlan()
	plan.RequiresApproval = true
	h := newHarness(t, &fixedPlanner{plan: plan})

	for i := 0; i < 3; i++ {
		if _, err := h.orch.SubmitTask(context.Background(), "pull latest", "", "", false); err != nil {
			t.Fatalf("SubmitTask() error = %v", err)
		}
	}

	all := h.orch.ListTasks(protocol.TaskAwaitingApproval, 2)
	if len(all) != 2 {
		t.Fatalf("len(ListTasks()) = %d, want 2 (limit applied)", len(all))
	}
}

func TestHealthReportsAgentCounts(t *testing.T) {
	h := newHarness(t, &fixedPlanner{plan: autoApprovePlan()})
	registerOnlineAgent(t, h.reg, "agent-1", newFakeLink(0))

	health := h.orch.Health()
	if health.Agents.Total != 1 || health.Agents.Online != 1 {
		t.Errorf("health = %+v, want 1 total/online agent", health)
	}
}

func TestSubmitTaskInvalidTimeoutFailsValidationBeforeDispatch(t *testing.T) {
	plan := autoApprovePlan()
	badTimeout := 0
	plan.Commands[0].TimeoutSeconds = &badTimeout
	h := newHarness(t, &fixedPlanner{plan: plan})
	registerOnlineAgent(t, h.reg, "agent-1", newFakeLink(0))

	task, err := h.orch.SubmitTask(context.Background(), "pull latest", "", "", false)
	if task != nil {
		t.Errorf("task = %+v, want nil on validation failure", task)
	}
	if !errors.Is(err, ctlerr.ErrValidation) {
		t.Fatalf("err = %v, want ctlerr.ErrValidation", err)
	}
}

func TestStartDispatchQueuesBehindBusyAgent(t *testing.T) {
	h := newHarness(t, &fixedPlanner{plan: autoApprovePlan()})
	blocking := newBlockingLink()
	registerOnlineAgent(t, h.reg, "agent-1", blocking)

	first, err := h.orch.SubmitTask(context.Background(), "pull latest", "agent-1", "", false)
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	select {
	case <-blocking.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first command_execute to be sent")
	}
	waitForStatus(t, h.store, first.ID, protocol.TaskRunning)

	second, err := h.orch.SubmitTask(context.Background(), "pull latest again", "agent-1", "", false)
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	if second.Status != protocol.TaskReady {
		t.Fatalf("Status = %s, want ready while queued behind the busy agent", second.Status)
	}

	// let the first task's command settle so the queue drains.
	blocking.results <- &protocol.CommandResult{
		Kind:         protocol.MessageKindResult,
		TaskID:       first.ID,
		CommandIndex: 0,
		ExitCode:     0,
		DurationMs:   1,
	}
	waitForStatus(t, h.store, first.ID, protocol.TaskCompleted)

	var secondCmd *protocol.CommandExecute
	select {
	case msg := <-blocking.sent:
		secondCmd = msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the queued task's command_execute to be sent")
	}
	blocking.results <- &protocol.CommandResult{
		Kind:         protocol.MessageKindResult,
		TaskID:       secondCmd.TaskID,
		CommandIndex: secondCmd.CommandIndex,
		ExitCode:     0,
		DurationMs:   1,
	}
	waitForStatus(t, h.store, second.ID, protocol.TaskCompleted)
}

func TestDispatchBroadcastsTaskUpdatedPerCommand(t *testing.T) {
	plan := autoApprovePlan()
	plan.Commands = append(plan.Commands, protocol.Command{Dir: ".", Run: "git push"})
	h := newHarness(t, &fixedPlanner{plan: plan})
	registerOnlineAgent(t, h.reg, "agent-1", newFakeLink(0))

	sub := h.bus.Subscribe("observer-1")
	defer h.bus.Unsubscribe("observer-1")

	task, err := h.orch.SubmitTask(context.Background(), "pull then push", "", "", false)
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	waitForStatus(t, h.store, task.ID, protocol.TaskCompleted)

	var statuses []protocol.TaskStatus
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		env, err := sub.Next(ctx)
		if err != nil {
			break
		}
		if env.Kind != protocol.BroadcastTaskUpdated {
			continue
		}
		updated, ok := env.Payload.(*protocol.Task)
		if !ok || updated.ID != task.ID {
			continue
		}
		statuses = append(statuses, updated.Status)
		if updated.Status == protocol.TaskCompleted {
			break
		}
	}

	want := []protocol.TaskStatus{
		protocol.TaskPending,
		protocol.TaskPlanning,
		protocol.TaskReady,
		protocol.TaskRunning,
		protocol.TaskRunning, // after command 0's result is recorded
		protocol.TaskRunning, // after command 1's result is recorded
		protocol.TaskCompleted,
	}
	if len(statuses) != len(want) {
		t.Fatalf("task_updated statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses[%d] = %s, want %s (full sequence %v)", i, statuses[i], want[i], statuses)
		}
	}
}

func TestSweepRetentionPrunesOldTerminalTasks(t *testing.T) {
	h := newHarness(t, &fixedPlanner{plan: autoApprovePlan()})
	registerOnlineAgent(t, h.reg, "agent-1", newFakeLink(0))

	task, err := h.orch.SubmitTask(context.Background(), "pull latest", "", "", false)
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	waitForStatus(t, h.store, task.ID, protocol.TaskCompleted)

	pruned := h.orch.SweepRetention(time.Now().Add(48 * time.Hour))
	if pruned != 1 {
		t.Fatalf("SweepRetention() = %d, want 1", pruned)
	}
	if _, err := h.store.Get(task.ID); err == nil {
		t.Error("expected task to be pruned from the store")
	}
}
