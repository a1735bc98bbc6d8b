package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/agentmesh/controller/internal/ctlerr"
	"github.com/agentmesh/controller/internal/protocol"
)

const validPlanJSON = `{
  "workspace": ".",
  "workspace_type": "bare",
  "steps": ["pull latest"],
  "reasoning": "operator asked for an update",
  "risk_level": "low",
  "requires_approval": false,
  "commands": [{"dir": ".", "run": "git pull origin main"}]
}`

func TestLivePlanParsesFencedJSON(t *testing.T) {
	caller := LLMCallerFunc(func(_ context.Context, _, _ string) (string, error) {
		return "Sure, here you go:\n```json\n" + validPlanJSON + "\n```\n", nil
	})
	live := NewLive(caller)

	plan, err := live.Plan(context.Background(), "update please", nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.Commands) != 1 || plan.Commands[0].Run != "git pull origin main" {
		t.Errorf("Commands = %+v", plan.Commands)
	}
}

func TestLivePlanParsesBareJSON(t *testing.T) {
	caller := LLMCallerFunc(func(_ context.Context, _, _ string) (string, error) {
		return validPlanJSON, nil
	})
	live := NewLive(caller)

	plan, err := live.Plan(context.Background(), "update please", nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Workspace != "." {
		t.Errorf("Workspace = %q, want .", plan.Workspace)
	}
}

func TestLivePlanRetriesOnceThenSucceeds(t *testing.T) {
	calls := 0
	caller := LLMCallerFunc(func(_ context.Context, _, _ string) (string, error) {
		calls++
		if calls == 1 {
			return "not json at all", nil
		}
		return validPlanJSON, nil
	})
	live := NewLive(caller)

	plan, err := live.Plan(context.Background(), "update please", nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", calls)
	}
	if len(plan.Commands) != 1 {
		t.Errorf("Commands = %+v", plan.Commands)
	}
}

func TestLivePlanFailsAfterSecondBadReply(t *testing.T) {
	caller := LLMCallerFunc(func(_ context.Context, _, _ string) (string, error) {
		return "still not json", nil
	})
	live := NewLive(caller)

	_, err := live.Plan(context.Background(), "update please", nil)
	if !errors.Is(err, ctlerr.ErrPlannerFormat) {
		t.Fatalf("err = %v, want wrapping ctlerr.ErrPlannerFormat", err)
	}
}

func TestLivePlanRejectsEmptyCommands(t *testing.T) {
	calls := 0
	caller := LLMCallerFunc(func(_ context.Context, _, _ string) (string, error) {
		calls++
		return `{"workspace": ".", "workspace_type": "bare", "commands": []}`, nil
	})
	live := NewLive(caller)

	_, err := live.Plan(context.Background(), "update please", nil)
	if !errors.Is(err, ctlerr.ErrPlannerFormat) {
		t.Fatalf("err = %v, want ctlerr.ErrPlannerFormat after empty-commands retry", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestLivePlanSurfacesCallerError(t *testing.T) {
	caller := LLMCallerFunc(func(_ context.Context, _, _ string) (string, error) {
		return "", errors.New("upstream unavailable")
	})
	live := NewLive(caller)

	_, err := live.Plan(context.Background(), "update please", nil)
	if err == nil {
		t.Fatal("Plan() error = nil, want a wrapped caller error")
	}
}

func TestLivePlanRequiresApprovalWhenModelRequests(t *testing.T) {
	caller := LLMCallerFunc(func(_ context.Context, _, _ string) (string, error) {
		return `{"workspace": ".", "workspace_type": "bare", "risk_level": "low",
		  "requires_approval": true, "commands": [{"dir": ".", "run": "ls"}]}`, nil
	})
	live := NewLive(caller)

	plan, err := live.Plan(context.Background(), "list files", nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !plan.RequiresApproval {
		t.Error("RequiresApproval = false, want true (model requested it)")
	}
}

func TestLivePlanPopulatesTargetAgentByRole(t *testing.T) {
	caller := LLMCallerFunc(func(_ context.Context, _, _ string) (string, error) {
		return `{"workspace": ".", "workspace_type": "bare", "target_role": "worker",
		  "commands": [{"dir": ".", "run": "git pull origin main"}]}`, nil
	})
	live := NewLive(caller)

	inventory := []protocol.Agent{
		{ID: "a-busy", Status: protocol.AgentStatusOnline, Roles: []string{"worker"}, ActiveTaskCount: 3},
		{ID: "a-idle", Status: protocol.AgentStatusOnline, Roles: []string{"worker"}, ActiveTaskCount: 0},
	}
	plan, err := live.Plan(context.Background(), "pull", inventory)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.TargetAgentID != "a-idle" {
		t.Errorf("TargetAgentID = %q, want a-idle (lowest active_task_count)", plan.TargetAgentID)
	}
}
