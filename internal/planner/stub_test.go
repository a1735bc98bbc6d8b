package planner

import (
	"context"
	"strings"
	"testing"

	"github.com/agentmesh/controller/internal/protocol"
)

func onlineAgent(id string) protocol.Agent {
	return protocol.Agent{ID: id, Status: protocol.AgentStatusOnline, Roles: []string{"worker"}}
}

func TestStubPlanUpdateKeyword(t *testing.T) {
	s := NewStub()
	plan, err := s.Plan(context.Background(), "please update the box", []protocol.Agent{onlineAgent("a1")})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.Commands) != 1 || plan.Commands[0].Run != "git pull origin main" {
		t.Errorf("Commands = %+v, want single git pull", plan.Commands)
	}
}

func TestStubPlanStatusKeyword(t *testing.T) {
	s := NewStub()
	plan, err := s.Plan(context.Background(), "check status please", nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.Commands) != 1 || !strings.Contains(plan.Commands[0].Run, "uptime") {
		t.Errorf("Commands = %+v, want uptime check", plan.Commands)
	}
}

func TestStubPlanDeployKeyword(t *testing.T) {
	s := NewStub()
	plan, err := s.Plan(context.Background(), "deploy the new build", nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.Commands) != 3 {
		t.Fatalf("len(Commands) = %d, want 3", len(plan.Commands))
	}
}

func TestStubPlanNeverFails(t *testing.T) {
	s := NewStub()
	if _, err := s.Plan(context.Background(), "", nil); err != nil {
		t.Errorf("Plan() error = %v, want nil", err)
	}
}

func TestStubPlanPopulatesTargetAgent(t *testing.T) {
	s := NewStub()
	inventory := []protocol.Agent{onlineAgent("a1"), onlineAgent("a2")}
	plan, err := s.Plan(context.Background(), "pull latest", inventory)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.TargetAgentID == "" {
		t.Error("TargetAgentID is empty, want an online agent selected")
	}
}

func TestStubPlanRiskAndApprovalConsistentWithVerdict(t *testing.T) {
	s := NewStub()
	// "git pull origin main" is auto-approve per the safety policy, so a
	// default stub plan should not require approval.
	plan, err := s.Plan(context.Background(), "update", nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.RequiresApproval {
		t.Errorf("RequiresApproval = true, want false for an auto-approve command")
	}
}
