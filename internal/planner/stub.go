package planner

import (
	"context"
	"strings"

	"github.com/agentmesh/controller/internal/protocol"
)

// Stub is the deterministic keyword-heuristic planner (§4.2) used whenever
// no LLM credentials are configured. It never fails.
type Stub struct{}

// NewStub constructs a Stub planner.
func NewStub() *Stub { return &Stub{} }

// Plan classifies request by keyword and returns a fixed command set.
// It never returns an error.
func (s *Stub) Plan(_ context.Context, request string, inventory []protocol.Agent) (*protocol.Plan, error) {
	lower := strings.ToLower(request)

	plan := &protocol.Plan{
		Workspace:     ".",
		WorkspaceType: protocol.WorkspaceBare,
		Reasoning:     "stub planner: keyword heuristic, no LLM configured",
	}

	switch {
	case strings.Contains(lower, "deploy"):
		plan.Steps = []string{"pull latest", "install dependencies", "restart service"}
		plan.Commands = []protocol.Command{
			{Dir: ".", Run: "git pull origin main"},
			{Dir: ".", Run: "npm install"},
			{Dir: ".", Run: "systemctl restart app"},
		}
	case strings.Contains(lower, "update"), strings.Contains(lower, "pull"):
		plan.Steps = []string{"pull latest"}
		plan.Commands = []protocol.Command{
			{Dir: ".", Run: "git pull origin main"},
		}
	case strings.Contains(lower, "status"), strings.Contains(lower, "check"):
		plan.Steps = []string{"report host status"}
		plan.Commands = []protocol.Command{
			{Dir: ".", Run: "uptime && systemctl list-units --type=service --state=running"},
		}
	default:
		plan.Steps = []string{"report host status (no keyword matched, defaulting to status check)"}
		plan.Commands = []protocol.Command{
			{Dir: ".", Run: "uptime && systemctl list-units --type=service --state=running"},
		}
	}

	return postProcess(plan, inventory, false), nil
}
