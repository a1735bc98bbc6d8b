// Package planner turns an operator's free-text request into a Plan the
// orchestrator can validate and dispatch (§4.2). Per the design notes in §9,
// the abstract capability is a narrow interface with a single operation
// rather than a tagged union, so the orchestrator never needs to know which
// concrete variant produced a Plan.
package planner

import (
	"context"

	"github.com/agentmesh/controller/internal/protocol"
	"github.com/agentmesh/controller/internal/safety"
)

// Planner turns request into a Plan given the current agent inventory.
// Implementations must apply the shared post-processing rule (target agent
// selection, risk level, requires_approval) before returning.
type Planner interface {
	Plan(ctx context.Context, request string, inventory []protocol.Agent) (*protocol.Plan, error)
}

// postProcess applies the rule common to every Planner variant (§4.2):
// populate target_agent_id by the §4.5 selection rule, set risk_level
// consistent with the safety verdict, and combine requires_approval from
// the verdict, the model's own request for approval, and the risk level.
func postProcess(plan *protocol.Plan, inventory []protocol.Agent, modelRequestedApproval bool) *protocol.Plan {
	if plan.TargetAgentID == "" {
		if agent := selectAgent(plan, inventory); agent != nil {
			plan.TargetAgentID = agent.ID
		}
	}

	verdict := safety.ClassifyPlan(*plan).Verdict
	if floor := riskForVerdict(verdict); plan.RiskLevel == "" || !plan.RiskLevel.AtLeast(floor) {
		plan.RiskLevel = floor
	}

	plan.RequiresApproval = verdict == safety.VerdictRequiresApproval ||
		modelRequestedApproval ||
		plan.RiskLevel.AtLeast(protocol.RiskMedium)

	return plan
}

// riskForVerdict gives the lowest risk level consistent with a verdict:
// postProcess uses it when the planner proposed no risk level and raises a
// lower proposed level to it.
func riskForVerdict(v safety.Verdict) protocol.RiskLevel {
	switch v {
	case safety.VerdictDeny:
		return protocol.RiskHigh
	case safety.VerdictRequiresApproval:
		return protocol.RiskMedium
	default:
		return protocol.RiskLow
	}
}

// selectAgent applies the §4.5 dispatcher selection rule at plan time so a
// Plan without an explicit target can still be previewed with the agent it
// would dispatch to. The dispatcher re-applies the same rule at dispatch
// time against the then-current inventory, since a plan may sit in
// awaiting_approval for a while before it runs.
func selectAgent(plan *protocol.Plan, inventory []protocol.Agent) *protocol.Agent {
	if plan.TargetRole == "" {
		return pickLeastLoaded(inventory, "")
	}
	return pickLeastLoaded(inventory, plan.TargetRole)
}

// pickLeastLoaded returns the online agent with the lowest active_task_count
// among those with role (or any online agent if role is empty), breaking
// ties by lowest CPU% then lexicographically smaller id.
func pickLeastLoaded(inventory []protocol.Agent, role string) *protocol.Agent {
	var best *protocol.Agent
	for i := range inventory {
		a := &inventory[i]
		if a.Status != protocol.AgentStatusOnline {
			continue
		}
		if role != "" && !a.HasRole(role) {
			continue
		}
		if best == nil || better(a, best) {
			best = a
		}
	}
	return best
}

func better(a, b *protocol.Agent) bool {
	if a.ActiveTaskCount != b.ActiveTaskCount {
		return a.ActiveTaskCount < b.ActiveTaskCount
	}
	if a.Telemetry.CPUPercent != b.Telemetry.CPUPercent {
		return a.Telemetry.CPUPercent < b.Telemetry.CPUPercent
	}
	return a.ID < b.ID
}
