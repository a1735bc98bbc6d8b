package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentmesh/controller/internal/ctlerr"
	"github.com/agentmesh/controller/internal/protocol"
)

// LLMCaller is the §6.5 LLM boundary: a single operation wrapping whatever
// vendor SDK is configured. No vendor type crosses this interface.
type LLMCaller interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// LLMCallerFunc adapts a plain function to LLMCaller.
type LLMCallerFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

func (f LLMCallerFunc) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}

// Live is the LLM-backed planner variant (§4.2).
type Live struct {
	caller LLMCaller
}

// NewLive constructs a Live planner around caller.
func NewLive(caller LLMCaller) *Live {
	return &Live{caller: caller}
}

// llmPlanResponse is the shape the model is instructed to return. It mirrors
// the §6.4 Plan JSON schema but adds model_requested_approval, which the
// shared post-processing step folds into Plan.RequiresApproval.
type llmPlanResponse struct {
	TargetAgentID          string           `json:"target_agent,omitempty"`
	TargetRole             string           `json:"target_role,omitempty"`
	Workspace              string           `json:"workspace"`
	WorkspaceType          string           `json:"workspace_type"`
	Steps                  []string         `json:"steps"`
	Reasoning              string           `json:"reasoning"`
	RiskLevel              string           `json:"risk_level"`
	ModelRequestedApproval bool             `json:"requires_approval"`
	Commands               []llmPlanCommand `json:"commands"`
}

type llmPlanCommand struct {
	Dir             string            `json:"dir"`
	Run             string            `json:"run"`
	TimeoutSeconds  *int              `json:"timeout_seconds,omitempty"`
	ContinueOnError bool              `json:"continue_on_error,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
}

// Plan asks the configured LLM for a plan, retrying once with a correction
// prompt if the first reply doesn't parse (§4.2).
func (l *Live) Plan(ctx context.Context, request string, inventory []protocol.Agent) (*protocol.Plan, error) {
	system := buildSystemPrompt(inventory)
	user := buildUserPrompt(request)

	reply, err := l.caller.Complete(ctx, system, user)
	if err != nil {
		return nil, fmt.Errorf("planner: llm call failed: %w", err)
	}

	resp, parseErr := parsePlanResponse(reply)
	if parseErr != nil {
		correction := fmt.Sprintf("Your previous reply was not valid JSON (%v). "+
			"Reply again with ONLY the JSON object described in the instructions, no prose.", parseErr)
		reply, err = l.caller.Complete(ctx, system, user+"\n\n"+correction)
		if err != nil {
			return nil, fmt.Errorf("planner: llm retry call failed: %w", err)
		}
		resp, parseErr = parsePlanResponse(reply)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: %v", ctlerr.ErrPlannerFormat, parseErr)
		}
	}

	plan := responseToPlan(resp)
	return postProcess(plan, inventory, resp.ModelRequestedApproval), nil
}

// buildSystemPrompt formats the agent inventory and the Plan JSON schema: a
// plain string builder, a bulleted list of structured inputs, then a fixed
// instructional suffix describing the exact JSON shape expected back.
func buildSystemPrompt(inventory []protocol.Agent) string {
	var sb strings.Builder

	sb.WriteString("You are the planning component of a task orchestration controller. ")
	sb.WriteString("Given an operator's request, produce a single execution plan as JSON.\n\n")

	sb.WriteString("Available agents:\n")
	if len(inventory) == 0 {
		sb.WriteString("  (none currently online)\n")
	}
	for _, a := range inventory {
		sb.WriteString(fmt.Sprintf(
			"- id=%s hostname=%s status=%s roles=%v tags=%v capabilities=%v\n",
			a.ID, a.Hostname, a.Status, a.Roles, a.Tags, a.Capabilities,
		))
	}

	sb.WriteString("\n")
	sb.WriteString(planInstructions)
	return sb.String()
}

func buildUserPrompt(request string) string {
	return fmt.Sprintf("Operator request: %s", request)
}

const planInstructions = `Return JSON in exactly this shape, with no markdown fences or commentary:
{
  "target_agent": "optional agent id",
  "target_role": "optional role name",
  "workspace": ".",
  "workspace_type": "bare",
  "steps": ["short human-readable step", "..."],
  "reasoning": "why this plan addresses the request",
  "risk_level": "low",
  "requires_approval": false,
  "commands": [
    { "dir": ".", "run": "shell command", "timeout_seconds": 300,
      "continue_on_error": false, "env": {} }
  ]
}
workspace_type must be one of "bare", "docker", "venv".
risk_level must be one of "low", "medium", "high".
Set requires_approval to true if you believe a human should review this plan
before it runs, even if you are otherwise confident in it.`

// parsePlanResponse extracts JSON from raw (tolerating markdown fences) and
// unmarshals plus validates it.
func parsePlanResponse(raw string) (*llmPlanResponse, error) {
	jsonStr := extractJSON(raw)

	var resp llmPlanResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if err := validatePlanResponse(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// extractJSON pulls a JSON object out of an LLM reply that may wrap it in a
// ```json fenced block or surround it with prose.
func extractJSON(response string) string {
	lines := strings.Split(response, "\n")
	inCodeBlock := false
	var jsonLines []string

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inCodeBlock {
				break
			}
			inCodeBlock = true
			continue
		}
		if inCodeBlock {
			jsonLines = append(jsonLines, line)
		}
	}
	if len(jsonLines) > 0 {
		return strings.Join(jsonLines, "\n")
	}

	start := strings.Index(response, "{")
	if start == -1 {
		return response
	}

	braceCount := 0
	end := start
	for i := start; i < len(response); i++ {
		switch response[i] {
		case '{':
			braceCount++
		case '}':
			braceCount--
			if braceCount == 0 {
				end = i + 1
				i = len(response)
			}
		}
	}
	return response[start:end]
}

func validatePlanResponse(resp *llmPlanResponse) error {
	if resp.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	switch protocol.WorkspaceType(resp.WorkspaceType) {
	case protocol.WorkspaceBare, protocol.WorkspaceDocker, protocol.WorkspaceVenv:
	default:
		return fmt.Errorf("workspace_type %q is not one of bare/docker/venv", resp.WorkspaceType)
	}
	if len(resp.Commands) == 0 {
		return fmt.Errorf("commands must not be empty")
	}
	for i, c := range resp.Commands {
		if strings.TrimSpace(c.Run) == "" {
			return fmt.Errorf("commands[%d].run is empty", i)
		}
		if c.TimeoutSeconds != nil && *c.TimeoutSeconds == 0 {
			return fmt.Errorf("commands[%d].timeout_seconds=0 is invalid (omit the field for the default)", i)
		}
		if c.TimeoutSeconds != nil && *c.TimeoutSeconds < 0 {
			return fmt.Errorf("commands[%d].timeout_seconds must be positive, got %d", i, *c.TimeoutSeconds)
		}
	}
	if resp.RiskLevel != "" {
		switch protocol.RiskLevel(resp.RiskLevel) {
		case protocol.RiskLow, protocol.RiskMedium, protocol.RiskHigh:
		default:
			return fmt.Errorf("risk_level %q is not one of low/medium/high", resp.RiskLevel)
		}
	}
	return nil
}

func responseToPlan(resp *llmPlanResponse) *protocol.Plan {
	commands := make([]protocol.Command, len(resp.Commands))
	for i, c := range resp.Commands {
		commands[i] = protocol.Command{
			Dir:             c.Dir,
			Run:             c.Run,
			TimeoutSeconds:  c.TimeoutSeconds,
			ContinueOnError: c.ContinueOnError,
			Env:             c.Env,
		}
	}

	return &protocol.Plan{
		TargetAgentID: resp.TargetAgentID,
		TargetRole:    resp.TargetRole,
		Workspace:     resp.Workspace,
		WorkspaceType: protocol.WorkspaceType(resp.WorkspaceType),
		Commands:      commands,
		Steps:         resp.Steps,
		Reasoning:     resp.Reasoning,
		RiskLevel:     protocol.RiskLevel(resp.RiskLevel),
	}
}
