package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentium/controller/internal/llm"
	"github.com/agentium/controller/internal/registry"
	"github.com/agentium/controller/internal/task"
)

// Live delegates planning to an external LLM (spec.md section 4.2 variant
// 1): Anthropic/OpenAI-compatible/Ollama, selected upstream by whichever
// llm.Client the caller constructed via llm.New.
type Live struct {
	client llm.Client
}

// NewLive wraps an llm.Client as a Planner.
func NewLive(client llm.Client) *Live {
	return &Live{client: client}
}

const systemPromptTemplate = `You are the planning brain for a remote task-execution controller.
Given an operator's request and the current agent inventory, reply with ONLY a JSON object
matching this schema (no prose, no markdown fences unless you also close them):

{
  "target_agent": "string, optional",
  "target_role": "string, optional",
  "workspace": "string",
  "workspace_type": "bare|docker|venv",
  "steps": ["string", ...],
  "reasoning": "string",
  "risk_level": "low|medium|high",
  "requires_approval": true|false,
  "commands": [{"dir": "string", "run": "string", "timeout_seconds": 300, "continue_on_error": false, "env": {}}]
}

Agent inventory:
%s`

type wireCommand struct {
	Dir             string            `json:"dir"`
	Run             string            `json:"run"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	ContinueOnError bool              `json:"continue_on_error"`
	Env             map[string]string `json:"env"`
}

type wirePlan struct {
	TargetAgent      string        `json:"target_agent"`
	TargetRole       string        `json:"target_role"`
	Workspace        string        `json:"workspace"`
	WorkspaceType    string        `json:"workspace_type"`
	Steps            []string      `json:"steps"`
	Reasoning        string        `json:"reasoning"`
	RiskLevel        string        `json:"risk_level"`
	RequiresApproval bool          `json:"requires_approval"`
	Commands         []wireCommand `json:"commands"`
}

// Plan implements Planner.
func (l *Live) Plan(ctx context.Context, request string, agents []registry.Agent) (*task.Plan, error) {
	system := fmt.Sprintf(systemPromptTemplate, formatInventory(agents))

	reply, err := l.client.Complete(ctx, system, request)
	if err != nil {
		return nil, fmt.Errorf("planner: llm completion failed: %w", err)
	}

	wire, parseErr := parsePlanJSON(reply)
	if parseErr != nil {
		correction := "Your previous reply was not valid JSON matching the schema. " +
			"Reply again with ONLY the corrected JSON object, nothing else."
		reply, err = l.client.Complete(ctx, system, request+"\n\n"+correction)
		if err != nil {
			return nil, fmt.Errorf("planner: llm completion retry failed: %w", err)
		}
		wire, parseErr = parsePlanJSON(reply)
		if parseErr != nil {
			return nil, &ErrPlannerFormat{Detail: "model reply was not valid Plan JSON after one retry"}
		}
	}

	plan := wireToPlan(wire)
	if err := finalize(plan, wire.RequiresApproval); err != nil {
		return nil, err
	}
	return plan, nil
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

// parsePlanJSON accepts a bare JSON object or one wrapped in a fenced code
// block (spec.md section 4.2: "accepts fenced JSON").
func parsePlanJSON(reply string) (*wirePlan, error) {
	candidate := strings.TrimSpace(reply)
	if m := fencedJSON.FindStringSubmatch(candidate); m != nil {
		candidate = m[1]
	}

	var wire wirePlan
	if err := json.Unmarshal([]byte(candidate), &wire); err != nil {
		return nil, err
	}
	if wire.Workspace == "" && len(wire.Commands) == 0 {
		return nil, fmt.Errorf("empty plan")
	}
	return &wire, nil
}

func wireToPlan(wire *wirePlan) *task.Plan {
	commands := make([]task.Command, len(wire.Commands))
	for i, c := range wire.Commands {
		commands[i] = task.Command{
			Dir:             c.Dir,
			Run:             c.Run,
			TimeoutSeconds:  c.TimeoutSeconds,
			ContinueOnError: c.ContinueOnError,
			Env:             c.Env,
		}
		commands[i].Normalize()
	}

	workspaceType := task.WorkspaceType(wire.WorkspaceType)
	if workspaceType == "" {
		workspaceType = task.WorkspaceBare
	}

	return &task.Plan{
		TargetAgentID: wire.TargetAgent,
		TargetRole:    wire.TargetRole,
		Workspace:     wire.Workspace,
		WorkspaceType: workspaceType,
		Steps:         wire.Steps,
		Reasoning:     wire.Reasoning,
		RiskLevel:     task.RiskLevel(wire.RiskLevel),
		Commands:      commands,
	}
}

func formatInventory(agents []registry.Agent) string {
	if len(agents) == 0 {
		return "- (no agents currently connected)"
	}
	var b strings.Builder
	for _, a := range agents {
		fmt.Fprintf(&b, "- id=%s hostname=%s status=%s roles=%s tags=%s capabilities=%v\n",
			a.ID, a.Hostname, a.Status, strings.Join(a.Roles, ","), strings.Join(a.Tags, ","), a.Capabilities)
	}
	return b.String()
}
