package planner

import (
	"context"
	"strings"

	"github.com/agentium/controller/internal/registry"
	"github.com/agentium/controller/internal/task"
)

// Stub is the deterministic keyword-heuristic planner used whenever no LLM
// credentials are configured (spec.md section 4.2 variant 2). None of its
// canned commands match a deny pattern, but Plan still runs them through the
// same finalize call as Live so that invariant is enforced by the shared
// code path rather than assumed.
type Stub struct{}

// NewStub returns a Stub planner.
func NewStub() *Stub { return &Stub{} }

// Plan implements Planner.
func (Stub) Plan(_ context.Context, request string, agents []registry.Agent) (*task.Plan, error) {
	lower := strings.ToLower(request)

	var commands []task.Command
	var steps []string
	reasoning := "matched keyword heuristic"

	switch {
	case strings.Contains(lower, "update") || strings.Contains(lower, "pull"):
		commands = []task.Command{{Run: "git pull origin main"}}
		steps = []string{"pull latest changes"}
	case strings.Contains(lower, "deploy"):
		commands = []task.Command{
			{Run: "git pull origin main"},
			{Run: "apt-get install -y --only-upgrade $(dpkg -l | awk '/^ii/{print $2}')"},
			{Run: "systemctl restart app"},
		}
		steps = []string{"pull latest changes", "install updated dependencies", "restart service"}
	case strings.Contains(lower, "status") || strings.Contains(lower, "check"):
		commands = []task.Command{{Run: "uptime && systemctl list-units --type=service --state=running"}}
		steps = []string{"report host status"}
	default:
		commands = []task.Command{{Run: "uptime && systemctl list-units --type=service --state=running"}}
		steps = []string{"no keyword matched, defaulting to a status check"}
		reasoning = "no keyword matched; defaulted to a safe read-only status check"
	}

	for i := range commands {
		commands[i].Normalize()
	}

	plan := &task.Plan{
		Workspace:     "/",
		WorkspaceType: task.WorkspaceBare,
		Steps:         steps,
		Reasoning:     reasoning,
		Commands:      commands,
	}
	selectTarget(plan, agents)
	if err := finalize(plan, false); err != nil {
		return nil, err
	}
	return plan, nil
}

// selectTarget picks a single online agent as the plan's default target
// when the planner itself has no role/agent preference, mirroring the
// dispatcher's own fallback rule (spec.md section 4.5 rule 3) so a Plan is
// never silently unroutable.
func selectTarget(plan *task.Plan, agents []registry.Agent) {
	for _, a := range agents {
		if a.Status == registry.StatusOnline {
			plan.TargetAgentID = a.ID
			return
		}
	}
}
