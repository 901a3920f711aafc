// Package planner implements the abstract "plan(request, agent_inventory)
// -> Plan" capability of spec.md section 4.2 as a narrow interface with two
// concrete variants (stub and live-LLM), per spec.md section 9's guidance
// that a polymorphic capability should be a sum type or a single-method
// interface rather than leaking vendor SDK objects into the core.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentium/controller/internal/registry"
	"github.com/agentium/controller/internal/safety"
	"github.com/agentium/controller/internal/task"
	"github.com/agentium/controller/internal/taskerr"
)

// ErrPlannerFormat is returned when the live planner could not coerce the
// model's reply into valid Plan JSON after its single retry (spec.md
// section 4.2, section 7 PlannerFormatError).
type ErrPlannerFormat struct {
	Detail string
}

func (e *ErrPlannerFormat) Error() string {
	return fmt.Sprintf("planner: %s", e.Detail)
}

// Planner is the single capability the orchestrator depends on.
type Planner interface {
	Plan(ctx context.Context, request string, agents []registry.Agent) (*task.Plan, error)
}

// finalize applies the post-processing rule common to both variants
// (spec.md section 4.2): align risk_level with the validator's verdict and
// OR together every source of an approval requirement. It does not set
// target_agent_id: Stub picks one itself via selectTarget, and Live keeps
// the agent named in the model's reply. A VerdictDeny is terminal: spec.md
// section 4.1 requires the plan be rejected outright, never merely flagged
// for approval, so finalize returns a SafetyDenied error instead of a plan
// in that case (spec.md section 7).
func finalize(plan *task.Plan, modelRequestedApproval bool) error {
	cmds := commandStrings(plan)
	verdict := safety.ValidatePlan(cmds)

	switch verdict.Verdict {
	case safety.VerdictDeny:
		plan.RiskLevel = task.RiskHigh
		return taskerr.NewWithDetail(taskerr.KindSafetyDenied,
			safety.DenyMessage(verdict.DenyReason),
			strings.Join(cmds, "\n"))
	case safety.VerdictRequiresApproval:
		if plan.RiskLevel == "" || plan.RiskLevel == task.RiskLow {
			plan.RiskLevel = task.RiskMedium
		}
	default:
		if plan.RiskLevel == "" {
			plan.RiskLevel = task.RiskLow
		}
	}

	plan.RequiresApproval = verdict.Verdict == safety.VerdictRequiresApproval ||
		modelRequestedApproval ||
		plan.RiskLevel == task.RiskMedium ||
		plan.RiskLevel == task.RiskHigh
	return nil
}

func commandStrings(plan *task.Plan) []string {
	out := make([]string, len(plan.Commands))
	for i, c := range plan.Commands {
		out[i] = c.Run
	}
	return out
}
