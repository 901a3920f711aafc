package planner

import (
	"testing"

	"github.com/agentium/controller/internal/task"
	"github.com/agentium/controller/internal/taskerr"
)

func TestFinalizeDeniesCommandAndReturnsError(t *testing.T) {
	plan := &task.Plan{Commands: []task.Command{{Run: "mkfs.ext4 /dev/sda1"}}}

	err := finalize(plan, false)
	if err == nil {
		t.Fatal("expected finalize to return an error for a denied command")
	}
	tErr, ok := err.(*taskerr.Error)
	if !ok {
		t.Fatalf("expected *taskerr.Error, got %T", err)
	}
	if tErr.Kind != taskerr.KindSafetyDenied {
		t.Fatalf("kind = %s, want %s", tErr.Kind, taskerr.KindSafetyDenied)
	}
}

func TestFinalizeRequiresApprovalSetsMediumRisk(t *testing.T) {
	plan := &task.Plan{Commands: []task.Command{{Run: "apt-get install -y curl"}}}

	if err := finalize(plan, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.RiskLevel != task.RiskMedium {
		t.Fatalf("risk = %s, want medium", plan.RiskLevel)
	}
	if !plan.RequiresApproval {
		t.Fatal("expected RequiresApproval to be true")
	}
}

func TestFinalizeAutoApproveSetsLowRisk(t *testing.T) {
	plan := &task.Plan{Commands: []task.Command{{Run: "uptime"}}}

	if err := finalize(plan, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.RiskLevel != task.RiskLow {
		t.Fatalf("risk = %s, want low", plan.RiskLevel)
	}
	if plan.RequiresApproval {
		t.Fatal("a plain auto-approve command should not require approval")
	}
}

func TestFinalizeModelRequestedApprovalIsHonoredEvenWhenAutoApprove(t *testing.T) {
	plan := &task.Plan{Commands: []task.Command{{Run: "uptime"}}}

	if err := finalize(plan, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.RequiresApproval {
		t.Fatal("a model-requested approval should be honored regardless of verdict")
	}
}
