package task

import (
	"testing"
	"time"
)

func TestCreateStartsPending(t *testing.T) {
	s := NewStore(nil, nil)
	tsk := s.Create("check uptime")
	if tsk.Status != StatusPending {
		t.Fatalf("status = %s, want pending", tsk.Status)
	}
	if tsk.Version != 1 {
		t.Fatalf("version = %d, want 1", tsk.Version)
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	s := NewStore(nil, nil)
	tsk := s.Create("do a thing")

	if _, err := s.Transition(tsk.ID, StatusRunning); err == nil {
		t.Fatal("expected InvalidTransition from pending to running")
	}

	if _, err := s.Transition(tsk.ID, StatusPlanning); err != nil {
		t.Fatalf("pending -> planning should be legal: %v", err)
	}
}

func TestSetPlanEmptyCommandsCompletesImmediately(t *testing.T) {
	s := NewStore(nil, nil)
	tsk := s.Create("noop")
	s.Transition(tsk.ID, StatusPlanning)

	updated, err := s.SetPlan(tsk.ID, &Plan{Commands: nil})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed for empty plan", updated.Status)
	}
}

func TestSetPlanRequiresApprovalGoesToAwaitingApproval(t *testing.T) {
	s := NewStore(nil, nil)
	tsk := s.Create("apt-get install foo")
	s.Transition(tsk.ID, StatusPlanning)

	updated, err := s.SetPlan(tsk.ID, &Plan{RequiresApproval: true, Commands: []Command{{Run: "apt-get install foo"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", updated.Status)
	}
}

func TestApproveRejectCycle(t *testing.T) {
	s := NewStore(nil, nil)
	tsk := s.Create("apt-get install foo")
	s.Transition(tsk.ID, StatusPlanning)
	s.SetPlan(tsk.ID, &Plan{RequiresApproval: true, Commands: []Command{{Run: "apt-get install foo"}}})

	updated, err := s.Approve(tsk.ID, false, "alice", "no")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected", updated.Status)
	}
}

func TestApproveIdempotentOnRepeatedDecision(t *testing.T) {
	s := NewStore(nil, nil)
	tsk := s.Create("apt-get install foo")
	s.Transition(tsk.ID, StatusPlanning)
	s.SetPlan(tsk.ID, &Plan{RequiresApproval: true, Commands: []Command{{Run: "apt-get install foo"}}})

	first, err := s.Approve(tsk.ID, true, "alice", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.Approve(tsk.ID, true, "alice", "")
	if err != nil {
		t.Fatalf("repeated identical approval should not error, got: %v", err)
	}
	if second.Version != first.Version {
		t.Fatalf("repeated identical approval should not bump version: %d -> %d", first.Version, second.Version)
	}
}

func TestCancelOnTerminalIsNoop(t *testing.T) {
	s := NewStore(nil, nil)
	tsk := s.Create("thing")
	s.Transition(tsk.ID, StatusPlanning)
	s.FailPlanning(tsk.ID, "boom")

	updated, err := s.Cancel(tsk.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != StatusFailed {
		t.Fatalf("status = %s, want unchanged failed", updated.Status)
	}
}

func TestOutputFramingPrefixesFirstChunkPerCommand(t *testing.T) {
	s := NewStore(nil, nil)
	tsk := s.Create("thing")
	s.Transition(tsk.ID, StatusPlanning)
	s.SetPlan(tsk.ID, &Plan{Commands: []Command{{Run: "echo hi"}}})
	s.MarkRunning(tsk.ID)

	updated, _ := s.AppendOutput(tsk.ID, 0, "stdout", "hi\n")
	updated, _ = s.AppendOutput(tsk.ID, 0, "stdout", "more\n")
	want := "[cmd 0] hi\nmore\n"
	if updated.Output != want {
		t.Fatalf("output = %q, want %q", updated.Output, want)
	}
}

func TestSweepRemovesOldTerminalTasks(t *testing.T) {
	s := NewStore(nil, nil)
	tsk := s.Create("thing")
	s.Transition(tsk.ID, StatusPlanning)
	s.FailPlanning(tsk.ID, "boom")

	// Force UpdatedAt into the past by sweeping with a zero max age.
	removed := s.Sweep(0, 256)
	if removed != 1 {
		t.Fatalf("expected 1 removed task, got %d", removed)
	}
	if _, ok := s.Get(tsk.ID); ok {
		t.Fatal("swept task should be gone")
	}
}

func TestCommandNormalizeClampsTimeout(t *testing.T) {
	c := Command{TimeoutSeconds: 0}
	c.Normalize()
	if c.TimeoutSeconds != 300 {
		t.Fatalf("default timeout = %d, want 300", c.TimeoutSeconds)
	}

	c = Command{TimeoutSeconds: 10000}
	c.Normalize()
	if c.TimeoutSeconds != 3600 {
		t.Fatalf("clamped timeout = %d, want 3600", c.TimeoutSeconds)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	s := NewStore(nil, nil)
	first := s.Create("first")
	time.Sleep(time.Millisecond)
	second := s.Create("second")

	tasks := s.List("", 0)
	if len(tasks) != 2 || tasks[0].ID != second.ID || tasks[1].ID != first.ID {
		t.Fatalf("expected newest-first ordering, got %+v", tasks)
	}
}
