package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentium/controller/internal/registry"
	"github.com/agentium/controller/internal/scheduler"
	"github.com/agentium/controller/internal/task"
	"github.com/agentium/controller/internal/taskerr"
)

var errPlanningBlocked = taskerr.New(taskerr.KindSafetyDenied, "command matches a deny pattern")

func schedulerFor(t *testing.T, store *task.Store, reg *registry.Registry) *scheduler.Scheduler {
	t.Helper()
	return scheduler.New(store, reg, nil)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []any
}

func (f *fakeSender) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSender) Close() error { return nil }

func (f *fakeSender) last() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

// stubPlanner returns a fixed plan regardless of request, letting these
// tests exercise the orchestrator's wiring without a real LLM call.
type stubPlanner struct {
	plan *task.Plan
	err  error
}

func (p *stubPlanner) Plan(ctx context.Context, request string, agents []registry.Agent) (*task.Plan, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.plan, nil
}

func onePlan(targetAgentID string, requiresApproval bool) *task.Plan {
	return &task.Plan{
		TargetAgentID:    targetAgentID,
		Workspace:        "/srv",
		WorkspaceType:    task.WorkspaceBare,
		RiskLevel:        task.RiskLow,
		RequiresApproval: requiresApproval,
		Commands: []task.Command{
			{Dir: "/srv", Run: "uptime", TimeoutSeconds: 5},
		},
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSubmitRequestDispatchesImmediatelyWhenNoApprovalRequired(t *testing.T) {
	store := task.NewStore(nil, nil)
	reg := registry.New(time.Minute, nil)
	sched := schedulerFor(t, store, reg)
	sender := &fakeSender{}
	reg.Register(registry.HelloMessage{ID: "agent-1", Roles: []string{"worker"}}, sender)

	o := New(store, reg, sched, &stubPlanner{plan: onePlan("agent-1", false)})

	tk := o.SubmitRequest("check status", "", "", false)
	if tk.Status != task.StatusPending {
		t.Fatalf("expected pending status immediately, got %s", tk.Status)
	}

	waitUntil(t, time.Second, func() bool { return sender.last() != nil })

	got, _ := o.GetTask(tk.ID)
	if got.Status != task.StatusRunning {
		t.Fatalf("expected task to be dispatched and running, got %s", got.Status)
	}
}

func TestSubmitRequestStopsAtAwaitingApprovalWhenPlanRequiresIt(t *testing.T) {
	store := task.NewStore(nil, nil)
	reg := registry.New(time.Minute, nil)
	sched := schedulerFor(t, store, reg)
	sender := &fakeSender{}
	reg.Register(registry.HelloMessage{ID: "agent-1", Roles: []string{"worker"}}, sender)

	o := New(store, reg, sched, &stubPlanner{plan: onePlan("agent-1", true)})

	tk := o.SubmitRequest("rm -rf /data", "", "", false)

	waitUntil(t, time.Second, func() bool {
		got, _ := o.GetTask(tk.ID)
		return got.Status == task.StatusAwaitingApproval
	})

	if sender.last() != nil {
		t.Fatal("expected no command dispatched before approval")
	}
}

func TestApproveDispatchesAPreviouslyAwaitingTask(t *testing.T) {
	store := task.NewStore(nil, nil)
	reg := registry.New(time.Minute, nil)
	sched := schedulerFor(t, store, reg)
	sender := &fakeSender{}
	reg.Register(registry.HelloMessage{ID: "agent-1", Roles: []string{"worker"}}, sender)

	o := New(store, reg, sched, &stubPlanner{plan: onePlan("agent-1", true)})

	tk := o.SubmitRequest("rm -rf /data", "", "", false)
	waitUntil(t, time.Second, func() bool {
		got, _ := o.GetTask(tk.ID)
		return got.Status == task.StatusAwaitingApproval
	})

	if _, err := o.Approve(tk.ID, true, "ops", "looks fine"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return sender.last() != nil })
}

func TestCancelDelegatesToScheduler(t *testing.T) {
	store := task.NewStore(nil, nil)
	reg := registry.New(time.Minute, nil)
	sched := schedulerFor(t, store, reg)
	sender := &fakeSender{}
	reg.Register(registry.HelloMessage{ID: "agent-1", Roles: []string{"worker"}}, sender)

	o := New(store, reg, sched, &stubPlanner{plan: onePlan("agent-1", false)})

	tk := o.SubmitRequest("long task", "", "", false)
	waitUntil(t, time.Second, func() bool { return sender.last() != nil })

	got, err := o.Cancel(tk.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", got.Status)
	}
}

func TestHandleAgentDisconnectedPropagatesToBothCollaborators(t *testing.T) {
	store := task.NewStore(nil, nil)
	reg := registry.New(time.Minute, nil)
	sched := schedulerFor(t, store, reg)
	sender := &fakeSender{}
	reg.Register(registry.HelloMessage{ID: "agent-1", Roles: []string{"worker"}}, sender)

	o := New(store, reg, sched, &stubPlanner{plan: onePlan("agent-1", false)})

	tk := o.SubmitRequest("long task", "", "", false)
	waitUntil(t, time.Second, func() bool { return sender.last() != nil })

	o.HandleAgentDisconnected("agent-1")

	waitUntil(t, time.Second, func() bool {
		got, _ := o.GetTask(tk.ID)
		return got.Status == task.StatusFailed
	})

	agent, ok := o.Agent("agent-1")
	if !ok {
		t.Fatal("expected agent to still be known after disconnect")
	}
	if agent.Status != registry.StatusOffline {
		t.Fatalf("expected agent marked offline, got %s", agent.Status)
	}
}

func TestSubmitRequestFailsTaskOnPlannerError(t *testing.T) {
	store := task.NewStore(nil, nil)
	reg := registry.New(time.Minute, nil)
	sched := schedulerFor(t, store, reg)

	o := New(store, reg, sched, &stubPlanner{err: errPlanningBlocked})

	tk := o.SubmitRequest("do something forbidden", "", "", false)

	waitUntil(t, time.Second, func() bool {
		got, _ := o.GetTask(tk.ID)
		return got.Status == task.StatusFailed
	})
}
