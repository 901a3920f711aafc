package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/agentium/controller/internal/registry"
	"github.com/agentium/controller/internal/task"
)

// recordingSender captures every command_execute/command_cancel sent to it
// so a test can synthesize the matching agent response.
type recordingSender struct {
	mu     sync.Mutex
	sent   []any
	closed bool
}

func (r *recordingSender) Send(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, v)
	return nil
}

func (r *recordingSender) Close() error {
	r.closed = true
	return nil
}

func (r *recordingSender) last() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return nil
	}
	return r.sent[len(r.sent)-1]
}

type fakeAudit struct {
	mu      sync.Mutex
	results []string
	events  []string
}

func (f *fakeAudit) RecordCommandResult(taskID string, index, exitCode int, details string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, taskID)
}

func (f *fakeAudit) RecordAgentEvent(agentID, event, details string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func newTestEnv(t *testing.T) (*task.Store, *registry.Registry, *recordingSender) {
	t.Helper()
	store := task.NewStore(nil, nil)
	reg := registry.New(time.Minute, nil)
	sender := &recordingSender{}
	reg.Register(registry.HelloMessage{ID: "agent-1", Roles: []string{"worker"}}, sender)
	return store, reg, sender
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

func planWithOneCommand(run string) *task.Plan {
	return &task.Plan{
		TargetAgentID: "agent-1",
		Workspace:     "/srv",
		WorkspaceType: task.WorkspaceBare,
		RiskLevel:     task.RiskLow,
		Commands: []task.Command{
			{Dir: "/srv", Run: run, TimeoutSeconds: 5},
		},
	}
}

func TestDispatchRunsCommandAndCompletesOnSuccess(t *testing.T) {
	store, reg, sender := newTestEnv(t)
	audit := &fakeAudit{}
	sched := New(store, reg, audit)

	tk := store.Create("check status")
	store.Transition(tk.ID, task.StatusPlanning)
	store.SetPlan(tk.ID, planWithOneCommand("uptime"))

	if err := sched.Dispatch(tk.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return sender.last() != nil })

	sched.HandleCommandResult(tk.ID, task.CommandResult{CommandIndex: 0, ExitCode: 0, Stdout: "ok"})

	waitUntil(t, time.Second, func() bool {
		got, _ := store.Get(tk.ID)
		return got.Status == task.StatusCompleted
	})

	if len(audit.results) != 1 {
		t.Fatalf("expected one recorded command result, got %d", len(audit.results))
	}
}

func TestDispatchFailsTaskOnNonZeroExit(t *testing.T) {
	store, reg, sender := newTestEnv(t)
	sched := New(store, reg, nil)

	tk := store.Create("run broken build")
	store.Transition(tk.ID, task.StatusPlanning)
	store.SetPlan(tk.ID, planWithOneCommand("make build"))

	if err := sched.Dispatch(tk.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return sender.last() != nil })

	sched.HandleCommandResult(tk.ID, task.CommandResult{CommandIndex: 0, ExitCode: 1})

	waitUntil(t, time.Second, func() bool {
		got, _ := store.Get(tk.ID)
		return got.Status == task.StatusFailed
	})
}

func TestFIFOOrderingOnNonConcurrentAgent(t *testing.T) {
	store, reg, sender := newTestEnv(t)
	sched := New(store, reg, nil)

	t1 := store.Create("first")
	store.Transition(t1.ID, task.StatusPlanning)
	store.SetPlan(t1.ID, planWithOneCommand("one"))

	t2 := store.Create("second")
	store.Transition(t2.ID, task.StatusPlanning)
	store.SetPlan(t2.ID, planWithOneCommand("two"))

	if err := sched.Dispatch(t1.ID); err != nil {
		t.Fatalf("dispatch 1: %v", err)
	}
	if err := sched.Dispatch(t2.ID); err != nil {
		t.Fatalf("dispatch 2: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return sender.last() != nil })

	got2, _ := store.Get(t2.ID)
	if got2.Status == task.StatusRunning {
		t.Fatal("second task started running before the first finished on a non-concurrent agent")
	}

	sched.HandleCommandResult(t1.ID, task.CommandResult{CommandIndex: 0, ExitCode: 0})
	waitUntil(t, time.Second, func() bool {
		got, _ := store.Get(t1.ID)
		return got.Status == task.StatusCompleted
	})

	waitUntil(t, time.Second, func() bool {
		got, _ := store.Get(t2.ID)
		return got.Status == task.StatusRunning
	})

	sched.HandleCommandResult(t2.ID, task.CommandResult{CommandIndex: 0, ExitCode: 0})
	waitUntil(t, time.Second, func() bool {
		got, _ := store.Get(t2.ID)
		return got.Status == task.StatusCompleted
	})
}

func TestHandleAgentDisconnectedFailsWaitingTask(t *testing.T) {
	store, reg, sender := newTestEnv(t)
	sched := New(store, reg, nil)

	tk := store.Create("long running")
	store.Transition(tk.ID, task.StatusPlanning)
	store.SetPlan(tk.ID, planWithOneCommand("sleep 100"))

	if err := sched.Dispatch(tk.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return sender.last() != nil })

	sched.HandleAgentDisconnected("agent-1")

	waitUntil(t, time.Second, func() bool {
		got, _ := store.Get(tk.ID)
		return got.Status == task.StatusFailed
	})
}

func TestCancelStopsAWaitingCommand(t *testing.T) {
	store, reg, sender := newTestEnv(t)
	sched := New(store, reg, nil)

	tk := store.Create("cancel me")
	store.Transition(tk.ID, task.StatusPlanning)
	store.SetPlan(tk.ID, planWithOneCommand("sleep 100"))

	if err := sched.Dispatch(tk.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return sender.last() != nil })

	if err := sched.Cancel(tk.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		got, _ := store.Get(tk.ID)
		return got.Status == task.StatusCancelled
	})

	if cmd, ok := sender.last().(commandCancel); !ok || cmd.TaskID != tk.ID {
		t.Fatalf("expected a command_cancel to be sent, got %#v", sender.last())
	}
}

func TestCommandTimesOutWithoutAResult(t *testing.T) {
	store, reg, sender := newTestEnv(t)
	sched := New(store, reg, nil)
	sched.networkSlack = 10 * time.Millisecond

	tk := store.Create("slow agent")
	store.Transition(tk.ID, task.StatusPlanning)
	plan := planWithOneCommand("uptime")
	plan.Commands[0].TimeoutSeconds = 1
	store.SetPlan(tk.ID, plan)

	if err := sched.Dispatch(tk.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return sender.last() != nil })

	waitUntil(t, 3*time.Second, func() bool {
		got, _ := store.Get(tk.ID)
		return got.Status == task.StatusFailed
	})
}
