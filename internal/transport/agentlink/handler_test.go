package agentlink

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentium/controller/internal/orchestrator"
	"github.com/agentium/controller/internal/registry"
	"github.com/agentium/controller/internal/scheduler"
	"github.com/agentium/controller/internal/task"
)

func dialTestServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestAgentHelloRegistersAgentInRegistry(t *testing.T) {
	store := task.NewStore(nil, nil)
	reg := registry.New(time.Minute, nil)
	sched := scheduler.New(store, reg, nil)
	orc := orchestrator.New(store, reg, sched, nil)

	srv := httptest.NewServer(New(orc))
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	hello := map[string]any{
		"type":     "agent_hello",
		"id":       "agent-1",
		"hostname": "box-1",
		"roles":    []string{"worker"},
	}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a, ok := reg.Get("agent-1"); ok && a.Status == registry.StatusOnline {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("agent never appeared online in the registry")
}

func TestMissingHelloClosesConnection(t *testing.T) {
	store := task.NewStore(nil, nil)
	reg := registry.New(time.Minute, nil)
	sched := scheduler.New(store, reg, nil)
	orc := orchestrator.New(store, reg, sched, nil)

	srv := httptest.NewServer(New(orc))
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(helloDeadline + 2*time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed after missing agent_hello")
	}
}

func TestCommandResultReachesScheduler(t *testing.T) {
	store := task.NewStore(nil, nil)
	reg := registry.New(time.Minute, nil)
	sched := scheduler.New(store, reg, nil)
	orc := orchestrator.New(store, reg, sched, nil)

	srv := httptest.NewServer(New(orc))
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{
		"type":     "agent_hello",
		"id":       "agent-1",
		"hostname": "box-1",
		"roles":    []string{"worker"},
	}); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a, ok := reg.Get("agent-1"); ok && a.Status == registry.StatusOnline {
			break
		}
		time.Sleep(time.Millisecond)
	}

	tk := store.Create("run a check")
	store.Transition(tk.ID, task.StatusPlanning)
	store.SetPlan(tk.ID, &task.Plan{
		TargetAgentID: "agent-1",
		Workspace:     "/srv",
		WorkspaceType: task.WorkspaceBare,
		RiskLevel:     task.RiskLow,
		Commands:      []task.Command{{Dir: "/srv", Run: "uptime", TimeoutSeconds: 5}},
	})
	if err := sched.Dispatch(tk.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Drain the command_execute the scheduler just sent.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read command_execute: %v", err)
	}

	if err := conn.WriteJSON(map[string]any{
		"type":          "command_result",
		"task_id":       tk.ID,
		"command_index": 0,
		"exit_code":     0,
	}); err != nil {
		t.Fatalf("write command_result: %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, _ := store.Get(tk.ID)
		if got.Status == task.StatusCompleted {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("task never completed after command_result")
}
