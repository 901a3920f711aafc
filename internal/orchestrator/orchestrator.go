// Package orchestrator is the thin façade of spec.md section 4.7: it
// binds the REST and WebSocket boundaries (internal/transport/*) to the
// Planner, Safety Validator, Task Store, Agent Registry, and Scheduler,
// adding no policy of its own beyond "request in, Planner -> Validator ->
// TaskStore -> Scheduler out".
package orchestrator

import (
	"context"
	"log"

	"github.com/agentium/controller/internal/planner"
	"github.com/agentium/controller/internal/registry"
	"github.com/agentium/controller/internal/scheduler"
	"github.com/agentium/controller/internal/task"
	"github.com/agentium/controller/internal/taskerr"
)

// Orchestrator wires every core component together and exposes the
// handful of operations the transport layer calls into.
type Orchestrator struct {
	store     *task.Store
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	planner   planner.Planner
}

// New builds an Orchestrator over already-constructed components; wiring
// them is cmd/controller/main.go's job, not this package's.
func New(store *task.Store, reg *registry.Registry, sched *scheduler.Scheduler, p planner.Planner) *Orchestrator {
	return &Orchestrator{store: store, registry: reg, scheduler: sched, planner: p}
}

// SubmitRequest is the Orchestrator's entry for POST /api/tasks: it
// creates the task, then plans and validates it asynchronously (the
// Planner may call out to an LLM, so the HTTP handler should not block on
// it), since spec.md describes submission and planning as ends of one
// request-scoped flow but planning itself is the part most likely to be
// slow. The returned Task reflects status `pending` immediately.
func (o *Orchestrator) SubmitRequest(request string, targetAgentID, targetRole string, skipApproval bool) *task.Task {
	t := o.store.Create(request)
	go o.plan(t.ID, request, targetAgentID, targetRole, skipApproval)
	return t
}

// plan runs the Planner -> Validator -> SetPlan pipeline for one task,
// dispatching immediately if the resulting plan needs no approval.
func (o *Orchestrator) plan(taskID, request, targetAgentID, targetRole string, skipApproval bool) {
	if _, err := o.store.Transition(taskID, task.StatusPlanning); err != nil {
		return
	}

	agents := o.registry.Snapshot()
	plan, err := o.planner.Plan(context.Background(), request, agents)
	if err != nil {
		reason := plannerFailureReason(err)
		o.store.FailPlanning(taskID, reason)
		return
	}

	if targetAgentID != "" {
		plan.TargetAgentID = targetAgentID
	}
	if targetRole != "" {
		plan.TargetRole = targetRole
	}
	if skipApproval {
		plan.RequiresApproval = false
	}

	t, err := o.store.SetPlan(taskID, plan)
	if err != nil {
		log.Printf("orchestrator: setting plan for task %s: %v", taskID, err)
		return
	}

	if t.Status == task.StatusReady {
		o.dispatch(taskID)
	}
}

// plannerFailureReason redacts a SafetyDenied error down to its rule
// category only, per the Open Question decision recorded in DESIGN.md:
// the offending command text never reaches a public field.
func plannerFailureReason(err error) string {
	if tErr, ok := err.(*taskerr.Error); ok {
		return tErr.Message
	}
	return "planning failed: " + err.Error()
}

// Approve handles POST /api/tasks/{id}/approve.
func (o *Orchestrator) Approve(taskID string, approved bool, actor, reason string) (*task.Task, error) {
	t, err := o.store.Approve(taskID, approved, actor, reason)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusReady {
		o.dispatch(taskID)
	}
	return t, nil
}

// Cancel handles POST /api/tasks/{id}/cancel.
func (o *Orchestrator) Cancel(taskID string) (*task.Task, error) {
	if err := o.scheduler.Cancel(taskID); err != nil {
		return nil, err
	}
	t, ok := o.store.Get(taskID)
	if !ok {
		return nil, task.ErrNotFound
	}
	return t, nil
}

// dispatch hands a ready task to the Scheduler, failing it with
// AgentUnavailable if no agent can be found instead of propagating the
// error to an HTTP caller that already got a 200 from approve/submit.
func (o *Orchestrator) dispatch(taskID string) {
	if err := o.scheduler.Dispatch(taskID); err != nil {
		o.store.Fail(taskID, err.Error())
	}
}

// GetTask handles GET /api/tasks/{id}.
func (o *Orchestrator) GetTask(id string) (*task.Task, bool) {
	return o.store.Get(id)
}

// ListTasks handles GET /api/tasks.
func (o *Orchestrator) ListTasks(status task.Status, limit int) []*task.Task {
	return o.store.List(status, limit)
}

// Agents handles GET /api/agents.
func (o *Orchestrator) Agents() []registry.Agent {
	return o.registry.Snapshot()
}

// Agent handles GET /api/agents/{id} (expansion: single-agent detail).
func (o *Orchestrator) Agent(id string) (registry.Agent, bool) {
	return o.registry.Get(id)
}

// RemoveAgent handles POST /api/agents/{id}/remove (expansion: the
// explicit admin tombstone operation named in spec.md section 3).
func (o *Orchestrator) RemoveAgent(id string) bool {
	return o.registry.Remove(id)
}

// Health handles GET /health.
type HealthStatus struct {
	Status string
	Total  int
	Online int
}

func (o *Orchestrator) Health() HealthStatus {
	total, online := o.registry.Counts()
	return HealthStatus{Status: "ok", Total: total, Online: online}
}

// HandleAgentHello registers a newly connected agent, as called from the
// agent WebSocket transport on receipt of agent_hello.
func (o *Orchestrator) HandleAgentHello(hello registry.HelloMessage, outbound registry.OutboundSender) registry.Agent {
	return o.registry.Register(hello, outbound)
}

// HandleAgentHeartbeat forwards a heartbeat to the registry.
func (o *Orchestrator) HandleAgentHeartbeat(id string, telemetry registry.Telemetry, outbound registry.OutboundSender) (registry.Agent, bool) {
	return o.registry.Heartbeat(id, telemetry, outbound)
}

// HandleAgentDisconnected tells both the registry and scheduler an
// agent's link dropped.
func (o *Orchestrator) HandleAgentDisconnected(id string) {
	o.registry.Disconnect(id)
	o.scheduler.HandleAgentDisconnected(id)
}

// HandleTaskOutput forwards a streamed chunk to the scheduler.
func (o *Orchestrator) HandleTaskOutput(taskID string, commandIndex int, stream, content string) {
	o.scheduler.HandleTaskOutput(taskID, commandIndex, stream, content)
}

// HandleCommandResult forwards a terminal command result to the
// scheduler.
func (o *Orchestrator) HandleCommandResult(taskID string, result task.CommandResult) {
	o.scheduler.HandleCommandResult(taskID, result)
}
