// Package scheduler dispatches a task's plan to its assigned agent and
// drives it, command by command, through the suspension points of spec.md
// section 5: awaiting a command_result, a watchdog-advancing output chunk,
// a timeout, or a cancel signal. It never executes anything itself — it
// only ever sends command_execute/command_cancel over an agent's
// registry.OutboundSender and waits for the transport layer to deliver the
// matching HandleTaskOutput/HandleCommandResult calls back in.
package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentium/controller/internal/audit"
	"github.com/agentium/controller/internal/registry"
	"github.com/agentium/controller/internal/task"
	"github.com/agentium/controller/internal/taskerr"
)

// DefaultNetworkSlack is added to a command's own timeout_seconds to form
// the watchdog deadline, per spec.md section 4.5.
const DefaultNetworkSlack = 10 * time.Second

// DefaultCancelGrace is how long the scheduler waits for a real
// command_result after sending command_cancel before forcing the -1 exit
// code, per spec.md section 4.4/5.
const DefaultCancelGrace = 5 * time.Second

// Sentinel exit codes for commands the agent never finished reporting on,
// per spec.md section 4.5 steps 5-6 and section 4.4's cancellation rule.
const (
	exitCancelled    = -1
	exitTimedOut     = -2
	exitDisconnected = -3
)

// AuditLogger is the narrow slice of *audit.Logger the scheduler writes
// through. Defined here, not imported from internal/audit, for the same
// forest-of-ownership reason as task.AuditLogger.
type AuditLogger interface {
	RecordCommandResult(taskID string, index, exitCode int, details string)
	RecordAgentEvent(agentID, event, details string)
}

var errCancelled = taskerr.New(taskerr.KindInternal, "command cancelled")

// pendingCommand tracks the one in-flight command_execute for a task,
// correlating async HandleTaskOutput/HandleCommandResult calls back to the
// runCommand goroutine blocked waiting on it.
type pendingCommand struct {
	commandIndex int
	timeout      time.Duration
	resultCh     chan task.CommandResult
	abortCh      chan error
	watchdog     *time.Timer
}

// Scheduler owns per-agent FIFO dispatch: an agent without the
// concurrent=true capability runs one command, from one task, at a time;
// tasks targeting it queue in submission order. Agents with the
// capability run every dispatched task concurrently (spec.md section 4.5).
type Scheduler struct {
	store    *task.Store
	registry *registry.Registry
	audit    AuditLogger

	networkSlack time.Duration
	cancelGrace  time.Duration

	queuesMu sync.Mutex
	queues   map[string]chan string // agentID -> queued task ids, FIFO

	waiting sync.Map // taskID -> *pendingCommand
}

// New creates a Scheduler. A nil audit is allowed; command results and
// agent events simply go unlogged.
func New(store *task.Store, reg *registry.Registry, audit AuditLogger) *Scheduler {
	return &Scheduler{
		store:        store,
		registry:     reg,
		audit:        audit,
		networkSlack: DefaultNetworkSlack,
		cancelGrace:  DefaultCancelGrace,
		queues:       make(map[string]chan string),
	}
}

// Dispatch selects an agent for a task's plan and either runs it
// immediately (concurrent agents) or enqueues it on the agent's FIFO
// worker (everyone else).
func (s *Scheduler) Dispatch(taskID string) error {
	t, ok := s.store.Get(taskID)
	if !ok || t.Plan == nil {
		return taskerr.New(taskerr.KindInternal, "task has no plan to dispatch")
	}

	agent, err := s.registry.Select(t.Plan.TargetAgentID, t.Plan.TargetRole)
	if err != nil {
		return taskerr.NewWithDetail(taskerr.KindAgentUnavailable, "no suitable agent available", err.Error())
	}

	if _, err := s.store.AssignAgent(taskID, agent.ID); err != nil {
		return err
	}
	s.registry.IncrementActive(agent.ID)

	if agent.SupportsConcurrentTasks() {
		go s.runTask(taskID, agent.ID)
		return nil
	}

	s.enqueue(agent.ID, taskID)
	return nil
}

// enqueue appends taskID to agentID's FIFO, starting the agent's drain
// worker lazily on first use.
func (s *Scheduler) enqueue(agentID, taskID string) {
	s.queuesMu.Lock()
	q, ok := s.queues[agentID]
	if !ok {
		q = make(chan string, 4096)
		s.queues[agentID] = q
		go s.drain(agentID, q)
	}
	s.queuesMu.Unlock()
	q <- taskID
}

func (s *Scheduler) drain(agentID string, q chan string) {
	for taskID := range q {
		s.runTask(taskID, agentID)
	}
}

// runTask executes a task's plan sequentially, command by command,
// stopping at the first non-zero exit unless that command set
// continue_on_error.
func (s *Scheduler) runTask(taskID, agentID string) {
	defer s.registry.DecrementActive(agentID)

	t, ok := s.store.Get(taskID)
	if !ok || t.Plan == nil || t.Status.Terminal() {
		return
	}

	if _, err := s.store.MarkRunning(taskID); err != nil {
		return
	}

	for i, cmd := range t.Plan.Commands {
		result, err := s.runCommand(taskID, agentID, i, cmd)

		if result != nil {
			if _, rerr := s.store.RecordCommandResult(taskID, *result); rerr != nil {
				return
			}
			if s.audit != nil {
				s.audit.RecordCommandResult(taskID, i, result.ExitCode, auditDetails(cmd.Run))
			}
		}

		if err != nil {
			if err == errCancelled {
				return
			}
			s.store.Fail(taskID, err.Error())
			if s.audit != nil {
				s.audit.RecordAgentEvent(agentID, "task_failed", err.Error())
			}
			return
		}

		if result.ExitCode != 0 && !cmd.ContinueOnError {
			s.store.Fail(taskID, taskerr.CommandFailed(result.ExitCode).Error())
			return
		}
	}

	s.store.Complete(taskID)
}

// auditDetails classifies a dispatched command and prefixes its categories
// onto the raw command text, so the audit trail records not just what ran
// but whether it installed a package, moved data off the host, or wrote to
// a credential path, without the scheduler itself knowing anything about
// classification rules.
func auditDetails(run string) string {
	categories := audit.ClassifyBashCommand(run)
	labels := make([]string, len(categories))
	for i, c := range categories {
		labels[i] = string(c)
	}
	return "[" + strings.Join(labels, ",") + "] " + run
}

// runCommand sends one command_execute and suspends until a
// command_result arrives, the watchdog fires, or the command is aborted
// (cancelled or the agent disconnects). It returns the CommandResult to
// record, if any was produced, alongside an error that — when non-nil —
// tells runTask to stop after recording it. A nil result means the
// command was never actually dispatched, so nothing to record.
func (s *Scheduler) runCommand(taskID, agentID string, index int, cmd task.Command) (*task.CommandResult, error) {
	sender := s.registry.Outbound(agentID)
	if sender == nil {
		return nil, taskerr.New(taskerr.KindAgentDisconnected, "agent went offline before dispatch")
	}

	timeout := time.Duration(cmd.TimeoutSeconds)*time.Second + s.networkSlack
	pc := &pendingCommand{
		commandIndex: index,
		timeout:      timeout,
		resultCh:     make(chan task.CommandResult, 1),
		abortCh:      make(chan error, 1),
		watchdog:     time.NewTimer(timeout),
	}
	defer pc.watchdog.Stop()

	s.waiting.Store(taskID, pc)
	defer s.waiting.Delete(taskID)

	if err := sender.Send(newCommandExecute(taskID, index, cmd)); err != nil {
		return nil, taskerr.NewWithDetail(taskerr.KindAgentDisconnected, "failed to dispatch command", err.Error())
	}

	select {
	case result := <-pc.resultCh:
		return &result, nil

	case <-pc.watchdog.C:
		if sender := s.registry.Outbound(agentID); sender != nil {
			_ = sender.Send(commandCancel{Type: "command_cancel", TaskID: taskID, CommandIndex: index})
		}
		result := task.CommandResult{CommandIndex: index, ExitCode: exitTimedOut, CompletedAt: time.Now()}
		return &result, taskerr.New(taskerr.KindCommandTimedOut, fmt.Sprintf("command %d timed out after %s", index, timeout))

	case reason := <-pc.abortCh:
		if reason == errCancelled {
			return s.awaitCancelGrace(taskID, agentID, index, pc)
		}
		result := task.CommandResult{CommandIndex: index, ExitCode: exitDisconnected, CompletedAt: time.Now()}
		return &result, reason
	}
}

// awaitCancelGrace sends command_cancel and waits up to cancelGrace for
// the agent's real command_result before forcing the -1 exit code, per
// spec.md section 4.4's "treat the current command as failed with exit
// code -1 after a grace period" rule.
func (s *Scheduler) awaitCancelGrace(taskID, agentID string, index int, pc *pendingCommand) (*task.CommandResult, error) {
	if sender := s.registry.Outbound(agentID); sender != nil {
		_ = sender.Send(commandCancel{Type: "command_cancel", TaskID: taskID, CommandIndex: index})
	}

	grace := time.NewTimer(s.cancelGrace)
	defer grace.Stop()

	select {
	case result := <-pc.resultCh:
		return &result, errCancelled
	case <-grace.C:
		result := task.CommandResult{CommandIndex: index, ExitCode: exitCancelled, CompletedAt: time.Now()}
		return &result, errCancelled
	}
}

// HandleTaskOutput records a streamed output chunk and advances the
// watchdog for the command it belongs to.
func (s *Scheduler) HandleTaskOutput(taskID string, commandIndex int, stream, content string) {
	s.store.AppendOutput(taskID, commandIndex, stream, content)

	v, ok := s.waiting.Load(taskID)
	if !ok {
		return
	}
	pc := v.(*pendingCommand)
	if pc.commandIndex != commandIndex {
		return
	}
	if !pc.watchdog.Stop() {
		select {
		case <-pc.watchdog.C:
		default:
		}
	}
	pc.watchdog.Reset(pc.timeout)
}

// HandleCommandResult delivers a command_result to the runCommand call
// waiting on it, if any is still in flight for this task.
func (s *Scheduler) HandleCommandResult(taskID string, result task.CommandResult) {
	v, ok := s.waiting.Load(taskID)
	if !ok {
		return
	}
	pc := v.(*pendingCommand)
	if pc.commandIndex != result.CommandIndex {
		return
	}
	select {
	case pc.resultCh <- result:
	default:
	}
}

// HandleAgentDisconnected fails every non-terminal task assigned to
// agentID, aborting any in-flight command wait immediately rather than
// letting it run out its watchdog.
func (s *Scheduler) HandleAgentDisconnected(agentID string) {
	for _, t := range s.store.Snapshot() {
		if t.AssignedAgentID != agentID || t.Status.Terminal() {
			continue
		}

		reason := taskerr.New(taskerr.KindAgentDisconnected, "agent disconnected mid-task")
		if v, ok := s.waiting.Load(t.ID); ok {
			pc := v.(*pendingCommand)
			select {
			case pc.abortCh <- reason:
			default:
			}
			continue
		}
		s.store.Fail(t.ID, reason.Error())
	}
}

// Cancel moves a task to StatusCancelled and, if a command is currently
// in flight for it, signals runCommand to send command_cancel and start
// the cancel-grace wait.
func (s *Scheduler) Cancel(taskID string) error {
	if _, err := s.store.Cancel(taskID); err != nil {
		return err
	}

	v, ok := s.waiting.Load(taskID)
	if !ok {
		return nil
	}
	pc := v.(*pendingCommand)
	select {
	case pc.abortCh <- errCancelled:
	default:
	}
	return nil
}
