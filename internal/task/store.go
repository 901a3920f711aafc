package task

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventPublisher is the narrow slice of the event bus that the store needs.
// Defined here (rather than imported from internal/eventbus) so this package
// has no dependency on the fan-out implementation, matching the "forest of
// ownership" rule in spec.md section 9.
type EventPublisher interface {
	PublishTaskUpdated(t *Task)
	PublishTaskOutput(taskID, stream, content string)
	PublishCommandResult(taskID string, result CommandResult)
}

// AuditLogger is the narrow audit interface the store writes transition
// records through.
type AuditLogger interface {
	RecordTransition(taskID string, from, to Status, version uint64, actor string, details string)
}

type noopPublisher struct{}

func (noopPublisher) PublishTaskUpdated(*Task)                    {}
func (noopPublisher) PublishTaskOutput(string, string, string)    {}
func (noopPublisher) PublishCommandResult(string, CommandResult)  {}

type noopAudit struct{}

func (noopAudit) RecordTransition(string, Status, Status, uint64, string, string) {}

// entry bundles a Task with the mutex that serializes its transitions, per
// spec.md section 5 "Per-task serialization".
type entry struct {
	mu   sync.Mutex
	task *Task
}

// Store is the single source of truth for all tasks, guarded by per-task
// locks plus a coarse index lock for listing, as spec.md section 5 requires.
type Store struct {
	indexMu sync.RWMutex
	tasks   map[string]*entry
	order   []string // insertion order, oldest first

	publisher EventPublisher
	audit     AuditLogger
}

// NewStore creates an empty task store. A nil publisher/audit is replaced
// with a no-op implementation so callers in tests can omit them.
func NewStore(publisher EventPublisher, audit AuditLogger) *Store {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if audit == nil {
		audit = noopAudit{}
	}
	return &Store{
		tasks:     make(map[string]*entry),
		publisher: publisher,
		audit:     audit,
	}
}

// Create registers a new task in StatusPending and broadcasts its creation.
// Task IDs are never reused, per spec.md section 3 invariants.
func (s *Store) Create(request string) *Task {
	now := time.Now()
	t := &Task{
		ID:        uuid.NewString(),
		Request:   request,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusPending,
		Version:   1,
	}

	s.indexMu.Lock()
	s.tasks[t.ID] = &entry{task: t}
	s.order = append(s.order, t.ID)
	s.indexMu.Unlock()

	s.publisher.PublishTaskUpdated(t.Clone())
	s.audit.RecordTransition(t.ID, "", StatusPending, t.Version, "", "task created")
	return t.Clone()
}

// Get returns a copy of the task with the given id, or ok=false if unknown.
func (s *Store) Get(id string) (*Task, bool) {
	e := s.lookup(id)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), true
}

func (s *Store) lookup(id string) *entry {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return s.tasks[id]
}

// List returns tasks newest first, optionally filtered by status, limited
// to "limit" entries (0 means unlimited). Guarded by the coarse index lock.
func (s *Store) List(status Status, limit int) []*Task {
	s.indexMu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.indexMu.RUnlock()

	out := make([]*Task, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		e := s.lookup(ids[i])
		if e == nil {
			continue
		}
		e.mu.Lock()
		t := e.task
		include := status == "" || t.Status == status
		var clone *Task
		if include {
			clone = t.Clone()
		}
		e.mu.Unlock()
		if !include {
			continue
		}
		out = append(out, clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Snapshot returns every task, newest first; the scheduler uses it to find
// the tasks of a disconnected agent (spec.md section 1 Non-goals: no
// durable queue, snapshots are best-effort and in-process).
func (s *Store) Snapshot() []*Task {
	return s.List("", 0)
}

// mutate runs fn against the locked task entry, bumps the version, stamps
// UpdatedAt, and broadcasts the result. fn returns the new status (unchanged
// status is fine for in-place mutations such as recording a command result).
func (s *Store) mutate(id string, fn func(t *Task) error) (*Task, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.task.Status
	if err := fn(e.task); err != nil {
		return nil, err
	}
	e.task.Version++
	e.task.UpdatedAt = time.Now()

	clone := e.task.Clone()
	s.publisher.PublishTaskUpdated(clone)
	if e.task.Status != before {
		s.audit.RecordTransition(id, before, e.task.Status, e.task.Version, "", "")
	}
	return clone, nil
}

// Transition moves a task to a new status if the edge is legal, else
// returns *ErrInvalidTransition (mapped to HTTP 409 at the API boundary).
func (s *Store) Transition(id string, to Status) (*Task, error) {
	return s.mutate(id, func(t *Task) error {
		if !CanTransition(t.Status, to) {
			return &ErrInvalidTransition{From: t.Status, To: to}
		}
		t.Status = to
		return nil
	})
}

// SetPlan attaches a plan to a task that is in StatusPlanning, and moves it
// to StatusAwaitingApproval or StatusReady depending on the plan's
// RequiresApproval flag (an empty plan goes straight to StatusCompleted per
// spec.md section 8 "An empty plan transitions directly ready -> completed").
func (s *Store) SetPlan(id string, plan *Plan) (*Task, error) {
	return s.mutate(id, func(t *Task) error {
		if t.Status != StatusPlanning {
			return &ErrInvalidTransition{From: t.Status, To: StatusAwaitingApproval}
		}
		t.Plan = plan
		if plan.RequiresApproval {
			t.Status = StatusAwaitingApproval
		} else if len(plan.Commands) == 0 {
			t.Status = StatusCompleted
		} else {
			t.Status = StatusReady
		}
		return nil
	})
}

// FailPlanning transitions a task out of StatusPlanning into StatusFailed,
// used for PlannerFormatError and SafetyDenied (spec.md section 7).
func (s *Store) FailPlanning(id string, reason string) (*Task, error) {
	return s.mutate(id, func(t *Task) error {
		if t.Status != StatusPlanning {
			return &ErrInvalidTransition{From: t.Status, To: StatusFailed}
		}
		t.Status = StatusFailed
		t.Error = reason
		return nil
	})
}

// Approve records an approval decision. Idempotent: approving an already
// StatusReady task with the same decision succeeds without a version bump
// (the open question in spec.md section 9 is resolved in favor of 200, not
// 409, for a repeated identical decision).
func (s *Store) Approve(id string, approved bool, actor, reason string) (*Task, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	e.mu.Lock()
	if e.task.Status != StatusAwaitingApproval {
		if (approved && e.task.Status == StatusReady || !approved && e.task.Status == StatusRejected) &&
			e.task.Approval != nil && e.task.Approval.Approved == approved {
			clone := e.task.Clone()
			e.mu.Unlock()
			return clone, nil
		}
		e.mu.Unlock()
		return nil, &ErrInvalidTransition{From: e.task.Status, To: StatusReady}
	}
	e.mu.Unlock()

	return s.mutate(id, func(t *Task) error {
		to := StatusRejected
		if approved {
			to = StatusReady
		}
		if !CanTransition(t.Status, to) {
			return &ErrInvalidTransition{From: t.Status, To: to}
		}
		t.Status = to
		t.Approval = &Approval{Approved: approved, Actor: actor, Reason: reason, At: time.Now()}
		return nil
	})
}

// Cancel moves a task to StatusCancelled. Valid in every non-terminal
// state; a no-op returning the task unchanged when already terminal
// (spec.md section 8).
func (s *Store) Cancel(id string) (*Task, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	e.mu.Lock()
	if e.task.Status.Terminal() {
		clone := e.task.Clone()
		e.mu.Unlock()
		return clone, nil
	}
	e.mu.Unlock()

	return s.mutate(id, func(t *Task) error {
		t.Status = StatusCancelled
		return nil
	})
}

// AssignAgent records the agent a running task was dispatched to.
func (s *Store) AssignAgent(id, agentID string) (*Task, error) {
	return s.mutate(id, func(t *Task) error {
		t.AssignedAgentID = agentID
		return nil
	})
}

// MarkRunning transitions a ready task into running, the first time a
// command is dispatched.
func (s *Store) MarkRunning(id string) (*Task, error) {
	return s.mutate(id, func(t *Task) error {
		if t.Status == StatusRunning {
			return nil
		}
		if !CanTransition(t.Status, StatusRunning) {
			return &ErrInvalidTransition{From: t.Status, To: StatusRunning}
		}
		t.Status = StatusRunning
		return nil
	})
}

// AppendOutput appends a streamed chunk to the task's running output under
// the deterministic framing rule of spec.md section 3: a "[cmd N] " prefix
// precedes each command's first chunk.
func (s *Store) AppendOutput(id string, commandIndex int, stream, content string) (*Task, error) {
	t, err := s.mutate(id, func(t *Task) error {
		prefix := ""
		if isFirstChunkForCommand(t.Output, commandIndex) {
			prefix = fmt.Sprintf("[cmd %d] ", commandIndex)
		}
		t.Output += prefix + content
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publisher.PublishTaskOutput(id, stream, content)
	return t, nil
}

func isFirstChunkForCommand(existingOutput string, commandIndex int) bool {
	marker := fmt.Sprintf("[cmd %d] ", commandIndex)
	return !strings.Contains(existingOutput, marker)
}

// RecordCommandResult appends a CommandResult, broadcasts it, and returns
// the updated task. It does not change Status; the scheduler decides the
// next transition based on the exit code and ContinueOnError.
func (s *Store) RecordCommandResult(id string, result CommandResult) (*Task, error) {
	t, err := s.mutate(id, func(t *Task) error {
		t.Results = append(t.Results, result)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publisher.PublishCommandResult(id, result)
	return t, nil
}

// Fail transitions a running (or ready) task to StatusFailed with the given
// error string.
func (s *Store) Fail(id, reason string) (*Task, error) {
	return s.mutate(id, func(t *Task) error {
		if !CanTransition(t.Status, StatusFailed) {
			return &ErrInvalidTransition{From: t.Status, To: StatusFailed}
		}
		t.Status = StatusFailed
		t.Error = reason
		return nil
	})
}

// Complete transitions a running task to StatusCompleted.
func (s *Store) Complete(id string) (*Task, error) {
	return s.mutate(id, func(t *Task) error {
		if !CanTransition(t.Status, StatusCompleted) {
			return &ErrInvalidTransition{From: t.Status, To: StatusCompleted}
		}
		t.Status = StatusCompleted
		return nil
	})
}

// Sweep deletes tasks in a terminal status whose last update is older than
// maxAge, removing at most batchSize tasks per call (spec.md section 9
// "Retention sweep"). Each call scans every task under the coarse index lock.
func (s *Store) Sweep(maxAge time.Duration, batchSize int) int {
	cutoff := time.Now().Add(-maxAge)

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	removed := 0
	survivors := make([]string, 0, len(s.order))
	for _, id := range s.order {
		e := s.tasks[id]
		if e == nil {
			continue
		}
		e.mu.Lock()
		expired := e.task.Status.Terminal() && e.task.UpdatedAt.Before(cutoff)
		e.mu.Unlock()

		if expired && removed < batchSize {
			delete(s.tasks, id)
			removed++
			continue
		}
		survivors = append(survivors, id)
	}
	s.order = survivors
	return removed
}

// SortByCreatedDesc is exposed for callers (e.g. the REST handler) that
// receive an unordered slice and need spec.md's "newest first" ordering.
func SortByCreatedDesc(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

// ErrNotFound is returned by Store operations referencing an unknown task id.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "task not found" }
