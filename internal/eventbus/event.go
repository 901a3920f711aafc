// Package eventbus fans out task and agent state deltas to connected UI
// observers. It is adapted from the teacher's internal/events unified
// AgentEvent abstraction — the same flat, omitempty wire struct — but
// replaces the coding-agent event taxonomy with the task/agent lifecycle
// events of spec.md section 4.6, and adds the bounded-queue, batching, and
// coalescing back-pressure policy that file never needed (its sink was a
// local JSONL file, not a live WebSocket fan-out).
package eventbus

import (
	"time"

	"github.com/agentium/controller/internal/registry"
	"github.com/agentium/controller/internal/task"
)

// Type identifies the kind of event on the UI bus (spec.md section 4.6).
type Type string

const (
	TypeInitialState       Type = "initial_state"
	TypeAgentConnected     Type = "agent_connected"
	TypeAgentDisconnected  Type = "agent_disconnected"
	TypeAgentUpdated       Type = "agent_updated"
	TypeTaskUpdated        Type = "task_updated"
	TypeTaskOutput         Type = "task_output"
	TypeTaskOutputTruncated Type = "task_output_truncated"
	TypeCommandResult      Type = "command_result"
	TypePong               Type = "pong"
)

// Event is the single wire struct for every message broadcast to a UI
// observer. Only the fields relevant to Type are populated.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// initial_state
	Agents []registry.Agent `json:"agents,omitempty"`
	Tasks  []*task.Task     `json:"tasks,omitempty"`

	// agent_connected | agent_disconnected | agent_updated
	Agent *registry.Agent `json:"agent,omitempty"`

	// task_updated
	Task *task.Task `json:"task,omitempty"`

	// task_output | task_output_truncated
	TaskID  string `json:"task_id,omitempty"`
	Stream  string `json:"stream,omitempty"`
	Content string `json:"content,omitempty"`

	// command_result
	CommandIndex int    `json:"command_index,omitempty"`
	ExitCode     int    `json:"exit_code,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
}
