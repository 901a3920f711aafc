// Package registry owns the authoritative mapping of agent id to Agent and
// tracks connection liveness. It is adapted from the teacher's
// internal/agent factory-map registry, generalized from "named adapter
// kinds" to "live remote-host connections with heartbeats."
package registry

import (
	"sort"
	"time"
)

// Status is an Agent's connection state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Telemetry is a rolling snapshot of host resource usage reported on each
// heartbeat.
type Telemetry struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
	LoadAvg1    float64 `json:"load_avg_1"`
}

// significantlyDifferent reports whether two telemetry samples differ by at
// least 5 percentage points on any dimension, the "meaningful delta" rule
// from spec.md section 4.3.
func (t Telemetry) significantlyDifferent(other Telemetry) bool {
	const threshold = 5.0
	return absDiff(t.CPUPercent, other.CPUPercent) >= threshold ||
		absDiff(t.MemPercent, other.MemPercent) >= threshold ||
		absDiff(t.DiskPercent, other.DiskPercent) >= threshold
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Agent is the registry's record for one remote worker. It never holds a
// reference to a Task (spec.md section 9 "cyclic references avoided").
type Agent struct {
	ID           string            `json:"id"`
	Hostname     string            `json:"hostname"`
	DisplayName  string            `json:"display_name,omitempty"`
	Roles        []string          `json:"roles"`
	Tags         []string          `json:"tags,omitempty"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	Status       Status            `json:"status"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	Telemetry    Telemetry         `json:"telemetry"`

	// ActiveTaskCount is the number of tasks currently dispatched to this
	// agent; used by the scheduler's lowest-load selection rule.
	ActiveTaskCount int `json:"active_task_count"`

	// outbound is the agent's outbound message sink, opaque to this
	// package. It is nil when the agent is offline.
	outbound OutboundSender
}

// OutboundSender is the narrow interface the registry holds for an agent's
// connection; implemented by the transport layer (a WebSocket wrapper).
// Sends on a single agent's channel are totally ordered by the
// implementation, per spec.md section 5.
type OutboundSender interface {
	Send(v any) error
	Close() error
}

// HasRole reports whether the agent's role set contains role.
func (a Agent) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SupportsConcurrentTasks reports the "concurrent=true" capability flag
// spec.md section 4.5 introduces to disambiguate per-agent multi-task
// execution.
func (a Agent) SupportsConcurrentTasks() bool {
	return a.Capabilities["concurrent"] == "true"
}

// HelloMessage is the payload of an agent_hello message (spec.md section 6.3).
type HelloMessage struct {
	ID           string
	Hostname     string
	DisplayName  string
	Roles        []string
	Tags         []string
	Capabilities map[string]string
}

// sortedCopy keeps role and tag lists deterministic for snapshots & tests.
func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
