package registry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// EventPublisher is the narrow slice of the event bus the registry needs.
type EventPublisher interface {
	PublishAgentConnected(a Agent)
	PublishAgentUpdated(a Agent)
	PublishAgentDisconnected(a Agent)
}

type noopPublisher struct{}

func (noopPublisher) PublishAgentConnected(Agent)    {}
func (noopPublisher) PublishAgentUpdated(Agent)      {}
func (noopPublisher) PublishAgentDisconnected(Agent) {}

// DefaultHeartbeatTimeout is used when AGENT_HEARTBEAT_TIMEOUT_SECONDS is
// unset (spec.md section 6.7).
const DefaultHeartbeatTimeout = 60 * time.Second

// Registry owns the authoritative agent_id -> Agent map, guarded by a
// single read-write lock as spec.md section 5 requires ("many readers ...
// exclusive writers on (dis)connect"). It keeps no index by role or tag;
// role lookups scan every agent.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Agent

	heartbeatTimeout time.Duration
	publisher        EventPublisher
}

// New creates an empty registry. A nil publisher is replaced with a no-op.
func New(heartbeatTimeout time.Duration, publisher EventPublisher) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &Registry{
		byID:             make(map[string]*Agent),
		heartbeatTimeout: heartbeatTimeout,
		publisher:        publisher,
	}
}

// Register is idempotent: it creates the agent on first agent_hello, or
// updates and reconnects it on a later one. A reconnect under the same id
// always wins over a stale prior connection (spec.md section 8 boundary
// behavior) — the caller is expected to have already closed the old
// OutboundSender before calling Register with the new one.
func (r *Registry) Register(hello HelloMessage, outbound OutboundSender) Agent {
	r.mu.Lock()

	a, exists := r.byID[hello.ID]
	if !exists {
		a = &Agent{ID: hello.ID}
		r.byID[hello.ID] = a
	}

	a.Hostname = hello.Hostname
	a.DisplayName = hello.DisplayName
	a.Roles = sortedCopy(lowercaseAll(hello.Roles))
	a.Tags = sortedCopy(hello.Tags)
	a.Capabilities = copyCapabilities(hello.Capabilities)
	a.Status = StatusOnline
	a.LastHeartbeat = time.Now()
	a.outbound = outbound

	snapshot := *a
	r.mu.Unlock()

	if exists {
		r.publisher.PublishAgentUpdated(snapshot)
	} else {
		r.publisher.PublishAgentConnected(snapshot)
	}
	return snapshot
}

func lowercaseAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func copyCapabilities(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Heartbeat refreshes an agent's liveness deadline and telemetry. It does
// not change Status unless the agent was previously offline, in which case
// it flips back to online (spec.md section 4.3). The caller supplies the
// outbound sender to re-attach when recovering from offline, since the
// registry never constructs transport objects itself.
func (r *Registry) Heartbeat(id string, telemetry Telemetry, outbound OutboundSender) (Agent, bool) {
	r.mu.Lock()

	a, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return Agent{}, false
	}

	wasOffline := a.Status == StatusOffline
	changed := a.Telemetry.significantlyDifferent(telemetry)

	a.LastHeartbeat = time.Now()
	a.Telemetry = telemetry
	if wasOffline {
		a.Status = StatusOnline
		if outbound != nil {
			a.outbound = outbound
		}
	}

	snapshot := *a
	r.mu.Unlock()

	if wasOffline {
		r.publisher.PublishAgentUpdated(snapshot)
	} else if changed {
		r.publisher.PublishAgentUpdated(snapshot)
	}
	return snapshot, true
}

// Disconnect marks an agent offline, closes its outbound channel, and
// clears any dispatch reservation (the scheduler's HandleAgentDisconnected
// then fails the affected tasks).
func (r *Registry) Disconnect(id string) (Agent, bool) {
	r.mu.Lock()

	a, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return Agent{}, false
	}

	if a.outbound != nil {
		_ = a.outbound.Close()
		a.outbound = nil
	}
	a.Status = StatusOffline
	a.ActiveTaskCount = 0

	snapshot := *a
	r.mu.Unlock()

	r.publisher.PublishAgentDisconnected(snapshot)
	return snapshot, true
}

// Remove tombstones an agent entirely (the admin-only "destroy never,
// except explicit admin removal" lifecycle operation from spec.md section
// 3).
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return false
	}
	if a.outbound != nil {
		_ = a.outbound.Close()
	}
	delete(r.byID, id)
	return true
}

// Get returns a copy of the named agent.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// Outbound returns the live sender for an online agent, or nil if the
// agent is unknown or offline.
func (r *Registry) Outbound(id string) OutboundSender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok || a.Status != StatusOnline {
		return nil
	}
	return a.outbound
}

// Snapshot returns every known agent, sorted by ID, for dashboards and
// the REST /api/agents endpoint.
func (r *Registry) Snapshot() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts reports the total and online agent counts for GET /health.
func (r *Registry) Counts() (total, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total = len(r.byID)
	for _, a := range r.byID {
		if a.Status == StatusOnline {
			online++
		}
	}
	return total, online
}

// SelectionError enumerates why Select found no suitable agent.
type SelectionError string

func (e SelectionError) Error() string { return string(e) }

// ErrExplicitAgentUnavailable is returned when a Plan names a target_agent_id
// that is not online (spec.md section 4.5 rule 1).
const ErrExplicitAgentUnavailable SelectionError = "explicit target agent is not online"

// ErrNoAgentAvailable is returned when no agent matches a role filter, or
// none are online at all (spec.md section 4.5 rules 2-3).
const ErrNoAgentAvailable SelectionError = "no suitable online agent available"

// Select implements the three-tier selection rule of spec.md section 4.5:
// an explicit target agent id wins if online; else a role filter picks the
// least-loaded online agent with that role; else any online agent. Ties
// are broken by lowest CPU%, then lexicographically smaller id.
func (r *Registry) Select(targetAgentID, targetRole string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if targetAgentID != "" {
		a, ok := r.byID[targetAgentID]
		if !ok || a.Status != StatusOnline {
			return Agent{}, ErrExplicitAgentUnavailable
		}
		return *a, nil
	}

	var candidates []*Agent
	for _, a := range r.byID {
		if a.Status != StatusOnline {
			continue
		}
		if targetRole != "" && !a.HasRole(targetRole) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return Agent{}, ErrNoAgentAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ActiveTaskCount != candidates[j].ActiveTaskCount {
			return candidates[i].ActiveTaskCount < candidates[j].ActiveTaskCount
		}
		if candidates[i].Telemetry.CPUPercent != candidates[j].Telemetry.CPUPercent {
			return candidates[i].Telemetry.CPUPercent < candidates[j].Telemetry.CPUPercent
		}
		return candidates[i].ID < candidates[j].ID
	})
	return *candidates[0], nil
}

// IncrementActive / DecrementActive track ActiveTaskCount for the
// least-loaded selection tiebreak; called by the scheduler around dispatch.
func (r *Registry) IncrementActive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok {
		a.ActiveTaskCount++
	}
}

func (r *Registry) DecrementActive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok && a.ActiveTaskCount > 0 {
		a.ActiveTaskCount--
	}
}

// Reap disconnects every agent whose last heartbeat has aged past the
// configured timeout. Intended to be invoked on a timer (spec.md section
// 4.3).
func (r *Registry) Reap() []Agent {
	r.mu.RLock()
	cutoff := time.Now().Add(-r.heartbeatTimeout)
	var stale []string
	for id, a := range r.byID {
		if a.Status == StatusOnline && a.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	var reaped []Agent
	for _, id := range stale {
		if a, ok := r.Disconnect(id); ok {
			reaped = append(reaped, a)
		}
	}
	return reaped
}

// RunReaper starts a background goroutine that calls Reap on the given
// interval until stop is closed.
func (r *Registry) RunReaper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Reap()
		case <-stop:
			return
		}
	}
}
