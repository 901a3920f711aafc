package eventbus

import (
	"sync"
	"time"

	"github.com/agentium/controller/internal/registry"
	"github.com/agentium/controller/internal/task"
)

// BatchWindow is how long consecutive task_output chunks for the same
// (task_id, stream) are merged before being flushed (spec.md section 4.6).
const BatchWindow = 50 * time.Millisecond

// Bus fans out Events to every subscribed UI observer. It implements
// task.EventPublisher, task.AuditLogger is a separate concern (see
// internal/audit), and registry.EventPublisher.
type Bus struct {
	subsMu sync.Mutex
	subs   map[string]*subscriber

	batchMu sync.Mutex
	batches map[string]*outputBatch

	queueCapacity int
}

type outputBatch struct {
	taskID  string
	stream  string
	content []byte
	timer   *time.Timer
}

// New creates an empty Bus. queueCapacity <= 0 uses DefaultQueueCapacity.
func New(queueCapacity int) *Bus {
	return &Bus{
		subs:          make(map[string]*subscriber),
		batches:       make(map[string]*outputBatch),
		queueCapacity: queueCapacity,
	}
}

// Subscribe registers a new observer and immediately sends it an
// initial_state snapshot (spec.md section 4.6). The returned unsubscribe
// func must be called when the observer disconnects.
func (b *Bus) Subscribe(id string, sink Sink, agents []registry.Agent, tasks []*task.Task) (unsubscribe func()) {
	sub := newSubscriber(id, sink, b.queueCapacity)

	b.subsMu.Lock()
	b.subs[id] = sub
	b.subsMu.Unlock()

	sub.enqueue(Event{
		Type:      TypeInitialState,
		Timestamp: time.Now(),
		Agents:    agents,
		Tasks:     tasks,
	})

	return func() {
		b.subsMu.Lock()
		delete(b.subs, id)
		b.subsMu.Unlock()
		sub.Close()
	}
}

// broadcast fans e out to every live subscriber, pruning any that a prior
// send already closed.
func (b *Bus) broadcast(e Event) {
	e.Timestamp = time.Now()

	b.subsMu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for id, s := range b.subs {
		if s.Closed() {
			delete(b.subs, id)
			continue
		}
		targets = append(targets, s)
	}
	b.subsMu.Unlock()

	for _, s := range targets {
		s.enqueue(e)
	}
}

// PublishAgentConnected implements registry.EventPublisher.
func (b *Bus) PublishAgentConnected(a registry.Agent) {
	b.broadcast(Event{Type: TypeAgentConnected, Agent: &a})
}

// PublishAgentUpdated implements registry.EventPublisher.
func (b *Bus) PublishAgentUpdated(a registry.Agent) {
	b.broadcast(Event{Type: TypeAgentUpdated, Agent: &a})
}

// PublishAgentDisconnected implements registry.EventPublisher.
func (b *Bus) PublishAgentDisconnected(a registry.Agent) {
	b.broadcast(Event{Type: TypeAgentDisconnected, Agent: &a})
}

// PublishTaskUpdated implements task.EventPublisher.
func (b *Bus) PublishTaskUpdated(t *task.Task) {
	b.broadcast(Event{Type: TypeTaskUpdated, Task: t.Clone()})
}

// PublishCommandResult implements task.EventPublisher.
func (b *Bus) PublishCommandResult(taskID string, result task.CommandResult) {
	b.broadcast(Event{
		Type:         TypeCommandResult,
		TaskID:       taskID,
		CommandIndex: result.CommandIndex,
		ExitCode:     result.ExitCode,
		Stderr:       result.Stderr,
		DurationMS:   result.Duration.Milliseconds(),
	})
}

// PublishTaskOutput implements task.EventPublisher. Consecutive chunks for
// the same (task_id, stream) arriving within BatchWindow are merged into a
// single broadcast (spec.md section 4.6 batching rule).
func (b *Bus) PublishTaskOutput(taskID, stream, content string) {
	key := taskID + "|" + stream

	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	if existing, ok := b.batches[key]; ok {
		existing.content = append(existing.content, content...)
		return
	}

	batch := &outputBatch{taskID: taskID, stream: stream, content: []byte(content)}
	batch.timer = time.AfterFunc(BatchWindow, func() { b.flushBatch(key) })
	b.batches[key] = batch
}

func (b *Bus) flushBatch(key string) {
	b.batchMu.Lock()
	batch, ok := b.batches[key]
	if ok {
		delete(b.batches, key)
	}
	b.batchMu.Unlock()

	if !ok {
		return
	}
	b.broadcast(Event{
		Type:    TypeTaskOutput,
		TaskID:  batch.taskID,
		Stream:  batch.stream,
		Content: string(batch.content),
	})
}

// Close tears down every subscriber and cancels pending batch timers.
func (b *Bus) Close() {
	b.batchMu.Lock()
	for key, batch := range b.batches {
		batch.timer.Stop()
		delete(b.batches, key)
	}
	b.batchMu.Unlock()

	b.subsMu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.subsMu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
