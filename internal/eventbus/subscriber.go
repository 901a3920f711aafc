package eventbus

import "sync"

// Sink is the narrow transport interface a UI observer implements (a
// WebSocket connection wrapper); it mirrors registry.OutboundSender but
// speaks the eventbus.Event wire type instead.
type Sink interface {
	Send(Event) error
	Close() error
}

// DefaultQueueCapacity is the bounded outbound queue size per observer
// (spec.md section 4.6 "bounded outbound queue (default 1024)").
const DefaultQueueCapacity = 1024

// subscriber owns one observer's outbound queue. It is guarded by its own
// lock, never a bus-wide lock, per spec.md section 5 ("the Event Bus uses
// per-subscriber locks; broadcasts fan out with no global lock").
type subscriber struct {
	id       string
	sink     Sink
	capacity int

	mu       sync.Mutex
	queue    []Event
	notifyCh chan struct{}
	closed   bool
}

func newSubscriber(id string, sink Sink, capacity int) *subscriber {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	s := &subscriber{
		id:       id,
		sink:     sink,
		capacity: capacity,
		notifyCh: make(chan struct{}, 1),
	}
	go s.pump()
	return s
}

// enqueue applies the back-pressure/coalescing policy of spec.md section
// 4.6 before appending: a task_updated event replaces any already-queued
// task_updated for the same task id (never dropped); a task_output event,
// when the queue is full, causes the oldest task_output entries for that
// (task_id, stream) to be dropped and replaced with a single
// task_output_truncated sentinel, with the new chunk queued after it when
// that frees room. Any other event type is dropped (with the
// queue left intact) if the queue is already at capacity.
func (s *subscriber) enqueue(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if e.Type == TypeTaskUpdated {
		for i, q := range s.queue {
			if q.Type == TypeTaskUpdated && q.Task != nil && e.Task != nil && q.Task.ID == e.Task.ID {
				if e.Task.Version >= q.Task.Version {
					s.queue[i] = e
				}
				s.signal()
				return
			}
		}
		s.queue = append(s.queue, e)
		s.signal()
		return
	}

	if len(s.queue) < s.capacity {
		s.queue = append(s.queue, e)
		s.signal()
		return
	}

	if e.Type == TypeTaskOutput {
		s.truncate(e.TaskID, e.Stream)
		if len(s.queue) < s.capacity {
			s.queue = append(s.queue, e)
		}
		return
	}
	// Queue full and event is not coalescible: drop it silently, matching
	// the "suspend on a full queue only up to a short bound before falling
	// back to drop/coalesce" rule.
}

// truncate drops every queued task_output chunk for (taskID, stream) and
// replaces them with a single task_output_truncated sentinel, inserted at
// the position of the first dropped chunk so ordering is preserved.
func (s *subscriber) truncate(taskID, stream string) {
	out := s.queue[:0]
	inserted := false
	for _, q := range s.queue {
		if q.Type == TypeTaskOutput && q.TaskID == taskID && q.Stream == stream {
			if !inserted {
				out = append(out, Event{Type: TypeTaskOutputTruncated, TaskID: taskID, Stream: stream})
				inserted = true
			}
			continue
		}
		out = append(out, q)
	}
	if !inserted {
		out = append(out, Event{Type: TypeTaskOutputTruncated, TaskID: taskID, Stream: stream})
	}
	s.queue = out
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// pump drains the queue and forwards events to the sink, one goroutine per
// subscriber. A send error closes the subscriber; the bus notices on its
// next broadcast attempt via Closed().
func (s *subscriber) pump() {
	for range s.notifyCh {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 || s.closed {
				s.mu.Unlock()
				break
			}
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if err := s.sink.Send(next); err != nil {
				s.Close()
				return
			}
		}
	}
}

// Closed reports whether the subscriber has been torn down.
func (s *subscriber) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the pump goroutine and releases the underlying sink.
func (s *subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	close(s.notifyCh)
	_ = s.sink.Close()
}
