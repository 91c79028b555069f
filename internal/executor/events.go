package executor

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies a lifecycle notification.
type EventType string

const (
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventFailureTracked    EventType = "failure_tracked"
	EventCorrectionApplied EventType = "correction_applied"
	EventSessionStatus     EventType = "session_status"
)

// Event is one lifecycle notification published to subscribers.
type Event struct {
	Type      EventType
	SessionID string
	PlanID    string
	StepID    string
	Status    string        // Session status for session_status events
	Strategy  string        // Strategy for correction_applied events
	Error     string        // Error text for step_failed / failure_tracked
	Duration  time.Duration // Step duration for step_completed
	Timestamp time.Time
}

// DefaultQueueCapacity bounds a session's event queue.
const DefaultQueueCapacity = 64

// Queue is a bounded per-session event queue. Publish never blocks the
// execution loop: when the buffer is full the event is dropped and
// counted, observable via Dropped.
type Queue struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
	once    sync.Once
}

// NewQueue creates a queue. A non-positive capacity gets the default.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// Publish enqueues an event without blocking. Returns false when the
// event was dropped (queue full or closed).
func (q *Queue) Publish(e Event) bool {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}

	select {
	case q.ch <- e:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Events returns the receive side of the queue. The channel is closed
// by Close.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Dropped returns how many events were discarded because the queue was
// full or closed.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close marks the queue closed and closes the channel. Idempotent.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.ch)
	})
}

// publish is the nil-tolerant helper the executor and loop use.
func publish(q *Queue, e Event) {
	if q != nil {
		q.Publish(e)
	}
}
