// Package events provides the in-process pub/sub bus and the append-only
// audit log for run-loop observability.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventTickCompleted is published after a tick persists its result.
	EventTickCompleted EventType = "tick_completed"
	// EventMessageDelivered is published per message relocated to an inbox.
	EventMessageDelivered EventType = "message_delivered"
	// EventSessionStarted is published when an agent process is spawned.
	EventSessionStarted EventType = "session_started"
	// EventSessionEnded is published when an agent process exits or errors.
	EventSessionEnded EventType = "session_ended"
	// EventThreadClosed is published when a run loop stops a thread.
	EventThreadClosed EventType = "thread_closed"
)

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus. Events are delivered asynchronously via
// buffered channels; if a subscriber's channel is full, the event is
// dropped silently for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType]map[int]chan Event
	nextID      int
	bufferSize  int
	closed      bool
}

// NewBus creates a new event bus with the specified buffer size per
// subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType]map[int]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type. The
// subscriber function is called asynchronously in a goroutine. Returns an
// unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	ch := make(chan Event, b.bufferSize)
	id := b.nextID
	b.nextID++
	if b.subscribers[eventType] == nil {
		b.subscribers[eventType] = make(map[int]chan Event)
	}
	b.subscribers[eventType][id] = ch

	go deliver(ch, fn)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[eventType][id]; ok {
			delete(b.subscribers[eventType], id)
			close(sub)
		}
	}
}

// deliver pumps events to one subscriber until its channel closes.
func deliver(ch chan Event, fn Subscriber) {
	for event := range ch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					// A panicking subscriber must not take the bus down.
				}
			}()
			fn(event)
		}()
	}
}

// Publish sends an event to all subscribers of the given type without
// blocking; slow subscribers lose events.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions. Publish
// and Subscribe after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
