// Package events is the notification bridge between the replay engine and the
// UI layer. Subscribers are purely observational: a slow or panicking
// subscriber never affects engine state, and unsubscribing is safe at any
// time.
package events

import (
	"sync"
	"time"

	"github.com/opsdeck/offline/internal/model"
)

// EventType represents a queue state transition.
type EventType string

const (
	// EventQueued is published when a mutation is persisted for later replay.
	EventQueued EventType = "queued"
	// EventRetried is published when a replay attempt ends in a retry verdict.
	EventRetried EventType = "retried"
	// EventDiscarded is published when a handler judges a mutation unrecoverable.
	EventDiscarded EventType = "discarded"
	// EventSucceeded is published when a replay completes against the backend.
	EventSucceeded EventType = "succeeded"
)

// Event describes one queue state transition. It carries the mutation's meta
// — never its payload — so UI code stays decoupled from handler-specific
// shapes.
type Event struct {
	Type         EventType
	Timestamp    time.Time
	MutationID   string
	MutationType string
	Meta         model.Meta
	Attempts     int
	Message      string
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe surface. Events are delivered
// asynchronously via buffered channels; if a subscriber's channel is full the
// event is dropped for that subscriber rather than stalling the engine.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

// NewBus creates an event bus with the given buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type. Delivery happens on a dedicated
// goroutine; panics in fn are recovered so they cannot disrupt the bus.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.closed {
			return
		}
		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends e to all subscribers of e.Type. Non-blocking: full channels
// drop the event for that subscriber. Publishing to a closed bus is a no-op,
// so late publishers during shutdown cannot panic on a closed channel.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	for _, ch := range b.subscribers[e.Type] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions. Idempotent;
// Publish and Subscribe become no-ops afterwards.
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
