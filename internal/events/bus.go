package events

import (
	"sync"
	"time"
)

// Handler processes a single event. Handlers run synchronously on the
// emitter's goroutine and must not block; slow consumers should hand the
// event off to a channel.
type Handler func(event *Event)

// Bus is an in-process publish/subscribe event bus
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	nextID   int
}

type subscription struct {
	id int
	fn Handler
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe registers a handler for an event type and returns an unsubscribe
// function. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, fn: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.handlers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit constructs an event and publishes it
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	b.Publish(&Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Module:    module,
	})
}

// SubscriberCount reports how many handlers are registered for an event type.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Publish delivers the event to every handler subscribed to its type
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	subs := b.handlers[event.Type]
	handlers := make([]Handler, len(subs))
	for i, s := range subs {
		handlers[i] = s.fn
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
