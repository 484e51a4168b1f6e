package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler is a callback invoked when a matching event is published.
type Handler func(Event)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(Event)
}

// subscription ties a handler to the event types it cares about.
type subscription struct {
	id      uint64
	types   map[EventType]struct{} // nil means "all events"
	handler Handler
}

// Bus is a thread-safe, in-process publish/subscribe event bus.
type Bus struct {
	log zerolog.Logger

	mu          sync.RWMutex
	nextID      uint64
	subscribers []subscription
}

// NewBus creates a ready-to-use event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log}
}

// Subscribe registers a handler for the given event types.
// If no types are provided the handler receives every event.
// The returned function removes the subscription.
func (b *Bus) Subscribe(handler Handler, types ...EventType) func() {
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	return func() { b.unsubscribe(sub.id) }
}

// SubscribeChan returns a buffered channel fed with matching events and a
// cancel function that detaches and closes it. Delivery never blocks the
// publisher: when the buffer is full the event is dropped and logged.
func (b *Bus) SubscribeChan(buffer int, types ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)

	unsubscribe := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			b.log.Warn().Str("event", string(e.Type)).Msg("subscriber queue full, dropping event")
		}
	}, types...)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, cancel
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.id == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends an event to all matching subscribers.
// The timestamp is set automatically if zero.
// Handlers are called synchronously in the caller's goroutine; handlers
// that do real work must hand off to their own goroutine.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[e.Type]; !ok {
				continue
			}
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Str("event", string(e.Type)).Msg("subscriber panic")
				}
			}()
			sub.handler(e)
		}()
	}
}
