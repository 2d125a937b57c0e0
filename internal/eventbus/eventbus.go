// Package eventbus implements a synchronous typed publish/subscribe hub.
// Operation handlers publish host events here; the connection layer
// subscribes and forwards them to clients as notifications. The bus keeps
// the two sides decoupled so neither holds a reference to the other.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/agentport/host/internal/logger"
)

// Handler receives an emitted event payload.
type Handler func(data any)

// UnsubscribeFunc removes the subscription it was returned for.
// Calling it more than once is harmless.
type UnsubscribeFunc func()

type subscription struct {
	id    uint64
	fn    Handler
	once  bool
	fired atomic.Bool
}

// Bus is an in-memory event fan-out hub. All methods are safe for
// concurrent use. Handlers run synchronously on the emitting goroutine.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]*subscription
	nextID   uint64
	disposed bool
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]*subscription),
	}
}

// On registers a handler for the given event and returns its
// unsubscribe function. After Dispose the registration is a no-op.
func (b *Bus) On(event string, fn Handler) UnsubscribeFunc {
	return b.subscribe(event, fn, false)
}

// Once registers a handler that is removed after its first invocation,
// even when multiple emits race for it.
func (b *Bus) Once(event string, fn Handler) UnsubscribeFunc {
	return b.subscribe(event, fn, true)
}

func (b *Bus) subscribe(event string, fn Handler, once bool) UnsubscribeFunc {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return func() {}
	}

	b.nextID++
	sub := &subscription{id: b.nextID, fn: fn, once: once}
	b.handlers[event] = append(b.handlers[event], sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(event, id)
	}
}

func (b *Bus) removeLocked(event string, id uint64) {
	subs := b.handlers[event]
	for i, s := range subs {
		if s.id == id {
			b.handlers[event] = append(subs[:i:i], subs[i+1:]...)
			if len(b.handlers[event]) == 0 {
				delete(b.handlers, event)
			}
			return
		}
	}
}

// Emit invokes every handler currently registered for the event,
// synchronously. A panicking handler is isolated and logged; it never
// prevents the remaining handlers from running.
func (b *Bus) Emit(event string, data any) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	subs := b.handlers[event]
	snapshot := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s.once {
			// Claim before invoking so a concurrent Emit cannot
			// fire the same once handler twice.
			if !s.fired.CompareAndSwap(false, true) {
				continue
			}
			b.removeLocked(event, s.id)
		}
		snapshot = append(snapshot, s)
	}
	b.mu.Unlock()

	for _, s := range snapshot {
		b.invoke(event, s, data)
	}
}

func (b *Bus) invoke(event string, s *subscription, data any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Event handler for %q panicked: %v", event, r)
		}
	}()
	s.fn(data)
}

// RemoveAllListeners clears the handlers for one event, or every event
// when called with no arguments.
func (b *Bus) RemoveAllListeners(event ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(event) == 0 {
		b.handlers = make(map[string][]*subscription)
		return
	}
	for _, e := range event {
		delete(b.handlers, e)
	}
}

// ListenerCount returns the number of handlers registered for an event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[event])
}

// Dispose permanently disables the bus. Further subscriptions and emits
// are ignored. Dispose is idempotent.
func (b *Bus) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return
	}
	b.disposed = true
	b.handlers = make(map[string][]*subscription)
}
