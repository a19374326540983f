package ws

import (
	"sync"

	"go.uber.org/zap"

	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/protocol"
)

// EventHandler receives parsed inbound events.
type EventHandler func(ev protocol.Event)

// StatusHandler receives connection status changes.
type StatusHandler func(status Status)

// subscribers is an insertion-ordered handler list with unsubscribe support.
type subscribers[T any] struct {
	mu     sync.Mutex
	nextID int
	list   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn T
}

// add appends fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (s *subscribers[T]) add(fn T) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.list = append(s.list, subscriber[T]{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.list {
			if sub.id == id {
				s.list = append(s.list[:i:i], s.list[i+1:]...)
				return
			}
		}
	}
}

// snapshot returns the handlers in registration order. The returned slice is
// safe to iterate without holding the lock.
func (s *subscribers[T]) snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, len(s.list))
	for i, sub := range s.list {
		out[i] = sub.fn
	}
	return out
}

func (s *subscribers[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Dispatcher fans inbound events out to subscribers. Every event reaches the
// message subscribers; notification events additionally reach the
// notification subscribers. A panicking handler is recovered and logged and
// does not stop delivery to the handlers after it.
type Dispatcher struct {
	messages      subscribers[EventHandler]
	notifications subscribers[EventHandler]
	log           *zap.Logger
	metrics       *metrics.Client
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(log *zap.Logger, m *metrics.Client) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{log: log, metrics: m}
}

// OnMessage subscribes to every inbound event.
func (d *Dispatcher) OnMessage(h EventHandler) func() {
	return d.messages.add(h)
}

// OnNotification subscribes to notification events only.
func (d *Dispatcher) OnNotification(h EventHandler) func() {
	return d.notifications.add(h)
}

// Dispatch delivers ev to the subscribers in registration order.
func (d *Dispatcher) Dispatch(ev protocol.Event) {
	for _, h := range d.messages.snapshot() {
		d.safeCall("message", ev.Type, func() { h(ev) })
	}
	if ev.Type != protocol.TypeNotification {
		return
	}
	for _, h := range d.notifications.snapshot() {
		d.safeCall("notification", ev.Type, func() { h(ev) })
	}
}

func (d *Dispatcher) safeCall(kind, eventType string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("subscriber panicked",
				zap.String("subscriber", kind),
				zap.String("event_type", eventType),
				zap.Any("panic", r))
			if d.metrics != nil {
				d.metrics.HandlerPanics.Inc()
			}
		}
	}()
	fn()
}
