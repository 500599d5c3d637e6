package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// A subscription is identified by the unsubscribe func returned from
// Subscribe; dropping that token and calling it is the only way to detach a
// listener, so a session can tear down exactly the subscriptions it created.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
	once      bool
	fired     bool
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// event.Kind. Delivery is non-blocking; a subscriber with a full buffer
// misses the event.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.once {
			if sub.fired {
				continue
			}
			sub.fired = true
			delete(b.subs, id)
		}
		select {
		case sub.ch <- evt:
		default:
			// Subscriber buffer full, event dropped.
		}
	}
}

// Subscribe returns a channel receiving every event whose kind starts with
// namespace, and an unsubscribe func. bufSize controls the channel buffer.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, bufSize, false)
}

// SubscribeOnce is like Subscribe but delivers at most one event and then
// detaches itself. The returned unsubscribe func cancels early delivery and
// is safe to call after the event has fired.
func (b *Bus) SubscribeOnce(namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, bufSize, true)
}

func (b *Bus) subscribe(namespace string, bufSize int, once bool) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch, once: once}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
