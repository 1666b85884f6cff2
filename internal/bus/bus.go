package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Uint64
}

type subscription struct {
	namespace string
	ownerID   string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// evt.Kind. Owner-scoped subscribers only see events for their owner.
// Delivery never blocks; a subscriber with a full buffer misses the event.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.ownerID != "" && evt.OwnerID != sub.ownerID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event built from its parts.
func (b *Bus) Emit(kind, ownerID string, payload any) {
	b.Publish(Event{Kind: kind, OwnerID: ownerID, Payload: payload})
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.SubscribeOwner(namespace, "", bufSize)
}

// SubscribeOwner is Subscribe restricted to one owner's events. An empty
// owner receives events for every owner.
func (b *Bus) SubscribeOwner(namespace, ownerID string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ownerID: ownerID, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
