// Package notify implements a small named-topic event bus used to
// decouple the peer table and service directory from their
// subscribers (logging, metrics, discovery's TCP teardown). Grounded
// on the peers.PeerStore.On/events.Bus pattern used for broker
// lifecycle events (peers/store.go, broker/logs.go), simplified from
// that package's lock-free atomic-CAS-over-an-immutable-radix-tree
// subscriber set (state/events.go) to a plain mutex-guarded map:
// every call into this process runs on one goroutine, so the bus is
// never accessed concurrently and needs no lock-free structure.
package notify

import (
	"sync"

	"github.com/google/uuid"
)

// CancelFunc unsubscribes a handler previously registered with On.
type CancelFunc func()

// Bus dispatches named events to zero or more handlers, synchronously,
// in no particular order.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[string]func(interface{})
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[string]func(interface{}))}
}

// On registers handler for topic and returns a function that removes
// it.
func (b *Bus) On(topic string, handler func(interface{})) CancelFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]func(interface{}))
	}
	id := uuid.New().String()
	b.subs[topic][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// Emit synchronously invokes every handler registered for topic. The
// order handlers run in is unspecified (map iteration); callers that
// need strict ordering should not rely on this bus.
func (b *Bus) Emit(topic string, payload interface{}) {
	b.mu.Lock()
	handlers := make([]func(interface{}), 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}
