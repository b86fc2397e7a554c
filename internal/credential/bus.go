package credential

import (
	"sync"

	"go.uber.org/zap"
)

// Change describes one credential mutation.
type Change struct {
	Token      string // new token, empty when cleared
	Generation uint64
	Reason     string
}

// Present reports whether the change leaves a credential in place.
func (c Change) Present() bool {
	return c.Token != ""
}

// Handler reacts to a credential change. Handlers run synchronously on the
// publishing goroutine and must not mutate the credential themselves;
// anything slow belongs in a goroutine the handler starts.
type Handler func(Change)

type subscriber struct {
	id   int
	name string
	fn   Handler
}

// Bus fans a credential change out to named subscribers in subscription
// order. A panicking subscriber is logged and does not stop the others.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID int
	log    *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log}
}

// Subscribe registers fn under name and returns a function removing it.
func (b *Bus) Subscribe(name string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, name: name, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Subscribers lists subscriber names in delivery order.
func (b *Bus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.subs))
	for i, s := range b.subs {
		names[i] = s.name
	}
	return names
}

// Publish delivers c to every subscriber.
func (b *Bus) Publish(c Change) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, c)
	}
}

func (b *Bus) deliver(s subscriber, c Change) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("credential subscriber panicked",
				zap.String("subscriber", s.name),
				zap.Any("panic", r))
		}
	}()
	s.fn(c)
}
