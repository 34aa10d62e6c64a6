package tunnel

import (
	"sync"

	"github.com/craigderington/realmtunnel/pkg/types"
)

// StatusFunc receives published snapshots. It runs on the publisher's
// goroutine and must not call back into the Manager synchronously.
type StatusFunc func(types.StatusSnapshot)

type subscriber struct {
	id uint64
	fn StatusFunc
}

// StatusBus fans snapshots out to subscribers synchronously, in subscription order
type StatusBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber
}

// NewStatusBus creates an empty bus
func NewStatusBus() *StatusBus {
	return &StatusBus{}
}

// Subscribe registers fn and returns a function that removes it
func (b *StatusBus) Subscribe(fn StatusFunc) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers snapshot to every subscriber. Each subscriber gets its own copy.
func (b *StatusBus) Publish(snapshot types.StatusSnapshot) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(snapshot.Clone())
	}
}

// Len returns the number of subscribers
func (b *StatusBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Channel adapts the bus to an asynchronous consumer. When the buffer is full
// the oldest queued snapshot is dropped in favour of the new one.
func (b *StatusBus) Channel(buffer int) (<-chan types.StatusSnapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan types.StatusSnapshot, buffer)

	var (
		mu     sync.Mutex
		closed bool
	)

	unsubscribe := b.Subscribe(func(s types.StatusSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		for {
			select {
			case ch <- s:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	})

	cancel := func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
	return ch, cancel
}
