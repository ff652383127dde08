package identity

import (
	"context"
	"sync"
)

// Bus carries "session changed" signals per client so every watcher, on any
// instance, re-reads the session after a sign-in, sign-out, or expiry.
type Bus interface {
	Publish(ctx context.Context, client ClientID) error
	// Subscribe returns a channel that receives a value after each publish
	// for client. Signals coalesce; the channel is never closed.
	Subscribe(ctx context.Context, client ClientID) (<-chan struct{}, func(), error)
}

// MemoryBus fans out within one process.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[ClientID]map[chan struct{}]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[ClientID]map[chan struct{}]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, client ClientID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[client] {
		signal(ch)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, client ClientID) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.subs[client] == nil {
		b.subs[client] = make(map[chan struct{}]struct{})
	}
	b.subs[client][ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[client], ch)
			if len(b.subs[client]) == 0 {
				delete(b.subs, client)
			}
		})
	}, nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
