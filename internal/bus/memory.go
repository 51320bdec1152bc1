package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process bus for tests and single-node evaluation.
// Delivery is synchronous with Publish.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers []*Handler
	closed   bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	handlers := make([]*Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		(*h).OnEvent(e)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	// Track the registration by pointer so removal works even when the
	// Handler's dynamic type is not comparable (e.g. HandlerFuncs).
	reg := &h
	b.mu.Lock()
	b.handlers = append(b.handlers, reg)
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	for i, r := range b.handlers {
		if r == reg {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	return ctx.Err()
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.handlers = nil
	b.mu.Unlock()
	return nil
}
