package bus

import (
	"context"
	"sync"
)

// Change announces that the document at Path was written or deleted.
type Change struct {
	Path   string `json:"path"`
	Origin string `json:"origin,omitempty"`
}

type Bus interface {
	Publish(ctx context.Context, c Change) error
	StartForwarder(ctx context.Context, onChange func(c Change)) error
	Close() error
}

// localBus hands changes straight to the forwarder of the same process.
type localBus struct {
	mu  sync.RWMutex
	fns []func(Change)
}

func NewLocalBus() Bus { return &localBus{} }

func (b *localBus) Publish(_ context.Context, c Change) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.fns {
		fn(c)
	}
	return nil
}

func (b *localBus) StartForwarder(ctx context.Context, onChange func(c Change)) error {
	b.mu.Lock()
	idx := len(b.fns)
	b.fns = append(b.fns, onChange)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.fns) {
			b.fns[idx] = func(Change) {}
		}
	}()
	return nil
}

func (b *localBus) Close() error {
	b.mu.Lock()
	b.fns = nil
	b.mu.Unlock()
	return nil
}
