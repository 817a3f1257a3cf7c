package activation

import (
	"sync"

	"github.com/Mozmina/formatrice/internal/docstore"
)

// PointerSource delivers the global active-evaluation id ("" when none).
type PointerSource interface {
	SubscribeActive(fn func(id string)) (docstore.Unsubscribe, error)
}

// Gate follows the activation pointer and reports only real changes: repeated
// snapshots carrying the same id are swallowed. The first value is always reported.
type Gate struct {
	mu      sync.Mutex
	current string
	seen    bool
	closed  bool
	unsub   docstore.Unsubscribe
}

// Watch subscribes to src. onChange runs on the store's notification goroutine.
func Watch(src PointerSource, onChange func(id string)) (*Gate, error) {
	g := &Gate{}
	unsub, err := src.SubscribeActive(func(id string) {
		g.mu.Lock()
		if g.closed || (g.seen && id == g.current) {
			g.mu.Unlock()
			return
		}
		g.seen = true
		g.current = id
		g.mu.Unlock()
		onChange(id)
	})
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.unsub = unsub
	g.mu.Unlock()
	return g, nil
}

// Active returns the last id seen and whether any value has arrived yet.
func (g *Gate) Active() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current, g.seen
}

// Close releases the subscription. Safe to call more than once.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	unsub := g.unsub
	g.unsub = nil
	g.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
