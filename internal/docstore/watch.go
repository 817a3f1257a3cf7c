package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/Mozmina/formatrice/pkg/logger"
)

type reader func(ctx context.Context, path string, collection bool) (Snapshot, error)

type watcher struct {
	path       string
	collection bool
	fn         func(Snapshot)
	signal     chan struct{}
	done       chan struct{}
	once       sync.Once
}

func (w *watcher) matches(changed string) bool {
	if w.path == changed {
		return true
	}
	if !w.collection {
		return false
	}
	parent, _ := Split(changed)
	return parent == w.path
}

func (w *watcher) poke() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) stopped() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// watchers fans change notifications out to subscribers. Each subscriber has its
// own goroutine and a one-slot signal channel, so notify never blocks on a slow
// handler and bursts collapse into a single re-read.
type watchers struct {
	mu   sync.Mutex
	next uint64
	m    map[uint64]*watcher
	read reader
	log  *logger.Logger
}

func newWatchers(read reader, log *logger.Logger) *watchers {
	if log == nil {
		log = logger.Nop()
	}
	return &watchers{m: map[uint64]*watcher{}, read: read, log: log}
}

func (ws *watchers) add(path string, fn func(Snapshot)) (Unsubscribe, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	w := &watcher{
		path:       p,
		collection: IsCollection(p),
		fn:         fn,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	ws.mu.Lock()
	ws.next++
	id := ws.next
	ws.m[id] = w
	ws.mu.Unlock()

	go ws.loop(w)
	w.poke()

	return func() {
		w.once.Do(func() {
			close(w.done)
			ws.mu.Lock()
			delete(ws.m, id)
			ws.mu.Unlock()
		})
	}, nil
}

func (ws *watchers) loop(w *watcher) {
	for {
		select {
		case <-w.done:
			return
		case <-w.signal:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			snap, err := ws.read(ctx, w.path, w.collection)
			cancel()
			if err != nil {
				ws.log.Warn("snapshot read failed", "path", w.path, "error", err)
				continue
			}
			if w.stopped() {
				return
			}
			w.fn(snap)
		}
	}
}

func (ws *watchers) notify(changed string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, w := range ws.m {
		if w.matches(changed) {
			w.poke()
		}
	}
}

func (ws *watchers) closeAll() {
	ws.mu.Lock()
	all := make([]*watcher, 0, len(ws.m))
	for id, w := range ws.m {
		all = append(all, w)
		delete(ws.m, id)
	}
	ws.mu.Unlock()
	for _, w := range all {
		w.once.Do(func() { close(w.done) })
	}
}

func snapshotOf(ctx context.Context, s interface {
	Get(context.Context, string) (Document, error)
	List(context.Context, string) ([]Document, error)
}, path string, collection bool) (Snapshot, error) {
	if collection {
		docs, err := s.List(ctx, path)
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{Path: path, Docs: docs}, nil
	}
	d, err := s.Get(ctx, path)
	if err == ErrNotFound {
		return Snapshot{Path: path}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: path, Exists: true, Doc: d}, nil
}
