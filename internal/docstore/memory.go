package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mozmina/formatrice/pkg/logger"
)

type memDoc struct {
	data      map[string]any
	updatedAt time.Time
}

type memoryStore struct {
	mu   sync.RWMutex
	docs map[string]memDoc
	w    *watchers
}

// NewInMemoryStore returns a process-local Store without persistence or
// cross-instance notifications. Used by tests.
func NewInMemoryStore(log *logger.Logger) Store {
	m := &memoryStore{docs: map[string]memDoc{}}
	m.w = newWatchers(func(ctx context.Context, path string, collection bool) (Snapshot, error) {
		return snapshotOf(ctx, m, path, collection)
	}, log)
	return m
}

func (m *memoryStore) Get(_ context.Context, path string) (Document, error) {
	p, err := checkDocPath(path)
	if err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[p]
	if !ok {
		return Document{}, ErrNotFound
	}
	_, id := Split(p)
	return Document{ID: id, Path: p, Data: copyData(d.data), UpdatedAt: d.updatedAt}, nil
}

func (m *memoryStore) Set(_ context.Context, path string, data map[string]any, opts SetOptions) error {
	p, err := checkDocPath(path)
	if err != nil {
		return err
	}
	in, err := normalize(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if cur, ok := m.docs[p]; ok && opts.Merge {
		merged := copyData(cur.data)
		mergeInto(merged, in)
		in = merged
	}
	m.docs[p] = memDoc{data: in, updatedAt: time.Now().UTC()}
	m.mu.Unlock()

	m.w.notify(p)
	return nil
}

func (m *memoryStore) Delete(_ context.Context, path string) error {
	p, err := checkDocPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	_, existed := m.docs[p]
	delete(m.docs, p)
	m.mu.Unlock()
	if existed {
		m.w.notify(p)
	}
	return nil
}

func (m *memoryStore) List(_ context.Context, collection string) ([]Document, error) {
	c, err := checkCollectionPath(collection)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Document{}
	for p, d := range m.docs {
		parent, id := Split(p)
		if parent != c {
			continue
		}
		out = append(out, Document{ID: id, Path: p, Data: copyData(d.data), UpdatedAt: d.updatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) Subscribe(path string, fn func(Snapshot)) (Unsubscribe, error) {
	return m.w.add(path, fn)
}

func (m *memoryStore) Close() error {
	m.w.closeAll()
	return nil
}
