// Package docstore is a small path-addressed document database modelled on the
// hosted store the training front-end was first written against: documents live
// at paths like "artifacts/{app}/public/data/responses/{id}", collections are the
// odd-length prefixes, and every write fans out to path subscribers.
package docstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("document not found")

type Document struct {
	ID        string         `json:"id"`
	Path      string         `json:"path"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type SetOptions struct {
	// Merge deep-merges nested maps into the existing document instead of replacing it.
	Merge bool
}

// Snapshot is what subscribers receive. For a document path Exists/Doc are set,
// for a collection path Docs holds every document in it.
type Snapshot struct {
	Path   string
	Exists bool
	Doc    Document
	Docs   []Document
}

type Unsubscribe func()

type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	Set(ctx context.Context, path string, data map[string]any, opts SetOptions) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, collection string) ([]Document, error)
	// Subscribe delivers an initial snapshot and one per change, asynchronously and
	// coalesced (a slow subscriber sees the latest state, not every write).
	Subscribe(path string, fn func(Snapshot)) (Unsubscribe, error)
	Close() error
}
