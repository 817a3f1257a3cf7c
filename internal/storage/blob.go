package storage

import (
	"errors"
	"io"
)

var ErrBadKey = errors.New("bad blob key")

// BlobStore holds uploaded situation images.
type BlobStore interface {
	Put(key string, r io.Reader) (string, error) // returns canonical key
	Get(key string) (io.ReadCloser, error)
	URL(key string) string // where learners fetch the blob
}
