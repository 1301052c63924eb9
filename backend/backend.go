// Package backend provides the key/value byte layer beneath the disk store.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend stores opaque byte streams under slash-separated keys.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any existing value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// WriterBackend extends Backend with direct writer access.
type WriterBackend interface {
	Backend

	// Writer returns a WriteCloser for writing to the given key.
	// The write is only committed when Close returns nil.
	Writer(ctx context.Context, key string) (io.WriteCloser, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// FramedBackend stores values in the framed file format, a header followed
// by the body.
type FramedBackend interface {
	Backend

	// WriteFramed atomically stores header and body at key.
	WriteFramed(ctx context.Context, key string, header *BlobHeader, body io.Reader) error

	// ReadFramed returns the header and a reader positioned at the start of
	// the body. The caller must close the returned ReadCloser. When the
	// backend is file based the body also implements io.Seeker.
	ReadFramed(ctx context.Context, key string) (*BlobHeader, io.ReadCloser, error)
}
