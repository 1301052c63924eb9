// Package metadb indexes stored blobs in bbolt so the disk store can answer
// existence checks without touching the filesystem and can pick expiry
// candidates by access time.
package metadb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// BlobEntry contains metadata about a stored blob.
type BlobEntry struct {
	// Key is the digest rendered as "{hash}/{size}".
	Key string `json:"key"`

	// Size is the uncompressed blob size.
	Size int64 `json:"size"`

	// StoredSize is the number of bytes the blob occupies on disk.
	StoredSize int64 `json:"stored_size"`

	Compression string    `json:"compression"`
	CachedAt    time.Time `json:"cached_at"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int       `json:"access_count"`
}

// MetaDB stores blob entries.
type MetaDB interface {
	Open(path string) error
	Close() error

	GetBlob(ctx context.Context, key string) (*BlobEntry, error)
	PutBlob(ctx context.Context, entry *BlobEntry) error
	DeleteBlob(ctx context.Context, key string) error
	// TouchBlob updates the last access time and increments the access counter.
	// Returns the new access count (capped at 3), or ErrNotFound.
	TouchBlob(ctx context.Context, key string) (int, error)
	ListBlobs(ctx context.Context) ([]*BlobEntry, error)
	TotalBlobSize(ctx context.Context) (int64, error)
}
