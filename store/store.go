// Package store defines the storage capability that backs every cache
// instance, and the Manager that routes instance names to stores.
package store

import (
	"context"

	"github.com/wolfeidau/bache"
)

// Store provides content-addressable blob storage keyed by Digest.
// Implementations must be safe for concurrent use.
type Store interface {
	// Contains reports whether the blob is present. It does not count as an
	// access for eviction purposes.
	Contains(ctx context.Context, d bache.Digest) (bool, error)

	// ReadRange returns min(limit, size-offset) bytes starting at offset.
	// Returns an empty slice when offset equals the size or limit is zero,
	// ErrInvalidRange when offset exceeds the size or either value is
	// negative, and ErrNotFound when the blob is absent.
	ReadRange(ctx context.Context, d bache.Digest, offset, limit int64) ([]byte, error)

	// BeginWrite opens the upload session for uploadID. An in-progress session
	// is resumed, a committed upload returns a completed handle whose Finalize
	// reports the committed digest, otherwise a fresh session is created.
	BeginWrite(ctx context.Context, uploadID string) (Upload, error)

	// UploadStatus reports progress of an upload. Returns ErrNotFound for an
	// unknown upload id.
	UploadStatus(ctx context.Context, uploadID string) (UploadStatus, error)
}

// Upload is a staged, resumable write of a single blob.
type Upload interface {
	// ID returns the upload id the session was opened with.
	ID() string

	// Committed returns the number of bytes accepted so far.
	Committed() int64

	// WriteChunk appends data. When final is true the session accepts no
	// further writes and ErrUploadClosed is returned for any that follow.
	WriteChunk(ctx context.Context, data []byte, final bool) error

	// Finalize verifies the staged bytes against expected and commits them.
	// A digest mismatch discards the staging and nothing becomes visible.
	Finalize(ctx context.Context, expected bache.Digest) (bache.Digest, error)

	// Abort discards the staging. It is safe to call after Finalize.
	Abort()
}

// UploadStatus describes the progress of an upload session.
type UploadStatus struct {
	Committed int64
	Complete  bool
}

// Putter is implemented by stores that can commit a whole blob in one step.
// Put verifies data against d before storing it.
type Putter interface {
	Put(ctx context.Context, d bache.Digest, data []byte) error
}
