package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/wolfeidau/bache"
)

// PutBlob stores data under d, verifying it first. Stores implementing Putter
// are used directly; others go through a one-shot upload session.
func PutBlob(ctx context.Context, s Store, d bache.Digest, data []byte) error {
	if p, ok := s.(Putter); ok {
		return p.Put(ctx, d, data)
	}

	up, err := s.BeginWrite(ctx, uuid.NewString())
	if err != nil {
		return fmt.Errorf("beginning write: %w", err)
	}
	if err := up.WriteChunk(ctx, data, true); err != nil {
		up.Abort()
		return fmt.Errorf("writing blob: %w", err)
	}
	if _, err := up.Finalize(ctx, d); err != nil {
		up.Abort()
		return err
	}
	return nil
}

// ReadBlob reads the whole blob.
func ReadBlob(ctx context.Context, s Store, d bache.Digest) ([]byte, error) {
	return s.ReadRange(ctx, d, 0, d.SizeBytes)
}
