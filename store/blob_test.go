package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/bache"
	"github.com/wolfeidau/bache/store"
	"github.com/wolfeidau/bache/store/memory"
)

// sessionOnly hides the Putter fast path so PutBlob goes through an upload.
type sessionOnly struct {
	store.Store
}

func TestPutBlobUploadFallback(t *testing.T) {
	ctx := context.Background()
	s := sessionOnly{memory.New(memory.Config{})}

	data := []byte("via upload session")
	d := bache.DigestOf(data)
	require.NoError(t, store.PutBlob(ctx, s, d, data))

	got, err := store.ReadBlob(ctx, s, d)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestPutBlobUploadFallbackMismatch(t *testing.T) {
	ctx := context.Background()
	s := sessionOnly{memory.New(memory.Config{})}

	d := bache.DigestOf([]byte("expected"))
	err := store.PutBlob(ctx, s, d, []byte("received"))
	require.ErrorIs(t, err, store.ErrDigestMismatch)

	ok, err := s.Contains(ctx, d)
	require.NoError(t, err)
	require.False(t, ok)
}
