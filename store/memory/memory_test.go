package memory

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/bache"
	"github.com/wolfeidau/bache/store"
)

func writeBlob(t *testing.T, s *Store, data []byte) bache.Digest {
	t.Helper()
	d := bache.DigestOf(data)
	require.NoError(t, store.PutBlob(context.Background(), s, d, data))
	return d
}

func TestEmptyBlobAlwaysPresent(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})

	ok, err := s.Contains(ctx, bache.EmptyDigest)
	require.NoError(t, err)
	require.True(t, ok)

	data, err := s.ReadRange(ctx, bache.EmptyDigest, 0, 0)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestReadRange(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	data := []byte("0123456789")
	d := writeBlob(t, s, data)

	tests := []struct {
		name   string
		offset int64
		limit  int64
		want   string
	}{
		{"whole", 0, 10, "0123456789"},
		{"limit past end", 0, 100, "0123456789"},
		{"middle", 3, 4, "3456"},
		{"tail", 7, 10, "789"},
		{"offset at end", 10, 5, ""},
		{"zero limit", 2, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ReadRange(ctx, d, tt.offset, tt.limit)
			require.NoError(t, err)
			require.Equal(t, tt.want, string(got))
		})
	}
}

func TestReadRangeErrors(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	d := writeBlob(t, s, []byte("abc"))

	_, err := s.ReadRange(ctx, d, 4, 1)
	require.ErrorIs(t, err, store.ErrInvalidRange)

	_, err = s.ReadRange(ctx, d, -1, 1)
	require.ErrorIs(t, err, store.ErrInvalidRange)

	_, err = s.ReadRange(ctx, bache.DigestOf([]byte("missing")), 0, 1)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})

	for _, size := range []int{1, 17, 4096, 100_000} {
		data := bytes.Repeat([]byte{byte(size)}, size)
		d := bache.DigestOf(data)

		up, err := s.BeginWrite(ctx, uuid.NewString())
		require.NoError(t, err)

		for off := 0; off < size; off += 1000 {
			end := min(off+1000, size)
			require.NoError(t, up.WriteChunk(ctx, data[off:end], end == size))
		}

		got, err := up.Finalize(ctx, d)
		require.NoError(t, err)
		require.Equal(t, d, got)

		ok, err := s.Contains(ctx, d)
		require.NoError(t, err)
		require.True(t, ok)

		read, err := store.ReadBlob(ctx, s, d)
		require.NoError(t, err)
		require.Equal(t, data, read)
	}
}

func TestDigestMismatchExposesNothing(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})

	data := []byte("actual content")
	claimed := bache.DigestOf([]byte("claimed content"))
	claimed.SizeBytes = int64(len(data))

	id := uuid.NewString()
	up, err := s.BeginWrite(ctx, id)
	require.NoError(t, err)
	require.NoError(t, up.WriteChunk(ctx, data, true))

	_, err = up.Finalize(ctx, claimed)
	require.ErrorIs(t, err, bache.ErrDigestMismatch)

	for _, d := range []bache.Digest{claimed, bache.DigestOf(data)} {
		ok, err := s.Contains(ctx, d)
		require.NoError(t, err)
		require.False(t, ok)
	}

	_, err = s.UploadStatus(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutVerifies(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})

	d := bache.DigestOf([]byte("good"))
	require.ErrorIs(t, s.Put(ctx, d, []byte("evil")), bache.ErrDigestMismatch)

	ok, err := s.Contains(ctx, d)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResumeUpload(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	data := []byte("resumable upload payload")
	d := bache.DigestOf(data)
	id := uuid.NewString()

	up, err := s.BeginWrite(ctx, id)
	require.NoError(t, err)
	require.NoError(t, up.WriteChunk(ctx, data[:10], false))

	status, err := s.UploadStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.UploadStatus{Committed: 10}, status)

	// A new stream picks up where the previous one stopped.
	resumed, err := s.BeginWrite(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(10), resumed.Committed())
	require.NoError(t, resumed.WriteChunk(ctx, data[10:], true))

	got, err := resumed.Finalize(ctx, d)
	require.NoError(t, err)
	require.Equal(t, d, got)

	status, err = s.UploadStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.UploadStatus{Committed: d.SizeBytes, Complete: true}, status)
}

func TestFinalizeIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	data := []byte("finalize twice")
	d := bache.DigestOf(data)
	id := uuid.NewString()

	up, err := s.BeginWrite(ctx, id)
	require.NoError(t, err)
	require.NoError(t, up.WriteChunk(ctx, data, true))
	_, err = up.Finalize(ctx, d)
	require.NoError(t, err)

	again, err := s.BeginWrite(ctx, id)
	require.NoError(t, err)
	require.Equal(t, d.SizeBytes, again.Committed())
	require.ErrorIs(t, again.WriteChunk(ctx, []byte("x"), false), store.ErrUploadClosed)

	got, err := again.Finalize(ctx, d)
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestWriteAfterFinalChunk(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})

	up, err := s.BeginWrite(ctx, uuid.NewString())
	require.NoError(t, err)
	require.NoError(t, up.WriteChunk(ctx, []byte("a"), true))
	require.ErrorIs(t, up.WriteChunk(ctx, []byte("b"), false), store.ErrUploadClosed)
}

func TestFinalizeNotFinal(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})

	up, err := s.BeginWrite(ctx, uuid.NewString())
	require.NoError(t, err)
	require.NoError(t, up.WriteChunk(ctx, []byte("a"), false))

	_, err = up.Finalize(ctx, bache.DigestOf([]byte("a")))
	require.ErrorIs(t, err, store.ErrUploadNotFinal)
}

func TestAbortDiscardsStaging(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	id := uuid.NewString()

	up, err := s.BeginWrite(ctx, id)
	require.NoError(t, err)
	require.NoError(t, up.WriteChunk(ctx, []byte("partial"), false))
	up.Abort()

	_, err = s.UploadStatus(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)

	fresh, err := s.BeginWrite(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(0), fresh.Committed())
}

func TestStagingExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(Config{StagingTTL: time.Minute}, WithNow(func() time.Time { return now }))

	id := uuid.NewString()
	up, err := s.BeginWrite(ctx, id)
	require.NoError(t, err)
	require.NoError(t, up.WriteChunk(ctx, []byte("stale"), false))

	now = now.Add(2 * time.Minute)
	_, err = s.BeginWrite(ctx, uuid.NewString())
	require.NoError(t, err)

	_, err = s.UploadStatus(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestBlobTooLarge(t *testing.T) {
	ctx := context.Background()
	s := New(Config{MaxSize: 8})

	data := []byte("way more than eight bytes")
	require.ErrorIs(t, store.PutBlob(ctx, s, bache.DigestOf(data), data), store.ErrBlobTooLarge)

	up, err := s.BeginWrite(ctx, uuid.NewString())
	require.NoError(t, err)
	require.ErrorIs(t, up.WriteChunk(ctx, data, true), store.ErrBlobTooLarge)
}

func TestEvictionBoundsSize(t *testing.T) {
	ctx := context.Background()
	const maxSize = 1024
	s := New(Config{MaxSize: maxSize})

	var digests []bache.Digest
	for i := range 100 {
		digests = append(digests, writeBlob(t, s, []byte(fmt.Sprintf("%064d", i))))
		require.LessOrEqual(t, s.blobs.Bytes(), int64(maxSize))
	}

	// Early one-hit wonders are gone and read as not found.
	ok, err := s.Contains(ctx, digests[0])
	require.NoError(t, err)
	require.False(t, ok)
	_, err = s.ReadRange(ctx, digests[0], 0, 1)
	require.ErrorIs(t, err, store.ErrNotFound)

	ok, err = s.Contains(ctx, digests[99])
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLargeBlobSurvivesWarmCache(t *testing.T) {
	ctx := context.Background()
	s := New(Config{MaxSize: 100})

	small := writeBlob(t, s, bytes.Repeat([]byte("a"), 50))
	_, err := s.ReadRange(ctx, small, 0, 1)
	require.NoError(t, err)

	large := writeBlob(t, s, bytes.Repeat([]byte("b"), 60))
	ok, err := s.Contains(ctx, large)
	require.NoError(t, err)
	require.True(t, ok)

	data, err := s.ReadRange(ctx, large, 0, 60)
	require.NoError(t, err)
	require.Len(t, data, 60)
}

func TestCommittedUploadsBounded(t *testing.T) {
	ctx := context.Background()
	s := New(Config{MaxCommittedUploads: 2})

	var ids []string
	for i := range 3 {
		data := []byte(fmt.Sprintf("blob-%d", i))
		id := uuid.NewString()
		ids = append(ids, id)
		up, err := s.BeginWrite(ctx, id)
		require.NoError(t, err)
		require.NoError(t, up.WriteChunk(ctx, data, true))
		_, err = up.Finalize(ctx, bache.DigestOf(data))
		require.NoError(t, err)
	}

	_, err := s.UploadStatus(ctx, ids[0])
	require.ErrorIs(t, err, store.ErrNotFound)
	status, err := s.UploadStatus(ctx, ids[2])
	require.NoError(t, err)
	require.True(t, status.Complete)
}

func TestConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := []byte(fmt.Sprintf("concurrent-%d", i%4))
			if err := store.PutBlob(ctx, s, bache.DigestOf(data), data); err != nil {
				t.Errorf("put: %v", err)
			}
		}()
	}
	wg.Wait()

	for i := range 4 {
		data := []byte(fmt.Sprintf("concurrent-%d", i))
		got, err := store.ReadBlob(ctx, s, bache.DigestOf(data))
		require.NoError(t, err)
		require.Equal(t, data, got)
	}
}
