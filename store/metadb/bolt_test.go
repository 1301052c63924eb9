package metadb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	db := NewBoltDB(append([]BoltDBOption{WithNoSync(true)}, opts...)...)
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEntry(key string, size int64) *BlobEntry {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &BlobEntry{
		Key:         key,
		Size:        size,
		StoredSize:  size,
		Compression: "identity",
		CachedAt:    now,
		LastAccess:  now,
	}
}

func TestBoltDB_BlobOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("PutBlob and GetBlob round-trip", func(t *testing.T) {
		db := newTestBoltDB(t)
		entry := testEntry("abc/3", 3)

		require.NoError(t, db.PutBlob(ctx, entry))

		got, err := db.GetBlob(ctx, "abc/3")
		require.NoError(t, err)
		assert.Equal(t, entry, got)
	})

	t.Run("GetBlob returns ErrNotFound for missing key", func(t *testing.T) {
		db := newTestBoltDB(t)

		_, err := db.GetBlob(ctx, "missing/0")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeleteBlob is idempotent", func(t *testing.T) {
		db := newTestBoltDB(t)
		require.NoError(t, db.PutBlob(ctx, testEntry("abc/3", 3)))

		require.NoError(t, db.DeleteBlob(ctx, "abc/3"))
		require.NoError(t, db.DeleteBlob(ctx, "abc/3"))

		_, err := db.GetBlob(ctx, "abc/3")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListBlobs and TotalBlobSize", func(t *testing.T) {
		db := newTestBoltDB(t)
		require.NoError(t, db.PutBlob(ctx, testEntry("a/10", 10)))
		require.NoError(t, db.PutBlob(ctx, testEntry("b/20", 20)))

		entries, err := db.ListBlobs(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "a/10", entries[0].Key)

		total, err := db.TotalBlobSize(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(30), total)
	})
}

func TestBoltDB_TouchBlob(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	db := newTestBoltDB(t, WithNow(func() time.Time { return now }))

	require.NoError(t, db.PutBlob(ctx, testEntry("k/1", 1)))

	for want := 1; want <= 5; want++ {
		count, err := db.TouchBlob(ctx, "k/1")
		require.NoError(t, err)
		require.Equal(t, min(want, maxAccessCount), count)
	}

	entry, err := db.GetBlob(ctx, "k/1")
	require.NoError(t, err)
	require.True(t, now.Equal(entry.LastAccess))

	_, err = db.TouchBlob(ctx, "missing/1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltDB_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	db := NewBoltDB()
	require.NoError(t, db.Open(path))
	require.NoError(t, db.PutBlob(ctx, testEntry("persist/7", 7)))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	db = NewBoltDB()
	require.NoError(t, db.Open(path))
	t.Cleanup(func() { _ = db.Close() })

	got, err := db.GetBlob(ctx, "persist/7")
	require.NoError(t, err)
	require.Equal(t, int64(7), got.Size)
}

func TestBoltDB_ConcurrentTouch(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)
	require.NoError(t, db.PutBlob(ctx, testEntry("hot/1", 1)))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.TouchBlob(ctx, "hot/1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := db.GetBlob(ctx, "hot/1")
	require.NoError(t, err)
	require.Equal(t, maxAccessCount, entry.AccessCount)
}
