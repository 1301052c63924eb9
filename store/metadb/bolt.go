package metadb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

const maxAccessCount = 3

var bucketBlobs = []byte("blobs") // digest key -> BlobEntry JSON

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating bucket %s: %w", bucketBlobs, err)
	}
	b.db = db

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

// Close closes the database.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// GetBlob retrieves blob metadata.
func (b *BoltDB) GetBlob(_ context.Context, key string) (*BlobEntry, error) {
	var entry *BlobEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		entry, err = getEntry(tx.Bucket(bucketBlobs), key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// PutBlob stores blob metadata, replacing any existing entry.
func (b *BoltDB) PutBlob(_ context.Context, entry *BlobEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putEntry(tx.Bucket(bucketBlobs), entry)
	})
}

// DeleteBlob removes blob metadata. Deleting a missing entry is not an error.
func (b *BoltDB) DeleteBlob(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(key))
	})
}

// TouchBlob updates the last access time for a blob and increments the access counter.
func (b *BoltDB) TouchBlob(_ context.Context, key string) (int, error) {
	var newCount int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBlobs)
		entry, err := getEntry(bucket, key)
		if err != nil {
			return err
		}

		entry.LastAccess = b.now()
		if entry.AccessCount < maxAccessCount {
			entry.AccessCount++
		}
		newCount = entry.AccessCount

		return putEntry(bucket, entry)
	})
	return newCount, err
}

// ListBlobs returns every blob entry in key order.
func (b *BoltDB) ListBlobs(_ context.Context) ([]*BlobEntry, error) {
	var entries []*BlobEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).ForEach(func(k, v []byte) error {
			var entry BlobEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				b.logger.Warn("skipping corrupt blob entry", "key", string(k), "error", err)
				return nil
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// TotalBlobSize returns the total on-disk size of all blobs.
func (b *BoltDB) TotalBlobSize(_ context.Context) (int64, error) {
	var total int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).ForEach(func(_, v []byte) error {
			var entry BlobEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // Skip invalid entries
			}
			total += entry.StoredSize
			return nil
		})
	})
	return total, err
}

func getEntry(bucket *bbolt.Bucket, key string) (*BlobEntry, error) {
	val := bucket.Get([]byte(key))
	if val == nil {
		return nil, ErrNotFound
	}
	var entry BlobEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling blob entry: %w", err)
	}
	return &entry, nil
}

func putEntry(bucket *bbolt.Bucket, entry *BlobEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling blob entry: %w", err)
	}
	if err := bucket.Put([]byte(entry.Key), data); err != nil {
		return fmt.Errorf("putting blob: %w", err)
	}
	return nil
}

var _ MetaDB = (*BoltDB)(nil)
