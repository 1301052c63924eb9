// Package disk implements a durable Store on the local filesystem. Blobs are
// written as framed files (optionally zstd compressed) through the backend
// package and indexed in bbolt; an expiry manager applies TTL and LRU limits.
package disk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/wolfeidau/bache"
	"github.com/wolfeidau/bache/backend"
	"github.com/wolfeidau/bache/expiry"
	"github.com/wolfeidau/bache/store"
	"github.com/wolfeidau/bache/store/metadb"
	"github.com/wolfeidau/bache/telemetry"
	"golang.org/x/sync/singleflight"
)

const (
	storeName = "disk"

	// CompressionThreshold is the minimum blob size that is compressed.
	CompressionThreshold = 2048

	defaultStagingTTL          = 15 * time.Minute
	defaultMaxCommittedUploads = 16384
	sweepInterval              = time.Minute

	blobsDir   = "blobs"
	stagingDir = "staging"
	indexFile  = "index.db"
)

// Config configures a disk Store.
type Config struct {
	// Path is the root directory of the store.
	Path string

	// Instance is the instance name served, used to label background metrics.
	Instance string

	// MaxSize is the maximum total stored size in bytes, enforced by LRU
	// eviction in the background. Zero disables the limit.
	MaxSize int64

	// TTL expires blobs not accessed for this long. Zero disables it.
	TTL time.Duration

	// CheckInterval is how often expiry runs. Default: 5m.
	CheckInterval time.Duration

	// Compression stores blobs of at least CompressionThreshold bytes with zstd.
	Compression bool

	// StagingTTL is how long an idle upload session is kept. Default: 15m.
	StagingTTL time.Duration

	// MaxCommittedUploads bounds the record of finished upload ids.
	// Default: 16384.
	MaxCommittedUploads int

	// NoSync disables fsync of the index. Testing only.
	NoSync bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow overrides the clock used for access times and staging expiry.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is a durable content-addressable store.
type Store struct {
	config     Config
	logger     *slog.Logger
	now        func() time.Time
	blobs      backend.FramedBackend
	sizes      backend.SizeAwareBackend
	meta       metadb.MetaDB
	expiry     *expiry.Manager
	stagingDir string

	// bg is the context for work that outlives a request.
	bg context.Context

	// writes coalesces concurrent commits of the same blob.
	writes singleflight.Group

	mu             sync.Mutex
	closed         bool
	uploads        map[string]*upload
	committed      map[string]bache.Digest
	committedOrder []string
	lastSweep      time.Time

	// touches tracks in-flight access time updates so Close can wait for them.
	touches sync.WaitGroup
}

// Open opens or creates a disk store rooted at cfg.Path.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("disk: path is required")
	}
	if cfg.StagingTTL <= 0 {
		cfg.StagingTTL = defaultStagingTTL
	}
	if cfg.MaxCommittedUploads <= 0 {
		cfg.MaxCommittedUploads = defaultMaxCommittedUploads
	}

	s := &Store{
		config:     cfg,
		logger:     slog.Default(),
		now:        time.Now,
		stagingDir: filepath.Join(cfg.Path, stagingDir),
		bg:         telemetry.WithInstanceContext(context.Background(), cfg.Instance),
		uploads:    make(map[string]*upload),
		committed:  make(map[string]bache.Digest),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "disk-store", "path", cfg.Path)

	// Staged uploads cannot be resumed across restarts since the running
	// hash is lost, so start from an empty staging directory.
	if err := os.RemoveAll(s.stagingDir); err != nil {
		return nil, fmt.Errorf("disk: clearing staging: %w", err)
	}
	if err := os.MkdirAll(s.stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: creating staging: %w", err)
	}

	fs, err := backend.NewFilesystem(filepath.Join(cfg.Path, blobsDir))
	if err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}
	instrumented := backend.NewInstrumentedBackend(fs, storeName)
	s.blobs = instrumented
	s.sizes = instrumented

	meta := metadb.NewBoltDB(
		metadb.WithLogger(s.logger),
		metadb.WithNow(s.now),
		metadb.WithNoSync(cfg.NoSync),
	)
	if err := meta.Open(filepath.Join(cfg.Path, indexFile)); err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}
	s.meta = meta

	if err := s.reconcile(ctx); err != nil {
		_ = meta.Close()
		return nil, fmt.Errorf("disk: reconciling index: %w", err)
	}

	s.expiry = expiry.NewManager(s, expiry.Config{
		TTL:           cfg.TTL,
		MaxSize:       cfg.MaxSize,
		CheckInterval: cfg.CheckInterval,
		Name:          storeName,
		Logger:        s.logger,
	})
	if stats, err := s.expiry.GetStats(ctx); err == nil {
		s.logger.Info("opened disk store",
			"blobs", stats.TotalBlobs,
			"stored_bytes", stats.TotalSize,
			"compression", cfg.Compression,
		)
	}
	if s.expiry.Enabled() {
		s.expiry.Start(s.bg)
	}

	return s, nil
}

// Close stops expiry and closes the index.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.expiry.Stop()
	s.touches.Wait()
	return s.meta.Close()
}

// Stats summarises the indexed blobs.
func (s *Store) Stats(ctx context.Context) (*expiry.Stats, error) {
	return s.expiry.GetStats(ctx)
}

// Contains reports whether the blob is indexed. The empty blob is always present.
func (s *Store) Contains(ctx context.Context, d bache.Digest) (bool, error) {
	if d.IsEmpty() {
		return true, nil
	}
	_, err := s.meta.GetBlob(ctx, d.String())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, metadb.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("looking up %s: %w", d, err)
	}
}

// ReadRange reads part of a blob, decompressing if needed.
func (s *Store) ReadRange(ctx context.Context, d bache.Digest, offset, limit int64) ([]byte, error) {
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("%w: offset %d limit %d", store.ErrInvalidRange, offset, limit)
	}
	if d.IsEmpty() {
		if offset > 0 {
			return nil, fmt.Errorf("%w: offset %d beyond size 0", store.ErrInvalidRange, offset)
		}
		return []byte{}, nil
	}

	key := d.String()
	entry, err := s.meta.GetBlob(ctx, key)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, d)
		}
		return nil, fmt.Errorf("looking up %s: %w", d, err)
	}
	if offset > entry.Size {
		return nil, fmt.Errorf("%w: offset %d beyond size %d", store.ErrInvalidRange, offset, entry.Size)
	}

	n := min(limit, entry.Size-offset)
	if n == 0 {
		return []byte{}, nil
	}

	buf, err := s.readBody(ctx, d, offset, n)
	if err != nil {
		return nil, err
	}
	// One access per read: streamed reads continue from non-zero offsets.
	if offset == 0 {
		s.touch(ctx, key)
	}
	return buf, nil
}

func (s *Store) readBody(ctx context.Context, d bache.Digest, offset, n int64) ([]byte, error) {
	header, rc, err := s.blobs.ReadFramed(ctx, bache.BlobStorageKey(d))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			// The index outlived the file; drop the entry so Contains agrees.
			_ = s.meta.DeleteBlob(ctx, d.String())
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, d)
		}
		return nil, fmt.Errorf("opening %s: %w", d, err)
	}
	defer func() { _ = rc.Close() }()

	var body io.Reader = rc
	switch {
	case header.Compressed():
		dec, err := zstd.NewReader(rc, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer dec.Close()
		body = dec
		if _, err := io.CopyN(io.Discard, body, offset); err != nil {
			return nil, fmt.Errorf("skipping to offset %d: %w", offset, err)
		}
	default:
		if seeker, ok := rc.(io.Seeker); ok {
			if _, err := seeker.Seek(offset, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("seeking to offset %d: %w", offset, err)
			}
		} else if _, err := io.CopyN(io.Discard, body, offset); err != nil {
			return nil, fmt.Errorf("skipping to offset %d: %w", offset, err)
		}
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(body, buf); err != nil {
		return nil, fmt.Errorf("reading %s: %w", d, err)
	}
	return buf, nil
}

// Put verifies data and stores it in one step.
func (s *Store) Put(ctx context.Context, d bache.Digest, data []byte) error {
	if s.config.MaxSize > 0 && d.SizeBytes > s.config.MaxSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", store.ErrBlobTooLarge, d.SizeBytes, s.config.MaxSize)
	}
	if err := d.Verify(data); err != nil {
		return err
	}
	return s.commit(ctx, d, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

// commit stores the blob produced by open unless it is already present.
func (s *Store) commit(ctx context.Context, d bache.Digest, open func() (io.ReadCloser, error)) error {
	if d.IsEmpty() {
		return nil
	}

	key := d.String()
	if _, err := s.meta.GetBlob(ctx, key); err == nil {
		s.touch(ctx, key)
		telemetry.RecordBlobWrite(ctx, storeName, d.SizeBytes, false)
		return nil
	}

	// The write runs detached so that one caller giving up does not fail the
	// others waiting on it.
	_, err, shared := s.writes.Do(key, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		if _, err := s.meta.GetBlob(ctx, key); err == nil {
			return nil, nil
		}
		return nil, s.write(ctx, d, open)
	})
	if err != nil {
		return err
	}
	telemetry.RecordBlobWrite(ctx, storeName, d.SizeBytes, !shared)
	return nil
}

// write stores a new framed file for d and indexes it.
func (s *Store) write(ctx context.Context, d bache.Digest, open func() (io.ReadCloser, error)) error {
	rc, err := open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	compression := backend.CompressionIdentity
	if s.config.Compression && d.SizeBytes >= CompressionThreshold {
		compression = backend.CompressionZstd
	}
	header := &backend.BlobHeader{
		Hash:        d.HashString(),
		SizeBytes:   d.SizeBytes,
		Compression: compression,
		StoredAt:    s.now().UTC().Format(time.RFC3339),
	}

	key, storageKey := d.String(), bache.BlobStorageKey(d)
	body := io.Reader(rc)
	if compression == backend.CompressionZstd {
		pr := compressing(rc)
		defer func() { _ = pr.Close() }()
		body = pr
	}
	if err := s.blobs.WriteFramed(ctx, storageKey, header, body); err != nil {
		return fmt.Errorf("writing %s: %w", d, err)
	}

	stored, err := s.sizes.Size(ctx, storageKey)
	if err != nil {
		return fmt.Errorf("sizing %s: %w", d, err)
	}

	now := s.now()
	err = s.meta.PutBlob(ctx, &metadb.BlobEntry{
		Key:         key,
		Size:        d.SizeBytes,
		StoredSize:  stored,
		Compression: compression,
		CachedAt:    now,
		LastAccess:  now,
	})
	if err != nil {
		_ = s.blobs.Delete(ctx, storageKey)
		return fmt.Errorf("indexing %s: %w", d, err)
	}
	return nil
}

// compressing returns a reader yielding the zstd encoding of r. Closing the
// reader stops the encoder.
func compressing(r io.Reader) *io.PipeReader {
	pr, pw := io.Pipe()
	go func() {
		enc, err := zstd.NewWriter(pw, zstd.WithEncoderConcurrency(1))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(enc, r); err != nil {
			enc.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(enc.Close())
	}()
	return pr
}

// touch records an access in the background.
func (s *Store) touch(ctx context.Context, key string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.touches.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.touches.Done()
		ctx := context.WithoutCancel(ctx)
		count, err := s.meta.TouchBlob(ctx, key)
		switch {
		case err == nil:
			telemetry.RecordBlobTouch(ctx, storeName, count)
		case !errors.Is(err, metadb.ErrNotFound):
			s.logger.Warn("failed to record access", "key", key, "error", err)
		}
	}()
}

// ListBlobs returns the index entries of every stored blob.
func (s *Store) ListBlobs(ctx context.Context) ([]*metadb.BlobEntry, error) {
	return s.meta.ListBlobs(ctx)
}

// Evict removes a blob by its index key.
func (s *Store) Evict(ctx context.Context, key string) error {
	d, err := parseIndexKey(key)
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, bache.BlobStorageKey(d)); err != nil {
		return fmt.Errorf("deleting %s: %w", d, err)
	}
	return s.meta.DeleteBlob(ctx, key)
}

// RunExpiry runs one expiry pass immediately.
func (s *Store) RunExpiry(ctx context.Context) *expiry.ExpireResult {
	return s.expiry.RunOnce(ctx)
}

// reconcile brings the index in line with the blob files: files missing
// from the index are re-indexed from their frame header and entries whose
// file is gone are dropped.
func (s *Store) reconcile(ctx context.Context) error {
	keys, err := s.blobs.List(ctx, "cas")
	if err != nil {
		return err
	}

	onDisk := make(map[string]struct{}, len(keys))
	var added int
	for _, storageKey := range keys {
		d, err := bache.ParseBlobStorageKey(storageKey)
		if err != nil {
			s.logger.Warn("ignoring unexpected file", "key", storageKey, "error", err)
			continue
		}
		onDisk[d.String()] = struct{}{}

		if _, err := s.meta.GetBlob(ctx, d.String()); err == nil {
			continue
		}
		if err := s.reindex(ctx, d, storageKey); err != nil {
			s.logger.Warn("dropping unreadable blob", "key", storageKey, "error", err)
			_ = s.blobs.Delete(ctx, storageKey)
			delete(onDisk, d.String())
			continue
		}
		added++
	}

	entries, err := s.meta.ListBlobs(ctx)
	if err != nil {
		return err
	}
	var dropped int
	for _, entry := range entries {
		if _, ok := onDisk[entry.Key]; ok {
			continue
		}
		if err := s.meta.DeleteBlob(ctx, entry.Key); err != nil {
			return err
		}
		dropped++
	}

	if added > 0 || dropped > 0 {
		s.logger.Info("reconciled index", "reindexed", added, "dropped", dropped)
	}
	return nil
}

func (s *Store) reindex(ctx context.Context, d bache.Digest, storageKey string) error {
	header, rc, err := s.blobs.ReadFramed(ctx, storageKey)
	if err != nil {
		return err
	}
	_ = rc.Close()

	if header.Hash != d.HashString() || header.SizeBytes != d.SizeBytes {
		return fmt.Errorf("header %s/%d does not match file name", header.Hash, header.SizeBytes)
	}
	stored, err := s.sizes.Size(ctx, storageKey)
	if err != nil {
		return err
	}

	now := s.now()
	return s.meta.PutBlob(ctx, &metadb.BlobEntry{
		Key:         d.String(),
		Size:        d.SizeBytes,
		StoredSize:  stored,
		Compression: header.Compression,
		CachedAt:    now,
		LastAccess:  now,
	})
}

func parseIndexKey(key string) (bache.Digest, error) {
	hash, size, ok := strings.Cut(key, "/")
	if !ok {
		return bache.Digest{}, fmt.Errorf("%w: index key %q", bache.ErrInvalidDigest, key)
	}
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return bache.Digest{}, fmt.Errorf("%w: index key %q", bache.ErrInvalidDigest, key)
	}
	return bache.NewDigest(hash, n)
}

var (
	_ store.Store   = (*Store)(nil)
	_ store.Putter  = (*Store)(nil)
	_ io.Closer     = (*Store)(nil)
	_ expiry.Source = (*Store)(nil)
)
