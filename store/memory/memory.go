// Package memory implements an in-process Store bounded by total bytes.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/bache"
	"github.com/wolfeidau/bache/store"
	"github.com/wolfeidau/bache/store/s3fifo"
	"github.com/wolfeidau/bache/telemetry"
)

const (
	storeName = "memory"

	defaultMaxSize             = 1 << 30 // 1 GiB
	defaultStagingTTL          = 15 * time.Minute
	defaultMaxCommittedUploads = 16384
	sweepInterval              = time.Minute
)

// Config configures a memory Store.
type Config struct {
	// MaxSize is the maximum total size of stored blobs in bytes. Default: 1 GiB.
	MaxSize int64

	// StagingTTL is how long an idle upload session is kept for resumption.
	// Default: 15m.
	StagingTTL time.Duration

	// MaxCommittedUploads bounds the record of finished upload ids used to
	// answer duplicate finalize and status requests. Default: 16384.
	MaxCommittedUploads int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow overrides the clock used for staging expiry.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store keeps blobs in an S3-FIFO cache and upload sessions in a staging map.
type Store struct {
	config Config
	blobs  *s3fifo.Cache[bache.Digest, []byte]
	logger *slog.Logger
	now    func() time.Time

	mu             sync.Mutex
	uploads        map[string]*upload
	committed      map[string]bache.Digest
	committedOrder []string
	lastSweep      time.Time
}

// New creates a memory Store.
func New(cfg Config, opts ...Option) *Store {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.StagingTTL <= 0 {
		cfg.StagingTTL = defaultStagingTTL
	}
	if cfg.MaxCommittedUploads <= 0 {
		cfg.MaxCommittedUploads = defaultMaxCommittedUploads
	}

	s := &Store{
		config:    cfg,
		logger:    slog.Default(),
		now:       time.Now,
		uploads:   make(map[string]*upload),
		committed: make(map[string]bache.Digest),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "memory-store")
	s.blobs = s3fifo.New[bache.Digest, []byte](s3fifo.Config{
		MaxSize: cfg.MaxSize,
		Logger:  s.logger,
	}, func(b []byte) int64 { return int64(len(b)) })

	return s
}

// Contains reports whether the blob is present. The empty blob is always present.
func (s *Store) Contains(_ context.Context, d bache.Digest) (bool, error) {
	if d.IsEmpty() {
		return true, nil
	}
	return s.blobs.Contains(d), nil
}

// ReadRange returns a slice of the stored blob. The returned bytes are shared
// with the store and must not be modified.
func (s *Store) ReadRange(_ context.Context, d bache.Digest, offset, limit int64) ([]byte, error) {
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("%w: offset %d limit %d", store.ErrInvalidRange, offset, limit)
	}

	var data []byte
	if !d.IsEmpty() {
		var ok bool
		data, ok = s.blobs.Get(d)
		if !ok {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, d)
		}
	}

	size := int64(len(data))
	if offset > size {
		return nil, fmt.Errorf("%w: offset %d beyond size %d", store.ErrInvalidRange, offset, size)
	}
	end := offset + min(limit, size-offset)
	return data[offset:end], nil
}

// Put verifies data and stores it in one step.
func (s *Store) Put(ctx context.Context, d bache.Digest, data []byte) error {
	if d.SizeBytes > s.config.MaxSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", store.ErrBlobTooLarge, d.SizeBytes, s.config.MaxSize)
	}
	if err := d.Verify(data); err != nil {
		return err
	}
	return s.commit(ctx, d, bytes.Clone(data))
}

// BeginWrite resumes, reopens or creates the upload session for uploadID.
func (s *Store) BeginWrite(_ context.Context, uploadID string) (store.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= sweepInterval {
		s.sweepStagingLocked(now)
		s.lastSweep = now
	}

	if d, ok := s.committed[uploadID]; ok {
		return &completedUpload{id: uploadID, digest: d}, nil
	}
	if u, ok := s.uploads[uploadID]; ok {
		u.touch(now)
		return u, nil
	}

	u := &upload{store: s, id: uploadID, hasher: bache.NewHasher()}
	u.touch(now)
	s.uploads[uploadID] = u
	return u, nil
}

// UploadStatus reports the progress of uploadID.
func (s *Store) UploadStatus(_ context.Context, uploadID string) (store.UploadStatus, error) {
	s.mu.Lock()
	d, done := s.committed[uploadID]
	u, staged := s.uploads[uploadID]
	s.mu.Unlock()

	switch {
	case done:
		return store.UploadStatus{Committed: d.SizeBytes, Complete: true}, nil
	case staged:
		return store.UploadStatus{Committed: u.Committed()}, nil
	default:
		return store.UploadStatus{}, fmt.Errorf("%w: upload %s", store.ErrNotFound, uploadID)
	}
}

func (s *Store) commit(ctx context.Context, d bache.Digest, data []byte) error {
	if d.IsEmpty() {
		return nil
	}
	isNew := !s.blobs.Contains(d)
	if !s.blobs.Add(ctx, d, data) {
		return fmt.Errorf("%w: %d bytes exceeds %d", store.ErrBlobTooLarge, d.SizeBytes, s.config.MaxSize)
	}
	telemetry.RecordBlobWrite(ctx, storeName, d.SizeBytes, isNew)
	return nil
}

// finishUpload records a committed upload and drops its staging.
func (s *Store) finishUpload(u *upload, d bache.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropUploadLocked(u)
	if _, ok := s.committed[u.id]; ok {
		return
	}
	s.committed[u.id] = d
	s.committedOrder = append(s.committedOrder, u.id)
	if len(s.committedOrder) > s.config.MaxCommittedUploads {
		delete(s.committed, s.committedOrder[0])
		s.committedOrder = s.committedOrder[1:]
	}
}

func (s *Store) dropUpload(u *upload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropUploadLocked(u)
}

func (s *Store) dropUploadLocked(u *upload) {
	if cur, ok := s.uploads[u.id]; ok && cur == u {
		delete(s.uploads, u.id)
	}
}

func (s *Store) sweepStagingLocked(now time.Time) {
	for id, u := range s.uploads {
		if now.Sub(u.lastActive()) > s.config.StagingTTL {
			delete(s.uploads, id)
			s.logger.Debug("discarded idle upload", "upload_id", id)
		}
	}
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Putter = (*Store)(nil)
)
