package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/bache"
	"github.com/wolfeidau/bache/store"
)

// BeginWrite resumes, reopens or creates the upload session for uploadID.
func (s *Store) BeginWrite(_ context.Context, uploadID string) (store.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("disk: store closed")
	}

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

	u := &upload{
		store:  s,
		id:     uploadID,
		path:   filepath.Join(s.stagingDir, "upload-"+uuid.NewString()),
		hasher: bache.NewHasher(),
	}
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

// sweepStagingLocked discards sessions idle for longer than StagingTTL. The
// staging files are removed off the lock since a session may be mid-write.
func (s *Store) sweepStagingLocked(now time.Time) {
	for id, u := range s.uploads {
		if now.Sub(u.lastActive()) <= s.config.StagingTTL {
			continue
		}
		delete(s.uploads, id)
		go u.Abort()
		s.logger.Debug("discarded idle upload", "upload_id", id)
	}
}

// upload appends chunks to a staging file, hashing them as they arrive.
type upload struct {
	store *Store
	id    string
	path  string

	lastWrite atomic.Int64

	mu     sync.Mutex
	file   *os.File
	hasher *bache.Hasher
	final  bool
	closed bool
}

func (u *upload) ID() string { return u.id }

func (u *upload) Committed() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hasher.BytesWritten()
}

func (u *upload) WriteChunk(ctx context.Context, data []byte, final bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.final || u.closed {
		return fmt.Errorf("%w: upload %s", store.ErrUploadClosed, u.id)
	}
	if limit := u.store.config.MaxSize; limit > 0 {
		if size := u.hasher.BytesWritten() + int64(len(data)); size > limit {
			return fmt.Errorf("%w: %d bytes exceeds %d", store.ErrBlobTooLarge, size, limit)
		}
	}

	if u.file == nil {
		f, err := os.OpenFile(u.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("creating staging file: %w", err)
		}
		u.file = f
	}
	if _, err := u.file.Write(data); err != nil {
		u.discardLocked()
		return fmt.Errorf("writing staging file: %w", err)
	}

	_, _ = u.hasher.Write(data)
	u.final = final
	u.touch(u.store.now())
	return nil
}

func (u *upload) Finalize(ctx context.Context, expected bache.Digest) (bache.Digest, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return bache.Digest{}, fmt.Errorf("%w: upload %s", store.ErrUploadClosed, u.id)
	}
	if !u.final {
		return bache.Digest{}, fmt.Errorf("%w: upload %s", store.ErrUploadNotFinal, u.id)
	}

	actual := u.hasher.Digest()
	if err := expected.Match(actual); err != nil {
		u.discardLocked()
		return bache.Digest{}, err
	}

	if u.file != nil {
		if err := u.file.Close(); err != nil {
			u.file = nil
			u.discardLocked()
			return bache.Digest{}, fmt.Errorf("closing staging file: %w", err)
		}
		u.file = nil
	}

	err := u.store.commit(ctx, actual, func() (io.ReadCloser, error) {
		f, err := os.Open(u.path)
		if err != nil {
			return nil, fmt.Errorf("opening staging file: %w", err)
		}
		return f, nil
	})
	if err != nil {
		u.discardLocked()
		return bache.Digest{}, err
	}

	u.closed = true
	u.removeStaging()
	u.store.finishUpload(u, actual)
	return actual, nil
}

func (u *upload) Abort() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.discardLocked()
	}
}

func (u *upload) discardLocked() {
	u.closed = true
	if u.file != nil {
		_ = u.file.Close()
		u.file = nil
	}
	u.removeStaging()
	u.store.dropUpload(u)
}

func (u *upload) removeStaging() {
	if err := os.Remove(u.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		u.store.logger.Warn("failed to remove staging file", "upload_id", u.id, "error", err)
	}
}

func (u *upload) touch(now time.Time) {
	u.lastWrite.Store(now.UnixNano())
}

func (u *upload) lastActive() time.Time {
	return time.Unix(0, u.lastWrite.Load())
}

// completedUpload is returned by BeginWrite for an upload id that has already
// been committed.
type completedUpload struct {
	id     string
	digest bache.Digest
}

func (c *completedUpload) ID() string       { return c.id }
func (c *completedUpload) Committed() int64 { return c.digest.SizeBytes }

func (c *completedUpload) WriteChunk(context.Context, []byte, bool) error {
	return fmt.Errorf("%w: upload %s", store.ErrUploadClosed, c.id)
}

func (c *completedUpload) Finalize(context.Context, bache.Digest) (bache.Digest, error) {
	return c.digest, nil
}

func (c *completedUpload) Abort() {}
