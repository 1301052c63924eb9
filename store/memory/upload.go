package memory

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/bache"
	"github.com/wolfeidau/bache/store"
)

// upload stages bytes in memory, hashing them as they arrive.
type upload struct {
	store *Store
	id    string

	// lastWrite is read by the staging sweep without holding mu.
	lastWrite atomic.Int64

	mu     sync.Mutex
	buf    bytes.Buffer
	hasher *bache.Hasher
	final  bool
	closed bool
}

func (u *upload) ID() string { return u.id }

func (u *upload) Committed() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return int64(u.buf.Len())
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
	if size := int64(u.buf.Len() + len(data)); size > u.store.config.MaxSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", store.ErrBlobTooLarge, size, u.store.config.MaxSize)
	}

	u.buf.Write(data)
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
	if err := u.store.commit(ctx, actual, u.buf.Bytes()); err != nil {
		u.discardLocked()
		return bache.Digest{}, err
	}

	u.closed = true
	u.buf = bytes.Buffer{}
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
	u.buf = bytes.Buffer{}
	u.store.dropUpload(u)
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
