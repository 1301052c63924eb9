package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wolfeidau/bache/telemetry"
)

// InstrumentedBackend records an operation metric for every call it forwards.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend wraps b, labelling its metrics with name.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) record(ctx context.Context, op string, start time.Time, err error, n int64) {
	telemetry.RecordBackendOp(ctx, ib.name, op, outcomeFromError(err), time.Since(start), n)
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	ib.record(ctx, "write", start, err, cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	ib.record(ctx, "read", start, err, 0)
	return rc, err
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	ib.record(ctx, "delete", start, err, 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	ib.record(ctx, "exists", start, err, 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	ib.record(ctx, "list", start, err, 0)
	return keys, err
}

// Size delegates to the underlying backend if it implements SizeAwareBackend.
func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	sb, ok := ib.backend.(SizeAwareBackend)
	if !ok {
		return 0, fmt.Errorf("backend %s does not report sizes", ib.name)
	}
	start := time.Now()
	size, err := sb.Size(ctx, key)
	ib.record(ctx, "size", start, err, 0)
	return size, err
}

// WriteFramed delegates to the underlying backend if it implements FramedBackend.
func (ib *InstrumentedBackend) WriteFramed(ctx context.Context, key string, header *BlobHeader, body io.Reader) error {
	fb, ok := ib.backend.(FramedBackend)
	if !ok {
		return fmt.Errorf("backend %s does not support framed writes", ib.name)
	}
	start := time.Now()
	cr := &countingReader{r: body}
	err := fb.WriteFramed(ctx, key, header, cr)
	ib.record(ctx, "write_framed", start, err, cr.n)
	return err
}

// ReadFramed delegates to the underlying backend if it implements FramedBackend.
func (ib *InstrumentedBackend) ReadFramed(ctx context.Context, key string) (*BlobHeader, io.ReadCloser, error) {
	fb, ok := ib.backend.(FramedBackend)
	if !ok {
		return nil, nil, fmt.Errorf("backend %s does not support framed reads", ib.name)
	}
	start := time.Now()
	header, rc, err := fb.ReadFramed(ctx, key)
	ib.record(ctx, "read_framed", start, err, 0)
	if err != nil {
		return nil, nil, err
	}
	return header, rc, nil
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

var (
	_ SizeAwareBackend = (*InstrumentedBackend)(nil)
	_ FramedBackend    = (*InstrumentedBackend)(nil)
)
