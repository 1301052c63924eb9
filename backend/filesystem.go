package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tempPrefix = ".tmp-"

// Filesystem implements Backend on a local directory tree.
// Writes go to a temp file in the destination directory and are renamed into
// place, so readers never observe a partial value.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem backend rooted at root, creating the
// directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (f *Filesystem) Root() string {
	return f.root
}

func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	w, err := f.newAtomicWriter(ctx, key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return fmt.Errorf("writing data: %w", err)
	}
	return w.Close()
}

func (f *Filesystem) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	return f.newAtomicWriter(ctx, key)
}

func (f *Filesystem) WriteFramed(ctx context.Context, key string, header *BlobHeader, body io.Reader) error {
	w, err := f.newAtomicWriter(ctx, key)
	if err != nil {
		return err
	}
	if err := WriteFramed(w, header, body); err != nil {
		_ = w.Abort()
		return err
	}
	return w.Close()
}

func (f *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(f.keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

func (f *Filesystem) ReadFramed(ctx context.Context, key string) (*BlobHeader, io.ReadCloser, error) {
	rc, err := f.Read(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	header, _, err := ReadFramed(rc)
	if err != nil {
		_ = rc.Close()
		return nil, nil, fmt.Errorf("reading frame %s: %w", key, err)
	}
	// rc is the *os.File, now positioned at the body.
	return header, rc, nil
}

func (f *Filesystem) Delete(_ context.Context, key string) error {
	err := os.Remove(f.keyToPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

func (f *Filesystem) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(f.keyToPath(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking file: %w", err)
	}
}

func (f *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := f.keyToPath(prefix)

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

func (f *Filesystem) Size(_ context.Context, key string) (int64, error) {
	info, err := os.Stat(f.keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

func (f *Filesystem) keyToPath(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f *Filesystem) newAtomicWriter(ctx context.Context, key string) (*atomicWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := f.keyToPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &atomicWriter{f: tmp, dstPath: path}, nil
}

// atomicWriter commits by renaming its temp file over the destination on Close.
type atomicWriter struct {
	f       *os.File
	dstPath string
	done    bool
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *atomicWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	tmpPath := w.f.Name()

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, w.dstPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Abort discards the write.
func (w *atomicWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	return os.Remove(w.f.Name())
}

var (
	_ Backend          = (*Filesystem)(nil)
	_ WriterBackend    = (*Filesystem)(nil)
	_ SizeAwareBackend = (*Filesystem)(nil)
	_ FramedBackend    = (*Filesystem)(nil)
)
