package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const tempDirName = ".tmp"

// LocalStorage implements Storage on local disk.
// Blobs are written to a temporary file and renamed into place, so readers
// never observe a partial blob.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a new LocalStorage rooted at root.
// If root is empty, a directory under os.TempDir() is used.
// The directory is created if it doesn't exist.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "livephoto", "library")
	}

	if err := os.MkdirAll(filepath.Join(root, tempDirName), 0750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	return &LocalStorage{root: root}, nil
}

// Root returns the storage root directory.
func (s *LocalStorage) Root() string {
	return s.root
}

func (s *LocalStorage) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes data under key.
func (s *LocalStorage) Put(ctx context.Context, key string, data io.Reader) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.CreateTemp(filepath.Join(s.root, tempDirName), "blob_*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := io.Copy(f, &contextReader{ctx: ctx, r: data}); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write blob %q: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync blob %q: %w", key, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close blob %q: %w", key, err)
	}

	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit blob %q: %w", key, err)
	}
	return nil
}

// Open returns a reader for the blob under key.
func (s *LocalStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.Open(s.path(key)) // #nosec G304 - key is validated
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("open blob %q: %w", key, err)
	}
	return f, nil
}

// Delete removes the blobs under keys, returning the first error encountered.
// Deletion is not interrupted by cancellation so staged blobs can be cleaned
// up after a cancelled operation.
func (s *LocalStorage) Delete(_ context.Context, keys ...string) error {
	var firstErr error
	for _, key := range keys {
		if err := ValidateKey(key); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove blob %q: %w", key, err)
			}
		}
	}
	return firstErr
}

// URL returns a file URL for key.
func (s *LocalStorage) URL(key string) string {
	return "file://" + filepath.ToSlash(s.path(key))
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
