// Package storage provides blob storage for library resources.
// It defines the Storage interface (port) and implementations for local disk
// and S3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrNotFound is returned when a key has no stored blob.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidKey is returned for empty keys or keys that escape the store.
	ErrInvalidKey = errors.New("invalid blob key")
)

const maxKeyLength = 512

// Storage stores resource blobs under slash-separated keys.
// A blob written by Put becomes visible to Open only once Put returns nil.
type Storage interface {
	// Put stores data under key, replacing any existing blob.
	Put(ctx context.Context, key string, data io.Reader) error

	// Open returns a reader for the blob stored under key.
	// The caller is responsible for closing the returned ReadCloser.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the blobs stored under keys. Missing keys are ignored.
	// It continues even if some deletions fail.
	Delete(ctx context.Context, keys ...string) error

	// URL returns the location of the blob stored under key.
	URL(key string) string
}

// ValidateKey rejects keys that are empty, absolute, or contain path
// traversal or characters outside [A-Za-z0-9._/-].
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("empty key: %w", ErrInvalidKey)
	case len(key) > maxKeyLength:
		return fmt.Errorf("key longer than %d bytes: %w", maxKeyLength, ErrInvalidKey)
	case strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/"):
		return fmt.Errorf("key cannot start or end with slash: %w", ErrInvalidKey)
	case strings.Contains(key, "//"):
		return fmt.Errorf("consecutive slashes not allowed: %w", ErrInvalidKey)
	case strings.Contains(key, ".."):
		return fmt.Errorf("path traversal not allowed: %w", ErrInvalidKey)
	}
	for i, r := range key {
		if !isValidKeyChar(r) {
			return fmt.Errorf("invalid character %q at position %d: %w", r, i, ErrInvalidKey)
		}
	}
	return nil
}

func isValidKeyChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.' || r == '/'
}
