// Package storage provides the object store behind dataset versions and
// produced artifacts.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// ObjectStore persists immutable blobs under hierarchical keys. Locators
// returned by Put are opaque references stored on dataset version records.
type ObjectStore interface {
	// Put writes the blob under key and returns its locator. Keys are never
	// overwritten in practice because dataset versions are immutable.
	Put(ctx context.Context, key string, r io.Reader) (string, error)

	// Get opens the blob for reading. The caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Hash computes the sha256 hex digest of r, consuming it.
func Hash(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
