package library

import (
	"context"
	"errors"
	"sync"
)

// ErrDuplicateAsset is returned when an asset ID is inserted twice.
var ErrDuplicateAsset = errors.New("asset already exists")

// Catalog persists asset records. Insert is atomic: the asset and all of its
// resources are recorded together or not at all.
type Catalog interface {
	Insert(ctx context.Context, asset *Asset) error
	Get(ctx context.Context, id string) (*Asset, error)
	Count(ctx context.Context) (int, error)
}

// Compile-time check that MemoryCatalog implements Catalog.
var _ Catalog = (*MemoryCatalog)(nil)

// MemoryCatalog is an in-memory implementation of Catalog.
// It uses a map with RWMutex for thread-safe access.
type MemoryCatalog struct {
	mu     sync.RWMutex
	assets map[string]*Asset
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		assets: make(map[string]*Asset),
	}
}

// Insert stores a clone of asset.
func (c *MemoryCatalog) Insert(_ context.Context, asset *Asset) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.assets[asset.ID]; ok {
		return ErrDuplicateAsset
	}
	c.assets[asset.ID] = asset.Clone()
	return nil
}

// Get returns a clone of the asset with the given ID.
func (c *MemoryCatalog) Get(_ context.Context, id string) (*Asset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	asset, ok := c.assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return asset.Clone(), nil
}

// Count returns the number of stored assets.
func (c *MemoryCatalog) Count(_ context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.assets), nil
}
