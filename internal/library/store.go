package library

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/maauso/livephoto-api/internal/storage"
)

// Compile-time check that Store implements Library.
var _ Library = (*Store)(nil)

// Store is a Library engine. CreateAsset stages resource files in blob
// storage; Commit records the asset in the catalog. An asset is visible only
// once its catalog record exists, and staged blobs are deleted whenever a
// transaction does not commit.
type Store struct {
	auth    Authorizer
	blobs   storage.Storage
	catalog Catalog
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the function used for asset creation times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator sets the asset ID generator.
func WithIDGenerator(f func() string) Option {
	return func(s *Store) { s.newID = f }
}

// NewStore creates a Store.
func NewStore(auth Authorizer, blobs storage.Storage, catalog Catalog, opts ...Option) *Store {
	s := &Store{
		auth:    auth,
		blobs:   blobs,
		catalog: catalog,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AuthorizationStatus returns the authorizer's current status.
func (s *Store) AuthorizationStatus(ctx context.Context) AuthorizationStatus {
	return s.auth.Status(ctx)
}

// RequestAuthorization forwards to the authorizer.
func (s *Store) RequestAuthorization(ctx context.Context) (AuthorizationStatus, error) {
	return s.auth.Request(ctx)
}

// Begin opens a transaction.
func (s *Store) Begin(ctx context.Context) (Transaction, error) {
	if st := s.auth.Status(ctx); st != StatusAuthorized {
		return nil, fmt.Errorf("%w: status %s", ErrNotAuthorized, st)
	}
	return &storeTx{store: s}, nil
}

// Count returns the number of committed assets.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.catalog.Count(ctx)
}

// Get returns a committed asset with resource URLs filled in.
func (s *Store) Get(ctx context.Context, id string) (*Asset, error) {
	asset, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range asset.Resources {
		if asset.Resources[i].URL == "" {
			asset.Resources[i].URL = s.blobs.URL(asset.Resources[i].Key)
		}
	}
	return asset, nil
}

// storeTx is a Store transaction.
type storeTx struct {
	store *Store

	mu      sync.Mutex
	done    bool
	pending *Asset
}

// CreateAsset copies both resources into blob storage concurrently.
func (tx *storeTx) CreateAsset(ctx context.Context, req CreationRequest) (string, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return "", ErrTxDone
	}
	if tx.pending != nil {
		return "", ErrRequestPending
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	asset := &Asset{
		ID:         tx.store.newID(),
		Identifier: req.Identifier,
		Resources:  make([]StoredResource, len(req.Resources)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, res := range req.Resources {
		i, res := i, res
		g.Go(func() error {
			stored, err := tx.store.stage(gctx, asset.ID, res)
			asset.Resources[i] = stored
			return err
		})
	}
	if err := g.Wait(); err != nil {
		tx.discard(ctx, asset)
		tx.done = true
		return "", err
	}

	tx.pending = asset
	return asset.ID, nil
}

// Commit records the staged asset in the catalog.
func (tx *storeTx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if tx.pending == nil {
		return ErrEmptyTransaction
	}

	asset := tx.pending
	asset.CreatedAt = tx.store.now().UTC()
	if err := ctx.Err(); err != nil {
		tx.discard(ctx, asset)
		return err
	}
	if err := tx.store.catalog.Insert(ctx, asset); err != nil {
		tx.discard(ctx, asset)
		return fmt.Errorf("record asset: %w", err)
	}

	tx.store.logger.Info("asset committed",
		slog.String("asset_id", asset.ID),
		slog.String("identifier", asset.Identifier),
	)
	return nil
}

// Rollback deletes staged resources.
func (tx *storeTx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return nil
	}
	tx.done = true
	if tx.pending != nil {
		return tx.discard(ctx, tx.pending)
	}
	return nil
}

// discard deletes every blob key of asset that may have been written.
func (tx *storeTx) discard(ctx context.Context, asset *Asset) error {
	keys := make([]string, 0, len(asset.Resources))
	for _, r := range asset.Resources {
		if r.Key != "" {
			keys = append(keys, r.Key)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := tx.store.blobs.Delete(ctx, keys...); err != nil {
		tx.store.logger.Error("failed to delete staged resources",
			slog.String("asset_id", asset.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("delete staged resources: %w", err)
	}
	return nil
}

// stage copies one resource file into blob storage.
func (s *Store) stage(ctx context.Context, assetID string, res Resource) (StoredResource, error) {
	mtype, err := mimetype.DetectFile(res.Path)
	if err != nil {
		return StoredResource{}, fmt.Errorf("detect %s type: %w", res.Type, err)
	}

	f, err := os.Open(res.Path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return StoredResource{}, fmt.Errorf("open %s: %w", res.Type, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return StoredResource{}, fmt.Errorf("stat %s: %w", res.Type, err)
	}

	key := fmt.Sprintf("assets/%s/%s%s", assetID, res.Type, mtype.Extension())
	stored := StoredResource{
		Type:        res.Type,
		Key:         key,
		ContentType: mtype.String(),
		Size:        info.Size(),
	}
	if err := s.blobs.Put(ctx, key, f); err != nil {
		// The key is returned so a partial upload is cleaned up with the rest.
		return StoredResource{Key: key}, fmt.Errorf("store %s: %w", res.Type, err)
	}
	return stored, nil
}
