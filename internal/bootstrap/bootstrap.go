// Package bootstrap provides dependency initialization for the Live Photo API.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/maauso/livephoto-api/internal/config"
	"github.com/maauso/livephoto-api/internal/job"
	"github.com/maauso/livephoto-api/internal/library"
	"github.com/maauso/livephoto-api/internal/lock"
	"github.com/maauso/livephoto-api/internal/media"
	"github.com/maauso/livephoto-api/internal/metrics"
	"github.com/maauso/livephoto-api/internal/storage"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	JobService *job.Service
	Metrics    *metrics.Metrics
	// RefreshGauges updates the job gauges from the repository.
	RefreshGauges func()

	closers []func() error
}

// Close releases external connections in reverse order of creation.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	blobs, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	catalog, err := initCatalog(ctx, cfg, deps, logger)
	if err != nil {
		return nil, errors.Join(err, deps.Close())
	}

	locker, err := initLocker(ctx, cfg, deps, logger)
	if err != nil {
		return nil, errors.Join(err, deps.Close())
	}

	auth := library.NewStaticAuthorizer(cfg.Authorization(), cfg.LibraryGrantOnRequest)
	store := library.NewStore(auth, blobs, catalog, library.WithLogger(logger))

	m := metrics.New()
	repo := job.NewMemoryRepository()

	svcDeps := job.Deps{
		Repo:          repo,
		Library:       store,
		Locker:        locker,
		Metrics:       m,
		Logger:        logger,
		MaxConcurrent: cfg.MaxConcurrentJobs,
	}
	if cfg.FFprobePath != "" {
		probe := media.NewFFprobe(cfg.FFprobePath)
		if probe.Available() {
			svcDeps.Verifier = probe
			logger.Info("ffprobe verification enabled", slog.String("ffprobe", cfg.FFprobePath))
		} else {
			logger.Warn("ffprobe not found, verification disabled", slog.String("ffprobe", cfg.FFprobePath))
		}
	}

	svc := job.NewService(svcDeps)

	deps.JobService = svc
	deps.Metrics = m
	deps.RefreshGauges = func() {
		counts, err := svc.JobCounts(context.Background())
		if err != nil {
			logger.Warn("failed to count jobs", slog.String("error", err.Error()))
			return
		}
		gauges := make(map[string]int, len(counts))
		for status, n := range counts {
			gauges[string(status)] = n
		}
		m.SetJobs(gauges)
	}
	return deps, nil
}

// initStorage creates the appropriate resource storage based on configuration.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			Prefix:          cfg.S3Prefix,
		}
		s3Store, err := storage.NewS3Storage(ctx, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	root := filepath.Join(cfg.LibraryDir, "resources")
	localStore, err := storage.NewLocalStorage(root)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured", slog.String("root", root))
	return localStore, nil
}

func initCatalog(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (library.Catalog, error) {
	if !cfg.PostgresEnabled() {
		logger.Info("in-memory catalog configured")
		return library.NewMemoryCatalog(), nil
	}

	pg, err := library.NewPostgresCatalog(ctx, library.PostgresConfig{
		DSN:             cfg.DatabaseURL,
		MaxConns:        cfg.DatabaseMaxConns,
		MaxConnLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create postgres catalog: %w", err)
	}
	deps.closers = append(deps.closers, func() error {
		pg.Close()
		return nil
	})
	if err := pg.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate postgres catalog: %w", err)
	}
	logger.Info("postgres catalog configured", slog.Int("max_conns", int(cfg.DatabaseMaxConns)))
	return pg, nil
}

func initLocker(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (lock.Locker, error) {
	if !cfg.RedisEnabled() {
		return lock.NewMemoryLocker(), nil
	}

	rl, err := lock.NewRedisLocker(ctx, lock.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   "livephoto:lock:",
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create redis locker: %w", err)
	}
	deps.closers = append(deps.closers, rl.Close)
	logger.Info("redis locks configured", slog.String("addr", cfg.RedisAddr))
	return rl, nil
}
