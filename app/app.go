// Package app assembles the capture components from a loaded configuration.
// The API server and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docutag/capture"
	"github.com/docutag/capture/cache"
	"github.com/docutag/capture/config"
	"github.com/docutag/capture/db"
	"github.com/docutag/capture/enrich"
	"github.com/docutag/capture/storage"
	"github.com/docutag/capture/store"
	"github.com/docutag/capture/telemetry"
)

// App holds the wired components
type App struct {
	Config   *config.Config
	DB       *db.DB
	Blobs    storage.Blobs
	Cache    *cache.Cache
	Store    *store.Store
	Scraper  *capture.Scraper
	Resolver *capture.Resolver
	Orch     *enrich.Orchestrator
	Metrics  *telemetry.Metrics
}

// Open connects storage, hydrates the cache and item state, and builds the
// enrichment pipeline. notifier may be nil.
func Open(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics, notifier enrich.Notifier) (*App, error) {
	database, err := db.New(cfg.DBConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &App{Config: cfg, DB: database, Metrics: metrics}
	if err := a.open(ctx, notifier); err != nil {
		database.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context, notifier enrich.Notifier) error {
	cfg := a.Config

	blobs, err := OpenBlobs(ctx, cfg)
	if err != nil {
		return err
	}
	a.Blobs = blobs

	var backend cache.Backend
	switch cfg.Enrichment.Cache {
	case config.CacheBlob:
		backend = cache.NewBlobBackend(blobs)
	default:
		backend = cache.NewKVBackend(a.DB)
	}
	a.Cache, err = cache.New(ctx, backend, a.Metrics)
	if err != nil {
		return err
	}

	a.Store = store.New(a.DB.Snapshot(store.StateKey),
		store.WithDuplicateWindow(cfg.Enrichment.DuplicateWindow))
	if err := a.Store.Load(ctx); err != nil {
		return err
	}

	a.Scraper = capture.New(cfg.ScraperConfig())
	a.Resolver = capture.NewResolver(a.Scraper, a.Metrics)

	opts := []enrich.Option{enrich.WithBlobs(blobs), enrich.WithMetrics(a.Metrics)}
	if notifier != nil {
		opts = append(opts, enrich.WithNotifier(notifier))
	}
	a.Orch = enrich.New(a.Store, a.Cache, a.Resolver, cfg.EnrichConfig(), opts...)

	slog.Info("capture components ready",
		"db_driver", a.DB.Driver(),
		"storage_backend", cfg.Storage.Backend,
		"cache_backend", cfg.Enrichment.Cache,
		"cache_entries", a.Cache.Len(),
		"strategies", a.Resolver.Strategies(),
	)
	return nil
}

// OpenBlobs creates the configured blob storage
func OpenBlobs(ctx context.Context, cfg *config.Config) (storage.Blobs, error) {
	switch cfg.Storage.Backend {
	case config.StorageS3:
		s3, err := storage.NewS3Storage(ctx, cfg.S3StorageConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		return s3, nil
	default:
		fs, err := storage.New(storage.Config{BasePath: cfg.Storage.BasePath})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		return fs, nil
	}
}

// Close stops enrichment, flushes item state and closes the database
func (a *App) Close() error {
	a.Orch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if a.Store.Dirty() {
		if err := a.Store.Save(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to persist state: %w", err))
		}
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}
	return errors.Join(errs...)
}
