// Package enrich drives per-item metadata enrichment: cache lookup,
// coalesced resolution, field-level merge, flash pulses and retry backoff.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/docutag/capture"
	"github.com/docutag/capture/cache"
	"github.com/docutag/capture/models"
	"github.com/docutag/capture/storage"
	"github.com/docutag/capture/store"
	"github.com/docutag/capture/telemetry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidURL is returned for anything but an absolute http(s) URL
var ErrInvalidURL = errors.New("url must be an absolute http or https URL")

// ErrClosed is returned once the orchestrator has shut down
var ErrClosed = errors.New("orchestrator is closed")

// Resolver produces metadata for a URL. *capture.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (*capture.Result, error)
	FetchTitleQuick(ctx context.Context, rawURL string) string
	FetchImageQuick(ctx context.Context, rawURL string) string
}

// Notifier receives transient UI signals
type Notifier interface {
	Publish(event models.Event)
}

// Config holds the orchestrator timings
type Config struct {
	RetryBase      time.Duration // Backoff unit: the nth automatic retry waits n * RetryBase
	MaxAttempts    int           // Failed attempts after which automatic retries stop
	FlashDuration  time.Duration // How long EnrichFlash stays set after a write
	ResolveTimeout time.Duration // Upper bound for one full resolution
	QuickProbes    bool          // Run quick title/image probes before creating an item
	RetryWorkers   int           // Parallelism of RetryFailed
}

// DefaultConfig returns the default orchestrator timings
func DefaultConfig() Config {
	return Config{
		RetryBase:      2 * time.Second,
		MaxAttempts:    3,
		FlashDuration:  1400 * time.Millisecond,
		ResolveTimeout: 30 * time.Second,
		QuickProbes:    true,
		RetryWorkers:   4,
	}
}

// Orchestrator owns the enrichment lifecycle of every item in a store
type Orchestrator struct {
	store    *store.Store
	cache    *cache.Cache
	resolver Resolver
	blobs    storage.Blobs
	notifier Notifier
	metrics  *telemetry.Metrics
	config   Config

	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	flashTimers map[string]*time.Timer
	retryTimers map[string]*time.Timer
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithNotifier sets the event sink
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithBlobs sets the storage used for pasted images
func WithBlobs(b storage.Blobs) Option {
	return func(o *Orchestrator) { o.blobs = b }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an orchestrator. Close must be called to stop pending timers.
func New(st *store.Store, c *cache.Cache, resolver Resolver, config Config, opts ...Option) *Orchestrator {
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RetryBase <= 0 {
		config.RetryBase = defaults.RetryBase
	}
	if config.FlashDuration <= 0 {
		config.FlashDuration = defaults.FlashDuration
	}
	if config.ResolveTimeout <= 0 {
		config.ResolveTimeout = defaults.ResolveTimeout
	}
	if config.RetryWorkers <= 0 {
		config.RetryWorkers = defaults.RetryWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:       st,
		cache:       c,
		resolver:    resolver,
		config:      config,
		ctx:         ctx,
		cancel:      cancel,
		flashTimers: make(map[string]*time.Timer),
		retryTimers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store returns the item store the orchestrator writes to
func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// Capture saves rawURL into a bucket and starts enrichment. When a quick
// probe already yields a title or image the item is created done and no
// background resolution runs. A duplicate submission returns the existing
// item (if any) with store.ErrDuplicate.
func (o *Orchestrator) Capture(ctx context.Context, bucketID, rawURL string) (models.CaptureItem, error) {
	target, err := parseURL(rawURL)
	if err != nil {
		return models.CaptureItem{}, err
	}
	rawURL = target.String()

	if o.isClosed() {
		return models.CaptureItem{}, ErrClosed
	}

	existing, err := o.store.ReserveURL(bucketID, rawURL)
	if err != nil {
		if existing != nil {
			return *existing, err
		}
		return models.CaptureItem{}, err
	}

	item := models.CaptureItem{
		ID:         uuid.New().String(),
		BucketID:   bucketID,
		URL:        rawURL,
		Domain:     capture.SiteName(target.Hostname()),
		Site:       capture.SiteName(target.Hostname()),
		Title:      initialTitle(rawURL),
		MetaStatus: models.StatusPending,
	}

	// Cached URLs go straight to the background path, which never hits the network for them
	if _, cached := o.cache.Get(rawURL); !cached && o.config.QuickProbes {
		title, image := o.quickProbe(ctx, rawURL)
		if title != "" || image != "" {
			if title != "" {
				item.Title = title
			}
			item.Image = image
			item.MetaStatus = models.StatusDone
		}
	}

	inserted, err := o.store.Insert(item)
	if err != nil {
		o.store.ReleaseURL(bucketID, rawURL)
		return models.CaptureItem{}, fmt.Errorf("failed to insert item: %w", err)
	}
	o.publish(models.EventItemCreated, inserted)
	o.updateGauges()

	if inserted.MetaStatus == models.StatusDone {
		slog.Info("item enriched by quick probe", "item_id", inserted.ID, "url", rawURL)
		o.store.ReleaseURL(bucketID, rawURL)
		return inserted, nil
	}

	o.start(inserted.ID, false)
	return inserted, nil
}

// quickProbe runs the title and image probes in parallel
func (o *Orchestrator) quickProbe(ctx context.Context, rawURL string) (title, image string) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		title = o.resolver.FetchTitleQuick(gctx, rawURL)
		return nil
	})
	g.Go(func() error {
		image = o.resolver.FetchImageQuick(gctx, rawURL)
		return nil
	})
	g.Wait()
	return title, image
}

// Enrich schedules a background resolution for a pending item
func (o *Orchestrator) Enrich(id string) error {
	item, err := o.store.Get(id)
	if err != nil {
		return err
	}
	if item.MetaStatus != models.StatusPending {
		return fmt.Errorf("%w: item %s is %s", store.ErrIllegalTransition, id, item.MetaStatus)
	}
	o.start(id, false)
	return nil
}

// Resume restarts enrichment of items left pending by a previous process
func (o *Orchestrator) Resume() int {
	pending := o.store.ListByStatus(models.StatusPending)
	for _, item := range pending {
		if item.IsURLItem() {
			o.start(item.ID, false)
		}
	}
	if len(pending) > 0 {
		slog.Info("resumed pending enrichments", "count", len(pending))
	}
	return len(pending)
}

// start runs one enrichment attempt in the background
func (o *Orchestrator) start(id string, force bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.enrich(id, force)
	}()
}

// enrich performs one attempt. force skips the cache lookup.
func (o *Orchestrator) enrich(id string, force bool) {
	item, err := o.store.Get(id)
	if err != nil {
		// Deleted while queued
		return
	}
	defer o.store.ReleaseURL(item.BucketID, item.URL)

	result, err := o.resolve(item.URL, force)
	if err != nil {
		o.fail(id, err)
		return
	}
	o.apply(id, result)
}

// resolve consults the cache, then runs the resolver. Concurrent resolutions
// of the same URL share one call.
func (o *Orchestrator) resolve(rawURL string, force bool) (*capture.Result, error) {
	if !force {
		if entry, ok := o.cache.Get(rawURL); ok {
			return &capture.Result{Title: entry.Title, Image: entry.Image, Site: entry.Site, Strategy: "cache"}, nil
		}
	}

	key := cache.Key(rawURL)
	if force {
		key = "force\x00" + key
	}
	v, err, shared := o.group.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(o.ctx, o.config.ResolveTimeout)
		defer cancel()

		result, err := o.resolver.Resolve(ctx, rawURL)
		if err != nil {
			return nil, err
		}

		entry := models.CacheEntry{Title: result.Title, Image: result.Image, Site: result.Site}
		if !entry.Empty() {
			if err := o.cache.Put(ctx, rawURL, entry); err != nil {
				slog.Error("failed to persist cache entry", "url", rawURL, "error", err)
			}
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("resolution shared with concurrent request", "url", rawURL)
	}

	// Callers may merge the result; each gets its own copy
	result := *v.(*capture.Result)
	return &result, nil
}

// apply merges a successful result into the item and pulses the flash
func (o *Orchestrator) apply(id string, result *capture.Result) {
	updated, err := o.store.Update(id, func(item *models.CaptureItem) error {
		if result.Site == "" {
			if u, err := url.Parse(item.URL); err == nil {
				result.Site = capture.SiteName(u.Hostname())
			}
		}
		mergeResult(item, result)

		switch {
		case item.MetaStatus.CanTransition(models.StatusDone):
			item.MetaStatus = models.StatusDone
		case item.MetaStatus == models.StatusDone:
		default:
			return fmt.Errorf("%w: cannot complete %s item", store.ErrIllegalTransition, item.MetaStatus)
		}
		item.MetaAttempts = 0
		item.EnrichFlash = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		// Deleted mid-resolution
		return
	}
	if err != nil {
		slog.Warn("failed to apply enrichment", "item_id", id, "error", err)
		return
	}

	slog.Info("item enriched", "item_id", id, "url", updated.URL, "strategy", result.Strategy,
		"has_title", result.Title != "", "has_image", result.Image != "")
	o.publish(models.EventItemEnriched, updated)
	o.updateGauges()
	o.scheduleFlashClear(id)
}

// fail records a failed attempt and schedules the next automatic retry
func (o *Orchestrator) fail(id string, cause error) {
	updated, err := o.store.Update(id, func(item *models.CaptureItem) error {
		if !item.MetaStatus.CanTransition(models.StatusFailed) {
			return fmt.Errorf("%w: cannot fail %s item", store.ErrIllegalTransition, item.MetaStatus)
		}
		item.MetaStatus = models.StatusFailed
		item.MetaAttempts++
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Warn("failed to record enrichment failure", "item_id", id, "error", err)
		return
	}

	slog.Warn("enrichment failed", "item_id", id, "url", updated.URL,
		"attempts", updated.MetaAttempts, "error", cause)
	o.publish(models.EventItemFailed, updated)
	o.updateGauges()

	if updated.MetaAttempts < o.config.MaxAttempts {
		delay := o.config.RetryBase * time.Duration(updated.MetaAttempts)
		slog.Info("scheduling enrichment retry", "item_id", id, "delay", delay, "attempt", updated.MetaAttempts+1)
		o.metrics.RetryScheduled()
		o.scheduleRetry(id, delay)
	}
}

// scheduleRetry arms the automatic retry timer for an item
func (o *Orchestrator) scheduleRetry(id string, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.stopTimerLocked(o.retryTimers, id)

	o.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer o.wg.Done()

		o.mu.Lock()
		if o.retryTimers[id] == timer {
			delete(o.retryTimers, id)
		}
		o.mu.Unlock()

		if o.ctx.Err() != nil {
			return
		}
		if _, err := o.store.Transition(id, models.StatusPending); err != nil {
			// Deleted, or retried by hand in the meantime
			return
		}
		o.enrich(id, false)
	})
	o.retryTimers[id] = timer
}

// scheduleFlashClear arms (or re-arms) the timer that clears EnrichFlash.
// A newer enrichment cancels the previous pending clear.
func (o *Orchestrator) scheduleFlashClear(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.stopTimerLocked(o.flashTimers, id)

	o.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(o.config.FlashDuration, func() {
		defer o.wg.Done()

		o.mu.Lock()
		current := o.flashTimers[id] == timer
		if current {
			delete(o.flashTimers, id)
		}
		o.mu.Unlock()
		if !current {
			return
		}

		updated, err := o.store.Update(id, func(item *models.CaptureItem) error {
			item.EnrichFlash = false
			return nil
		})
		if err == nil {
			o.publish(models.EventItemFlashCleared, updated)
		}
	})
	o.flashTimers[id] = timer
}

// stopTimerLocked cancels a pending timer. o.mu must be held.
func (o *Orchestrator) stopTimerLocked(timers map[string]*time.Timer, id string) {
	if t, ok := timers[id]; ok {
		if t.Stop() {
			o.wg.Done()
		}
		delete(timers, id)
	}
}

func (o *Orchestrator) cancelTimers(id string) {
	o.mu.Lock()
	o.stopTimerLocked(o.retryTimers, id)
	o.stopTimerLocked(o.flashTimers, id)
	o.mu.Unlock()
}

// Retry manually re-triggers enrichment. It is always permitted for done and
// failed URL items, resets the attempt budget and bypasses the cache so the
// entry is re-resolved.
func (o *Orchestrator) Retry(ctx context.Context, id string) (models.CaptureItem, error) {
	if o.isClosed() {
		return models.CaptureItem{}, ErrClosed
	}

	item, err := o.store.Get(id)
	if err != nil {
		return models.CaptureItem{}, err
	}
	if !item.IsURLItem() {
		return item, fmt.Errorf("%w: item %s has no URL to enrich", store.ErrIllegalTransition, id)
	}
	if item.MetaStatus == models.StatusPending {
		// Already in flight
		return item, nil
	}

	o.mu.Lock()
	o.stopTimerLocked(o.retryTimers, id)
	o.mu.Unlock()

	updated, err := o.store.Update(id, func(it *models.CaptureItem) error {
		it.MetaStatus = models.StatusPending
		it.MetaAttempts = 0
		return nil
	})
	if err != nil {
		return item, err
	}

	slog.Info("manual enrichment retry", "item_id", id, "url", updated.URL)
	o.publish(models.EventItemUpdated, updated)
	o.updateGauges()
	o.start(id, true)
	return updated, nil
}

// RetryFailed manually retries every failed item and returns how many were re-armed
func (o *Orchestrator) RetryFailed(ctx context.Context) (int, error) {
	failed := o.store.ListByStatus(models.StatusFailed)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.RetryWorkers)

	var mu sync.Mutex
	count := 0
	for _, item := range failed {
		id := item.ID
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if _, err := o.Retry(gctx, id); err != nil {
				if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrIllegalTransition) {
					return nil
				}
				return err
			}
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return count, err
}

// EditTitle sets a user title and publishes the change
func (o *Orchestrator) EditTitle(id, title string) (models.CaptureItem, error) {
	updated, err := o.store.EditTitle(id, title)
	if err != nil {
		return updated, err
	}
	o.publish(models.EventItemUpdated, updated)
	return updated, nil
}

// EditImage sets a user image and publishes the change
func (o *Orchestrator) EditImage(id, image string) (models.CaptureItem, error) {
	updated, err := o.store.EditImage(id, image)
	if err != nil {
		return updated, err
	}
	o.publish(models.EventItemUpdated, updated)
	return updated, nil
}

// Delete removes an item, its timers and any stored image. In-flight
// resolutions for it complete as no-ops.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	o.cancelTimers(id)

	item, err := o.store.Delete(id)
	if err != nil {
		return err
	}
	if item.BlobKey != "" && o.blobs != nil {
		if err := o.blobs.Delete(ctx, item.BlobKey); err != nil {
			slog.Error("failed to delete image blob", "item_id", id, "key", item.BlobKey, "error", err)
		}
	}

	o.publish(models.EventItemDeleted, item)
	o.updateGauges()
	return nil
}

// Wait blocks until no enrichment attempt or timer is outstanding
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels pending retries and flash timers, aborts in-flight
// resolutions and waits for their goroutines to exit
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for id := range o.retryTimers {
		o.stopTimerLocked(o.retryTimers, id)
	}
	for id := range o.flashTimers {
		o.stopTimerLocked(o.flashTimers, id)
	}
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) publish(eventType models.EventType, item models.CaptureItem) {
	if o.notifier == nil {
		return
	}
	o.notifier.Publish(models.Event{
		Type:   eventType,
		ItemID: item.ID,
		Item:   &item,
		At:     time.Now(),
	})
}

func (o *Orchestrator) updateGauges() {
	if o.metrics != nil {
		o.metrics.SetItemCounts(o.store.Counts())
	}
}

// initialTitle is the URL-inferred title, or the placeholder
func initialTitle(rawURL string) string {
	if title := capture.InferFromURL(rawURL); title != "" {
		return title
	}
	return models.PlaceholderTitle
}

func parseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}
	return u, nil
}
