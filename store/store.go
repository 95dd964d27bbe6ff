// Package store owns buckets, capture items and the pending-URL set.
// Every mutation goes through a Store method and is applied under one lock.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docutag/capture/models"
	"github.com/docutag/capture/slug"
	"github.com/google/uuid"
)

// StateKey is the versioned key the state snapshot is persisted under
const StateKey = "capture.state.v1"

// DefaultDuplicateWindow is how long a saved URL blocks re-saving into the same bucket
const DefaultDuplicateWindow = 10 * time.Second

var (
	ErrNotFound          = errors.New("item not found")
	ErrBucketNotFound    = errors.New("bucket not found")
	ErrBucketExists      = errors.New("bucket already exists")
	ErrDuplicate         = errors.New("url was just captured into this bucket")
	ErrIllegalTransition = errors.New("illegal meta status transition")
)

// Backend persists the serialized state
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Option configures a Store
type Option func(*Store)

// WithDuplicateWindow overrides DefaultDuplicateWindow
func WithDuplicateWindow(d time.Duration) Option {
	return func(s *Store) { s.dupWindow = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the explicit owner of all mutable capture state
type Store struct {
	mu      sync.RWMutex
	buckets map[string]*models.Bucket
	items   map[string]*models.CaptureItem
	pending map[string]struct{} // bucketID + "\x00" + url key

	rev      uint64 // bumped on every mutation
	savedRev uint64

	saveMu    sync.Mutex
	backend   Backend
	dupWindow time.Duration
	now       func() time.Time
}

// New creates an empty store. A nil backend keeps state in memory only.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		buckets:   make(map[string]*models.Bucket),
		items:     make(map[string]*models.CaptureItem),
		pending:   make(map[string]struct{}),
		backend:   backend,
		dupWindow: DefaultDuplicateWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func pendingKey(bucketID, rawURL string) string {
	return bucketID + "\x00" + models.URLKey(rawURL)
}

func (s *Store) touch() {
	s.rev++
}

// CreateBucket adds a named bucket with a unique slug
func (s *Store) CreateBucket(name string) (models.Bucket, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Bucket{}, fmt.Errorf("bucket name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	taken := make(map[string]bool, len(s.buckets))
	for _, b := range s.buckets {
		if strings.EqualFold(b.Name, name) {
			return *b, ErrBucketExists
		}
		taken[b.Slug] = true
	}

	base := slug.GenerateWithFallback(name, "bucket")
	b := &models.Bucket{
		ID:        uuid.New().String(),
		Name:      name,
		Slug:      slug.Unique(base, func(candidate string) bool { return taken[candidate] }),
		CreatedAt: s.now(),
	}
	s.buckets[b.ID] = b
	s.touch()
	return *b, nil
}

// Buckets returns all buckets, oldest first
func (s *Store) Buckets() []models.Bucket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Bucket looks a bucket up by ID
func (s *Store) Bucket(id string) (models.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[id]
	if !ok {
		return models.Bucket{}, ErrBucketNotFound
	}
	return *b, nil
}

// FindBucket resolves an ID, slug or case-insensitive name
func (s *Store) FindBucket(ref string) (models.Bucket, error) {
	ref = strings.TrimSpace(ref)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.buckets[ref]; ok {
		return *b, nil
	}
	for _, b := range s.buckets {
		if b.Slug == ref || strings.EqualFold(b.Name, ref) {
			return *b, nil
		}
	}
	return models.Bucket{}, ErrBucketNotFound
}

// ReserveURL atomically checks that rawURL may be captured into bucketID and
// marks it pending. When the URL is still pending, or an item for it was
// created in the same bucket within the duplicate window or is still being
// enriched, it returns ErrDuplicate and the existing item if there is one.
func (s *Store) ReserveURL(bucketID, rawURL string) (*models.CaptureItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucketID]; !ok {
		return nil, ErrBucketNotFound
	}

	key := pendingKey(bucketID, rawURL)
	urlKey := models.URLKey(rawURL)
	now := s.now()

	var existing *models.CaptureItem
	for _, item := range s.items {
		if item.BucketID != bucketID || item.URL == "" || models.URLKey(item.URL) != urlKey {
			continue
		}
		if item.MetaStatus == models.StatusPending || now.Sub(item.CreatedAt) < s.dupWindow {
			copied := *item
			existing = &copied
			break
		}
	}

	if existing != nil {
		return existing, ErrDuplicate
	}
	if _, ok := s.pending[key]; ok {
		return nil, ErrDuplicate
	}

	s.pending[key] = struct{}{}
	return nil, nil
}

// ReleaseURL removes a reservation. Releasing twice is harmless.
func (s *Store) ReleaseURL(bucketID, rawURL string) {
	s.mu.Lock()
	delete(s.pending, pendingKey(bucketID, rawURL))
	s.mu.Unlock()
}

// IsPending reports whether rawURL is reserved for bucketID
func (s *Store) IsPending(bucketID, rawURL string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pending[pendingKey(bucketID, rawURL)]
	return ok
}

// Insert adds a new item. ID and timestamps are filled in when empty.
func (s *Store) Insert(item models.CaptureItem) (models.CaptureItem, error) {
	if !item.MetaStatus.Valid() {
		return models.CaptureItem{}, fmt.Errorf("invalid meta status %q", item.MetaStatus)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[item.BucketID]; !ok {
		return models.CaptureItem{}, ErrBucketNotFound
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if _, ok := s.items[item.ID]; ok {
		return models.CaptureItem{}, fmt.Errorf("item %s already exists", item.ID)
	}

	now := s.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	stored := item
	s.items[item.ID] = &stored
	s.touch()
	return item, nil
}

// Get returns a copy of the item
func (s *Store) Get(id string) (models.CaptureItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return models.CaptureItem{}, ErrNotFound
	}
	return *item, nil
}

// List returns the items of a bucket (all items when bucketID is empty),
// newest first
func (s *Store) List(bucketID string) []models.CaptureItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.CaptureItem, 0, len(s.items))
	for _, item := range s.items {
		if bucketID == "" || item.BucketID == bucketID {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ListByStatus returns every item in the given enrichment state
func (s *Store) ListByStatus(status models.MetaStatus) []models.CaptureItem {
	var out []models.CaptureItem
	for _, item := range s.List("") {
		if item.MetaStatus == status {
			out = append(out, item)
		}
	}
	return out
}

// Update applies fn to a copy of the item and commits it atomically.
// A status change made by fn must be a legal transition. The identity
// fields (ID, bucket, URL, creation time) cannot be changed.
func (s *Store) Update(id string, fn func(*models.CaptureItem) error) (models.CaptureItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[id]
	if !ok {
		return models.CaptureItem{}, ErrNotFound
	}

	next := *current
	if err := fn(&next); err != nil {
		return *current, err
	}

	if next.MetaStatus != current.MetaStatus && !current.MetaStatus.CanTransition(next.MetaStatus) {
		return *current, fmt.Errorf("%w: %w", ErrIllegalTransition,
			&models.TransitionError{From: current.MetaStatus, To: next.MetaStatus})
	}

	next.ID = current.ID
	next.BucketID = current.BucketID
	next.URL = current.URL
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = s.now()

	*current = next
	s.touch()
	return next, nil
}

// Transition moves an item to another enrichment state. Unlike a plain
// Update, staying in the same state is rejected too.
func (s *Store) Transition(id string, to models.MetaStatus) (models.CaptureItem, error) {
	return s.Update(id, func(item *models.CaptureItem) error {
		if !item.MetaStatus.CanTransition(to) {
			return fmt.Errorf("%w: %w", ErrIllegalTransition,
				&models.TransitionError{From: item.MetaStatus, To: to})
		}
		item.MetaStatus = to
		return nil
	})
}

// EditTitle sets a user-chosen title. Enrichment never overwrites it again.
func (s *Store) EditTitle(id, title string) (models.CaptureItem, error) {
	return s.Update(id, func(item *models.CaptureItem) error {
		item.Title = strings.TrimSpace(title)
		item.UserEditedTitle = true
		return nil
	})
}

// EditImage sets a user-chosen image. Enrichment never overwrites it again.
func (s *Store) EditImage(id, image string) (models.CaptureItem, error) {
	return s.Update(id, func(item *models.CaptureItem) error {
		item.Image = strings.TrimSpace(image)
		item.UserEditedImage = true
		return nil
	})
}

// Delete removes an item
func (s *Store) Delete(id string) (models.CaptureItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return models.CaptureItem{}, ErrNotFound
	}
	delete(s.items, id)
	s.touch()
	return *item, nil
}

// Counts returns the number of items per enrichment state
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[string]int{
		string(models.StatusIdle):    0,
		string(models.StatusPending): 0,
		string(models.StatusDone):    0,
		string(models.StatusFailed):  0,
	}
	for _, item := range s.items {
		counts[string(item.MetaStatus)]++
	}
	return counts
}

// snapshot is the persisted form of the store
type snapshot struct {
	Buckets []models.Bucket      `json:"buckets"`
	Items   []models.CaptureItem `json:"items"`
}

// Load replaces the in-memory state with the persisted snapshot
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}

	data, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buckets = make(map[string]*models.Bucket, len(snap.Buckets))
	for i := range snap.Buckets {
		b := snap.Buckets[i]
		s.buckets[b.ID] = &b
	}
	s.items = make(map[string]*models.CaptureItem, len(snap.Items))
	for i := range snap.Items {
		item := snap.Items[i]
		// The flash is a UI pulse, not state
		item.EnrichFlash = false
		if !item.MetaStatus.Valid() {
			item.MetaStatus = models.StatusIdle
		}
		s.items[item.ID] = &item
	}
	s.pending = make(map[string]struct{})
	s.rev++
	s.savedRev = s.rev
	return nil
}

// Dirty reports whether there are changes not yet saved
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rev != s.savedRev
}

// Save writes the full state snapshot
func (s *Store) Save(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	rev := s.rev
	snap := snapshot{
		Buckets: make([]models.Bucket, 0, len(s.buckets)),
		Items:   make([]models.CaptureItem, 0, len(s.items)),
	}
	for _, b := range s.buckets {
		snap.Buckets = append(snap.Buckets, *b)
	}
	for _, item := range s.items {
		snap.Items = append(snap.Items, *item)
	}
	s.mu.RUnlock()

	sort.Slice(snap.Buckets, func(i, j int) bool { return snap.Buckets[i].ID < snap.Buckets[j].ID })
	sort.Slice(snap.Items, func(i, j int) bool { return snap.Items[i].ID < snap.Items[j].ID })

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := s.backend.Save(ctx, data); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	s.mu.Lock()
	if rev > s.savedRev {
		s.savedRev = rev
	}
	s.mu.Unlock()
	return nil
}

// AutoSave flushes dirty state every interval until ctx is done, then
// performs a final flush
func (s *Store) AutoSave(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.Dirty() {
				continue
			}
			if err := s.Save(ctx); err != nil {
				slog.Error("failed to persist state", "error", err)
			}
		case <-ctx.Done():
			if s.Dirty() {
				// ctx is already cancelled; give the final flush its own deadline
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := s.Save(flushCtx); err != nil {
					slog.Error("failed to persist state on shutdown", "error", err)
				}
				cancel()
			}
			return
		}
	}
}
