package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/docutag/capture/db"
	"github.com/docutag/capture/models"
	"github.com/docutag/capture/storage"
	"github.com/google/go-cmp/cmp"
)

type memoryBackend struct {
	mu    sync.Mutex
	data  []byte
	saves int
	err   error
}

func (m *memoryBackend) Load(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, m.err
}

func (m *memoryBackend) Save(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}

func TestKey(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"  https://Example.COM/Path?q=1#section ", "https://example.com/Path?q=1"},
		{"HTTP://example.com/", "http://example.com/"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		if got := Key(tt.in); got != tt.expected {
			t.Errorf("Key(%q) = %q, expected %q", tt.in, got, tt.expected)
		}
	}
}

func TestGetPut(t *testing.T) {
	ctx := context.Background()
	backend := &memoryBackend{}
	c, err := New(ctx, backend, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, ok := c.Get("https://example.com/a"); ok {
		t.Fatal("expected miss on empty cache")
	}

	entry := models.CacheEntry{Title: "Honda City", Image: "https://example.com/a.jpg", Site: "example.com"}
	if err := c.Put(ctx, "https://example.com/a", entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := c.Get("https://EXAMPLE.com/a#top")
	if !ok {
		t.Fatal("expected hit for equivalent URL")
	}
	if diff := cmp.Diff(entry, got); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
	if backend.saves != 1 {
		t.Errorf("expected one save per write, got %d", backend.saves)
	}

	// Re-resolution overwrites
	updated := models.CacheEntry{Title: "Honda City 2024", Site: "example.com"}
	if err := c.Put(ctx, "https://example.com/a", updated); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got, _ := c.Get("https://example.com/a"); got != updated {
		t.Errorf("expected overwritten entry, got %+v", got)
	}
}

func TestHydrateFromBackend(t *testing.T) {
	ctx := context.Background()
	backend := &memoryBackend{}

	first, err := New(ctx, backend, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first.Put(ctx, "https://example.com/a", models.CacheEntry{Title: "A"})
	first.Put(ctx, "https://example.com/b", models.CacheEntry{Title: "B"})

	second, err := New(ctx, backend, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if second.Len() != 2 {
		t.Fatalf("expected 2 hydrated entries, got %d", second.Len())
	}
	if got, ok := second.Get("https://example.com/b"); !ok || got.Title != "B" {
		t.Errorf("unexpected hydrated entry %+v", got)
	}
}

func TestDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	backend := &memoryBackend{}
	c, _ := New(ctx, backend, nil)

	c.Put(ctx, "https://example.com/a", models.CacheEntry{Title: "A"})
	c.Put(ctx, "https://example.com/b", models.CacheEntry{Title: "B"})

	if err := c.Delete(ctx, "https://example.com/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get("https://example.com/a"); ok {
		t.Error("expected deleted entry to miss")
	}

	saves := backend.saves
	if err := c.Delete(ctx, "https://example.com/missing"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if backend.saves != saves {
		t.Error("deleting a missing entry should not rewrite the mapping")
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d", c.Len())
	}
	if string(backend.data) != "{}" {
		t.Errorf("expected empty persisted mapping, got %s", backend.data)
	}
}

func TestBackendErrors(t *testing.T) {
	ctx := context.Background()

	if _, err := New(ctx, &memoryBackend{err: errors.New("disk gone")}, nil); err == nil {
		t.Error("expected load error")
	}
	if _, err := New(ctx, &memoryBackend{data: []byte("{not json")}, nil); err == nil {
		t.Error("expected decode error")
	}

	backend := &memoryBackend{}
	c, _ := New(ctx, backend, nil)
	backend.err = errors.New("disk full")
	if err := c.Put(ctx, "https://example.com/a", models.CacheEntry{Title: "A"}); err == nil {
		t.Error("expected save error")
	}
	// The in-memory mirror still serves the entry
	if _, ok := c.Get("https://example.com/a"); !ok {
		t.Error("expected entry to remain in memory")
	}
}

func TestKVBackend(t *testing.T) {
	ctx := context.Background()
	kv, err := db.New(db.Config{DSN: filepath.Join(t.TempDir(), "capture.db")})
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer kv.Close()

	c, err := New(ctx, NewKVBackend(kv), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Put(ctx, "https://example.com/a", models.CacheEntry{Title: "A"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	raw, err := kv.Get(ctx, StorageKey)
	if err != nil {
		t.Fatalf("expected mapping under %s: %v", StorageKey, err)
	}
	if string(raw) != `{"https://example.com/a":{"title":"A","image":"","site":""}}` {
		t.Errorf("unexpected persisted mapping %s", raw)
	}

	reloaded, err := New(ctx, NewKVBackend(kv), nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Len() != 1 {
		t.Errorf("expected 1 entry after reload, got %d", reloaded.Len())
	}
}

func TestBlobBackend(t *testing.T) {
	ctx := context.Background()
	blobs, err := storage.New(storage.Config{BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	c, err := New(ctx, NewBlobBackend(blobs), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put(ctx, "https://example.com/a", models.CacheEntry{Image: "https://example.com/a.png"})

	reloaded, err := New(ctx, NewBlobBackend(blobs), nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got, ok := reloaded.Get("https://example.com/a"); !ok || got.Image != "https://example.com/a.png" {
		t.Errorf("unexpected reloaded entry %+v", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c, _ := New(ctx, &memoryBackend{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := "https://example.com/" + string(rune('a'+i))
			c.Put(ctx, u, models.CacheEntry{Title: u})
			c.Get(u)
		}(i)
	}
	wg.Wait()

	if c.Len() != 20 {
		t.Errorf("expected 20 entries, got %d", c.Len())
	}
}
