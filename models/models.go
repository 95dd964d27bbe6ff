package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// PlaceholderTitle is the title given to a URL item before anything better is known
const PlaceholderTitle = "Untitled"

// MetaStatus tracks the enrichment lifecycle of a capture item
type MetaStatus string

const (
	StatusIdle    MetaStatus = "idle"    // Never enriched (pasted images, freshly inserted)
	StatusPending MetaStatus = "pending" // Resolution in flight or scheduled
	StatusDone    MetaStatus = "done"    // Resolution produced a (possibly empty) result
	StatusFailed  MetaStatus = "failed"  // Resolution threw or exhausted all strategies
)

// validTransitions lists the allowed enrichment status transitions
var validTransitions = map[MetaStatus][]MetaStatus{
	StatusIdle:    {StatusPending, StatusDone},
	StatusPending: {StatusDone, StatusFailed},
	StatusDone:    {StatusPending},
	StatusFailed:  {StatusPending},
}

// CanTransition reports whether an item may move from one status to another
func (s MetaStatus) CanTransition(to MetaStatus) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status
func (s MetaStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Bucket is a user-named collection of captured items
type Bucket struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// CaptureItem is one captured URL or pasted image
type CaptureItem struct {
	ID       string `json:"id"`
	BucketID string `json:"bucket_id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Image    string `json:"image"`
	Domain   string `json:"domain"`
	Site     string `json:"site,omitempty"` // Refreshed from every resolution

	MetaStatus   MetaStatus `json:"meta_status"`
	MetaAttempts int        `json:"meta_attempts"`
	EnrichFlash  bool       `json:"enrich_flash"`

	UserEditedTitle bool `json:"user_edited_title"`
	UserEditedImage bool `json:"user_edited_image"`

	// Pasted image details (empty for URL items)
	BlobKey     string     `json:"blob_key,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	Width       int        `json:"width,omitempty"`
	Height      int        `json:"height,omitempty"`
	TakenAt     *time.Time `json:"taken_at,omitempty"`

	// Owned by the UI layer, opaque to enrichment
	Notes      string `json:"notes,omitempty"`
	Status     string `json:"status,omitempty"`
	VisitCount int    `json:"visit_count,omitempty"`
	Archived   bool   `json:"archived,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsURLItem reports whether the item was captured from a URL
func (i CaptureItem) IsURLItem() bool {
	return i.URL != ""
}

// URLKey normalizes a URL for identity comparisons and cache keys: trimmed,
// lower-case scheme and host, fragment dropped. Unparseable input is only
// trimmed.
func URLKey(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return trimmed
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// CacheEntry is the cached enrichment result for one URL
type CacheEntry struct {
	Title string `json:"title"`
	Image string `json:"image"`
	Site  string `json:"site"`
}

// Empty reports whether the entry carries neither title nor image
func (e CacheEntry) Empty() bool {
	return e.Title == "" && e.Image == ""
}

// ProxyResponse is the JSON payload of the remote fetch-proxy endpoint
type ProxyResponse struct {
	Title *string `json:"title"`
	Image *string `json:"image"`
	Site  string  `json:"site"`
}

// EventType names a change pushed to connected clients
type EventType string

const (
	EventItemCreated      EventType = "item.created"
	EventItemUpdated      EventType = "item.updated"
	EventItemEnriched     EventType = "item.enriched"
	EventItemFailed       EventType = "item.failed"
	EventItemFlashCleared EventType = "item.flash_cleared"
	EventItemDeleted      EventType = "item.deleted"
)

// Event is a transient UI signal about an item
type Event struct {
	Type   EventType    `json:"type"`
	ItemID string       `json:"item_id"`
	Item   *CaptureItem `json:"item,omitempty"`
	At     time.Time    `json:"at"`
}

// TransitionError reports an illegal status transition
type TransitionError struct {
	From MetaStatus
	To   MetaStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal meta status transition %s -> %s", e.From, e.To)
}
