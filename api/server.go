package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/docutag/capture"
	"github.com/docutag/capture/cache"
	"github.com/docutag/capture/enrich"
	"github.com/docutag/capture/hub"
	"github.com/docutag/capture/models"
	"github.com/docutag/capture/storage"
	"github.com/docutag/capture/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MaxImageUploadBytes bounds pasted image uploads
const MaxImageUploadBytes = 20 * 1024 * 1024 // 20MB

// Server represents the API server
type Server struct {
	store       *store.Store
	orch        *enrich.Orchestrator
	cache       *cache.Cache
	scraper     *capture.Scraper
	hub         *hub.Hub
	gatherer    prometheus.Gatherer
	addr        string
	server      *http.Server
	mux         *http.ServeMux
	corsEnabled bool
}

// Config contains server configuration
type Config struct {
	Addr        string
	CORSEnabled bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Addr:        ":8080",
		CORSEnabled: true,
	}
}

// Deps are the components the server exposes
type Deps struct {
	Orchestrator *enrich.Orchestrator
	Cache        *cache.Cache
	Scraper      *capture.Scraper    // Serves /api/meta
	Hub          *hub.Hub            // Optional; /ws is not registered without it
	Gatherer     prometheus.Gatherer // Optional; /metrics is not registered without it
}

// NewServer creates a new API server
func NewServer(config Config, deps Deps) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if deps.Scraper == nil {
		return nil, fmt.Errorf("scraper is required")
	}

	s := &Server{
		store:       deps.Orchestrator.Store(),
		orch:        deps.Orchestrator,
		cache:       deps.Cache,
		scraper:     deps.Scraper,
		hub:         deps.Hub,
		gatherer:    deps.Gatherer,
		addr:        config.Addr,
		mux:         http.NewServeMux(),
		corsEnabled: config.CORSEnabled,
	}

	// Register routes
	s.registerRoutes()

	// Create HTTP server
	s.server = &http.Server{
		Addr:        config.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/meta", s.handleMeta)
	s.mux.HandleFunc("/api/buckets", s.handleBuckets)
	s.mux.HandleFunc("/api/items", s.handleItems)
	s.mux.HandleFunc("/api/items/", s.handleItem) // Handles /api/items/{id}, /retry, /image and /api/items/image
	s.mux.HandleFunc("/api/cache", s.handleCache)
	s.mux.HandleFunc("/api/retry-failed", s.handleRetryFailed)
	if s.hub != nil {
		s.mux.Handle("/ws", s.hub)
	}
	if s.gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the instrumented root handler
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.middleware(s.mux), "capture-api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health" && r.URL.Path != "/metrics"
		}),
	)
}

// Start starts the API server
func (s *Server) Start() error {
	slog.Info("starting API server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down API server")
	if s.hub != nil {
		s.hub.Close()
	}
	return s.server.Shutdown(ctx)
}

// middleware applies common middleware to all routes
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS headers
		if s.corsEnabled {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		// Logging (skip health checks to reduce noise)
		start := time.Now()
		next.ServeHTTP(w, r)

		if r.URL.Path != "/health" && r.URL.Path != "/metrics" {
			slog.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start),
			)
		}
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"items":         s.store.Counts(),
		"cache_entries": s.cache.Len(),
		"time":          time.Now(),
	})
}

// handleMeta serves the fetch-proxy protocol: 400 without a url, 502 when
// the target cannot be fetched, 500 for anything else
func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if target == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	resp, err := s.scraper.Lookup(r.Context(), target)
	if err != nil {
		var fetchErr *capture.FetchError
		if errors.As(err, &fetchErr) {
			slog.Warn("proxy lookup fetch failed", "url", target, "error", err)
			respondError(w, http.StatusBadGateway, "failed to fetch url")
			return
		}
		slog.Error("proxy lookup failed", "url", target, "error", err)
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// CreateBucketRequest represents a bucket creation request
type CreateBucketRequest struct {
	Name string `json:"name"`
}

// handleBuckets lists or creates buckets
func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		buckets := s.store.Buckets()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"buckets": buckets,
			"count":   len(buckets),
		})

	case http.MethodPost:
		var req CreateBucketRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			respondError(w, http.StatusBadRequest, "name is required")
			return
		}

		bucket, err := s.store.CreateBucket(req.Name)
		if errors.Is(err, store.ErrBucketExists) {
			respondError(w, http.StatusConflict, "bucket already exists")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to create bucket")
			return
		}
		respondJSON(w, http.StatusCreated, bucket)

	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// CaptureRequest represents a URL capture request
type CaptureRequest struct {
	BucketID string `json:"bucket_id"`
	URL      string `json:"url"`
}

// DuplicateResponse is returned with 409 when a URL was just captured
type DuplicateResponse struct {
	Error string              `json:"error"`
	Item  *models.CaptureItem `json:"item,omitempty"`
}

// ListItemsResponse represents a list of items
type ListItemsResponse struct {
	Items []models.CaptureItem `json:"items"`
	Count int                  `json:"count"`
}

// handleItems lists items or captures a URL
func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		bucketID := ""
		if ref := r.URL.Query().Get("bucket"); ref != "" {
			bucket, err := s.store.FindBucket(ref)
			if err != nil {
				respondError(w, http.StatusNotFound, "bucket not found")
				return
			}
			bucketID = bucket.ID
		}

		items := s.store.List(bucketID)
		if status := r.URL.Query().Get("status"); status != "" {
			filtered := items[:0]
			for _, item := range items {
				if string(item.MetaStatus) == status {
					filtered = append(filtered, item)
				}
			}
			items = filtered
		}
		if items == nil {
			items = []models.CaptureItem{}
		}
		respondJSON(w, http.StatusOK, ListItemsResponse{Items: items, Count: len(items)})

	case http.MethodPost:
		var req CaptureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.URL == "" {
			respondError(w, http.StatusBadRequest, "url is required")
			return
		}
		if req.BucketID == "" {
			respondError(w, http.StatusBadRequest, "bucket_id is required")
			return
		}

		item, err := s.orch.Capture(r.Context(), req.BucketID, req.URL)
		switch {
		case err == nil:
			respondJSON(w, http.StatusCreated, item)
		case errors.Is(err, store.ErrDuplicate):
			resp := DuplicateResponse{Error: "url was just captured"}
			if item.ID != "" {
				resp.Item = &item
			}
			respondJSON(w, http.StatusConflict, resp)
		case errors.Is(err, enrich.ErrInvalidURL):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrBucketNotFound):
			respondError(w, http.StatusNotFound, "bucket not found")
		default:
			slog.Error("capture failed", "url", req.URL, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to capture url")
		}

	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// EditItemRequest represents a user edit. Nil fields are left alone.
type EditItemRequest struct {
	Title *string `json:"title"`
	Image *string `json:"image"`
}

// handleItem dispatches /api/items/{id}[/action]
func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/items/"), "/")
	if path == "" {
		respondError(w, http.StatusBadRequest, "id is required")
		return
	}

	if path == "image" {
		s.handleUploadImage(w, r)
		return
	}

	id, action, _ := strings.Cut(path, "/")
	switch action {
	case "":
		s.handleItemResource(w, r, id)
	case "retry":
		s.handleRetry(w, r, id)
	case "image":
		s.handleServeImage(w, r, id)
	default:
		respondError(w, http.StatusNotFound, "not found")
	}
}

// handleItemResource gets, edits or deletes one item
func (s *Server) handleItemResource(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		item, err := s.store.Get(id)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, item)

	case http.MethodPatch:
		var req EditItemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Title == nil && req.Image == nil {
			respondError(w, http.StatusBadRequest, "title or image is required")
			return
		}

		var (
			item models.CaptureItem
			err  error
		)
		if req.Title != nil {
			if item, err = s.orch.EditTitle(id, *req.Title); err != nil {
				respondStoreError(w, err)
				return
			}
		}
		if req.Image != nil {
			if item, err = s.orch.EditImage(id, *req.Image); err != nil {
				respondStoreError(w, err)
				return
			}
		}
		respondJSON(w, http.StatusOK, item)

	case http.MethodDelete:
		if err := s.orch.Delete(r.Context(), id); err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{
			"message": "item deleted successfully",
		})

	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRetry manually re-triggers enrichment
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	item, err := s.orch.Retry(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, item)
}

// handleUploadImage stores a pasted image sent as the raw request body
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ref := r.URL.Query().Get("bucket")
	if ref == "" {
		respondError(w, http.StatusBadRequest, "bucket is required")
		return
	}
	bucket, err := s.store.FindBucket(ref)
	if err != nil {
		respondError(w, http.StatusNotFound, "bucket not found")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxImageUploadBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read image")
		return
	}

	item, err := s.orch.CaptureImage(r.Context(), bucket.ID, r.URL.Query().Get("name"), data)
	switch {
	case err == nil:
		respondJSON(w, http.StatusCreated, item)
	case errors.Is(err, enrich.ErrUnsupportedImage):
		respondError(w, http.StatusUnsupportedMediaType, "unsupported image data")
	case errors.Is(err, enrich.ErrNoBlobStorage):
		respondError(w, http.StatusServiceUnavailable, "image storage is not configured")
	default:
		slog.Error("image capture failed", "bucket_id", bucket.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to store image")
	}
}

// handleServeImage serves the bytes of a pasted image
func (s *Server) handleServeImage(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	data, contentType, err := s.orch.OpenImage(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "image not found")
			return
		}
		slog.Error("failed to read image", "item_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read image")
		return
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))

	// Cache for 1 year since stored images don't change
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")

	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleCache inspects or clears enrichment cache entries
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("url"))

	switch r.Method {
	case http.MethodGet:
		if target == "" {
			respondJSON(w, http.StatusOK, map[string]interface{}{
				"entries": s.cache.Len(),
			})
			return
		}
		entry, ok := s.cache.Get(target)
		if !ok {
			respondError(w, http.StatusNotFound, "no cache entry")
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"key":   cache.Key(target),
			"entry": entry,
		})

	case http.MethodDelete:
		var err error
		if target == "" {
			err = s.cache.Clear(r.Context())
		} else {
			err = s.cache.Delete(r.Context(), target)
		}
		if err != nil {
			slog.Error("failed to update cache", "url", target, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to update cache")
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": s.cache.Len(),
		})

	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRetryFailed manually retries every failed item
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	n, err := s.orch.RetryFailed(r.Context())
	if err != nil {
		slog.Error("bulk retry failed", "retried", n, "error", err)
		respondError(w, http.StatusInternalServerError, "bulk retry failed")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]int{"retried": n})
}

// respondStoreError maps store and orchestrator errors to status codes
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "item not found")
	case errors.Is(err, store.ErrIllegalTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, enrich.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		slog.Error("item operation failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
