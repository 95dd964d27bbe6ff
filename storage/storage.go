package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned by Get for a missing object
var ErrNotFound = errors.New("object not found")

// Blobs stores opaque objects (pasted images, cache snapshots) by key.
// Keys always use forward slashes.
type Blobs interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Config contains storage configuration
type Config struct {
	BasePath string // Base directory for all stored files
}

// DefaultConfig returns default storage configuration
func DefaultConfig() Config {
	return Config{
		BasePath: "./storage",
	}
}

// Storage handles filesystem storage operations
type Storage struct {
	config Config
}

// New creates a new Storage instance
func New(config Config) (*Storage, error) {
	// Create base directory if it doesn't exist
	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base storage directory: %w", err)
	}

	return &Storage{
		config: config,
	}, nil
}

// Put writes data under key, replacing any previous object
func (s *Storage) Put(_ context.Context, key string, data []byte, _ string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write then rename so readers never see a partial file
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// Get reads the object stored under key
func (s *Storage) Get(_ context.Context, key string) ([]byte, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Exists reports whether an object is stored under key
func (s *Storage) Exists(_ context.Context, key string) (bool, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	return fileExists(fullPath), nil
}

// Delete removes the object under key. Missing objects are not an error.
func (s *Storage) Delete(_ context.Context, key string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// GetFullPath returns the full filesystem path for a key
func (s *Storage) GetFullPath(key string) string {
	return filepath.Join(s.config.BasePath, filepath.FromSlash(key))
}

// resolve maps key into the base directory, rejecting escapes
func (s *Storage) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return s.GetFullPath(strings.TrimPrefix(clean, "/")), nil
}

// SaveImage stores an image under images/YYYY/MM/<slug>.<ext>, adding a
// numeric suffix when the key is taken. It returns the key used.
func SaveImage(ctx context.Context, b Blobs, imageData []byte, slug, contentType string) (string, error) {
	// Determine file extension from content type
	ext := extensionFromContentType(contentType)
	if ext == "" {
		ext = ".jpg" // Default extension
	}

	now := time.Now()
	dir := path.Join("images", fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", int(now.Month())))

	key := path.Join(dir, slug+ext)
	for counter := 1; ; counter++ {
		exists, err := b.Exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to check image key: %w", err)
		}
		if !exists {
			break
		}
		key = path.Join(dir, fmt.Sprintf("%s-%d%s", slug, counter, ext))
	}

	if err := b.Put(ctx, key, imageData, contentType); err != nil {
		return "", fmt.Errorf("failed to save image: %w", err)
	}
	return key, nil
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// extensionFromContentType returns the file extension for a content type
func extensionFromContentType(contentType string) string {
	// Normalize content type (remove charset, etc.)
	contentType = strings.ToLower(strings.Split(contentType, ";")[0])
	contentType = strings.TrimSpace(contentType)

	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/svg+xml":
		return ".svg"
	case "image/bmp":
		return ".bmp"
	case "image/tiff":
		return ".tiff"
	case "application/json":
		return ".json"
	default:
		return ""
	}
}
