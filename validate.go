package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// maxProbeBytes bounds how much of an image is read to find its dimensions
const maxProbeBytes = 2 * 1024 * 1024

// ImageValidator decides whether a candidate image is good enough to show
type ImageValidator interface {
	Validate(ctx context.Context, imageURL string, deadline time.Duration, minWidth, minHeight int) bool
}

// Validator loads candidate images over HTTP and checks their dimensions
type Validator struct {
	httpClient *http.Client
	userAgent  string
}

// NewValidator creates a Validator using the given client
func NewValidator(client *http.Client, userAgent string) *Validator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Validator{httpClient: client, userAgent: userAgent}
}

// Validate reports whether imageURL loads as an image within deadline and
// is at least minWidth x minHeight. It never panics; every failure is false.
func (v *Validator) Validate(ctx context.Context, imageURL string, deadline time.Duration, minWidth, minHeight int) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("image validation panicked", "url", imageURL, "panic", r)
			ok = false
		}
	}()

	if err := v.Check(ctx, imageURL, deadline, minWidth, minHeight); err != nil {
		slog.Debug("image candidate rejected", "url", imageURL, "error", err)
		return false
	}
	return true
}

// Check is Validate with the rejection reason. A deadline overrun is
// reported as ErrValidationTimeout.
func (v *Validator) Check(ctx context.Context, imageURL string, deadline time.Duration, minWidth, minHeight int) error {
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	cfg, format, err := v.load(ctx, imageURL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrValidationTimeout
		}
		return err
	}

	// Vector images have no natural size; accept them only without minimums
	if format == "svg" {
		if minWidth > 0 || minHeight > 0 {
			return fmt.Errorf("svg image cannot satisfy %dx%d minimum", minWidth, minHeight)
		}
		return nil
	}

	if cfg.Width < minWidth || cfg.Height < minHeight {
		return fmt.Errorf("image %dx%d below minimum %dx%d", cfg.Width, cfg.Height, minWidth, minHeight)
	}
	return nil
}

func (v *Validator) load(ctx context.Context, imageURL string) (image.Config, string, error) {
	if strings.HasPrefix(imageURL, "data:") {
		data, err := decodeDataURI(imageURL)
		if err != nil {
			return image.Config{}, "", err
		}
		return decodeImageConfig(data, "")
	}

	u, err := url.Parse(imageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return image.Config{}, "", fmt.Errorf("invalid image URL %q", imageURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return image.Config{}, "", fmt.Errorf("failed to create request: %w", err)
	}
	if v.userAgent != "" {
		req.Header.Set("User-Agent", v.userAgent)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return image.Config{}, "", fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return image.Config{}, "", fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBytes))
	if err != nil && len(data) == 0 {
		return image.Config{}, "", fmt.Errorf("failed to read image data: %w", err)
	}
	return decodeImageConfig(data, resp.Header.Get("Content-Type"))
}

// decodeImageConfig reads the image header. Truncated bodies are fine as
// long as the header is complete.
func decodeImageConfig(data []byte, contentType string) (image.Config, string, error) {
	if strings.HasPrefix(strings.ToLower(contentType), "image/svg") || looksLikeSVG(data) {
		return image.Config{}, "svg", nil
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, "", fmt.Errorf("not a decodable image: %w", err)
	}
	return cfg, format, nil
}

func looksLikeSVG(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.Contains(bytes.ToLower(head), []byte("<svg"))
}

// decodeDataURI returns the payload of a base64 data: URI
func decodeDataURI(uri string) ([]byte, error) {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return nil, errors.New("malformed data URI")
	}
	meta, payload := uri[len("data:"):comma], uri[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, err
		}
		return []byte(unescaped), nil
	}
	return base64.StdEncoding.DecodeString(payload)
}
