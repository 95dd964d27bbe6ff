package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// stubTransport answers every request with a fixed response
type stubTransport struct {
	status      int
	contentType string
	body        string
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{s.contentType}},
		Body:       httpBody(s.body),
		Request:    req,
	}, nil
}

func httpBody(s string) *readCloser {
	return &readCloser{Reader: strings.NewReader(s)}
}

type readCloser struct{ *strings.Reader }

func (*readCloser) Close() error { return nil }

// pngBytes encodes a solid w x h PNG
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

// testConfig is DefaultConfig with the read-proxy disabled and short deadlines
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadProxyURL = ""
	cfg.HTTPTimeout = 5 * time.Second
	cfg.FastTimeout = 500 * time.Millisecond
	cfg.DirectTimeout = time.Second
	cfg.ReadProxyTimeout = time.Second
	cfg.QuickTimeout = 500 * time.Millisecond
	cfg.ValidationTimeout = 500 * time.Millisecond
	return cfg
}

func TestNew(t *testing.T) {
	s := New(Config{})

	if s.httpClient == nil {
		t.Fatal("Expected httpClient to be non-nil")
	}
	if s.validator == nil {
		t.Error("Expected default validator")
	}
	if s.Config().UserAgent != DefaultUserAgent {
		t.Errorf("Expected default user agent, got %q", s.Config().UserAgent)
	}
	if s.Config().MaxImageProbes != DefaultConfig().MaxImageProbes {
		t.Errorf("Expected default MaxImageProbes, got %d", s.Config().MaxImageProbes)
	}
}

func TestFetchHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			if ua := r.Header.Get("User-Agent"); ua != DefaultUserAgent {
				t.Errorf("unexpected user agent %q", ua)
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte("<html><title>Hello</title></html>"))
		case "/redirect":
			http.Redirect(w, r, "/page", http.StatusFound)
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{}`))
		case "/slow":
			time.Sleep(300 * time.Millisecond)
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	s := New(testConfig())
	ctx := context.Background()

	t.Run("html page", func(t *testing.T) {
		page, err := s.FetchHTML(ctx, server.URL+"/page", time.Second)
		if err != nil {
			t.Fatalf("FetchHTML: %v", err)
		}
		if !strings.Contains(string(page.Body), "Hello") {
			t.Errorf("unexpected body %q", page.Body)
		}
	})

	t.Run("final url after redirect", func(t *testing.T) {
		page, err := s.FetchHTML(ctx, server.URL+"/redirect", time.Second)
		if err != nil {
			t.Fatalf("FetchHTML: %v", err)
		}
		if page.URL.Path != "/page" {
			t.Errorf("expected final path /page, got %q", page.URL.Path)
		}
	})

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"non-2xx", "/missing", http.StatusNotFound},
		{"non-html", "/json", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.FetchHTML(ctx, server.URL+tt.path, time.Second)
			var fetchErr *FetchError
			if !errors.As(err, &fetchErr) {
				t.Fatalf("expected *FetchError, got %v", err)
			}
			if fetchErr.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, fetchErr.StatusCode)
			}
		})
	}

	t.Run("deadline", func(t *testing.T) {
		_, err := s.FetchHTML(ctx, server.URL+"/slow", 50*time.Millisecond)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := s.FetchHTML(ctx, "ftp://example.com/file", time.Second)
		var fetchErr *FetchError
		if !errors.As(err, &fetchErr) {
			t.Fatalf("expected *FetchError, got %v", err)
		}
	})
}

func TestLookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/article":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<html><head>
	<meta property="og:title" content="Honda City | CarDekho">
	<meta property="og:image" content="/missing.jpg">
</head><body>
	<img src="/static/logo.png">
	<img src="/photo.jpg">
</body></html>`))
		case "/photo.jpg":
			if r.Method != http.MethodHead {
				t.Errorf("expected HEAD for image probe, got %s", r.Method)
			}
			w.Header().Set("Content-Type", "image/jpeg")
		case "/bare":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<html><body>no metadata</body></html>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	s := New(testConfig())

	resp, err := s.Lookup(context.Background(), server.URL+"/article")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if resp.Title == nil || *resp.Title != "Honda City | CarDekho" {
		t.Errorf("expected raw title, got %v", resp.Title)
	}
	if resp.Image == nil || *resp.Image != server.URL+"/photo.jpg" {
		t.Errorf("expected first HEAD-verified image, got %v", resp.Image)
	}
	if resp.Site != "127.0.0.1" {
		t.Errorf("expected site 127.0.0.1, got %q", resp.Site)
	}

	bare, err := s.Lookup(context.Background(), server.URL+"/bare")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if bare.Title != nil || bare.Image != nil {
		t.Errorf("expected null title and image, got %+v", bare)
	}

	if _, err := s.Lookup(context.Background(), server.URL+"/gone"); err == nil {
		t.Error("expected error for missing page")
	}
}
