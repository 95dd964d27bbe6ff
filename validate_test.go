package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestValidatorValidate(t *testing.T) {
	large := pngBytes(t, 320, 240)
	tiny := pngBytes(t, 1, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/large.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(large)
		case "/tiny.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(tiny)
		case "/vector.svg":
			w.Header().Set("Content-Type", "image/svg+xml")
			w.Write([]byte(`<svg xmlns="http://www.w3.org/2000/svg" width="10" height="10"></svg>`))
		case "/page.html":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		case "/slow.png":
			time.Sleep(300 * time.Millisecond)
			w.Write(large)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	v := NewValidator(server.Client(), DefaultUserAgent)
	ctx := context.Background()

	tests := []struct {
		name      string
		url       string
		deadline  time.Duration
		minWidth  int
		minHeight int
		expected  bool
	}{
		{"large image meets minimums", server.URL + "/large.png", time.Second, 100, 100, true},
		{"large image below stricter minimums", server.URL + "/large.png", time.Second, 400, 150, false},
		{"tracking pixel rejected", server.URL + "/tiny.png", time.Second, 100, 100, false},
		{"tracking pixel accepted without minimums", server.URL + "/tiny.png", time.Second, 0, 0, true},
		{"svg without minimums", server.URL + "/vector.svg", time.Second, 0, 0, true},
		{"svg with minimums", server.URL + "/vector.svg", time.Second, 100, 100, false},
		{"not an image", server.URL + "/page.html", time.Second, 0, 0, false},
		{"missing image", server.URL + "/missing.png", time.Second, 0, 0, false},
		{"deadline elapses", server.URL + "/slow.png", 50 * time.Millisecond, 0, 0, false},
		{"invalid url", "::not a url", time.Second, 0, 0, false},
		{"unsupported scheme", "ftp://example.com/a.png", time.Second, 0, 0, false},
		{"data uri", "data:image/png;base64," + base64.StdEncoding.EncodeToString(large), time.Second, 100, 100, true},
		{"malformed data uri", "data:image/png;base64", time.Second, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(ctx, tt.url, tt.deadline, tt.minWidth, tt.minHeight)
			if got != tt.expected {
				t.Errorf("Validate(%q) = %v, expected %v", tt.url, got, tt.expected)
			}
		})
	}
}

func TestValidatorCheckTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	v := NewValidator(server.Client(), "")
	err := v.Check(context.Background(), server.URL+"/img.png", 50*time.Millisecond, 0, 0)
	if !errors.Is(err, ErrValidationTimeout) {
		t.Errorf("expected ErrValidationTimeout, got %v", err)
	}
}

// staticValidator accepts exactly the listed image URLs
type staticValidator map[string]bool

func (s staticValidator) Validate(_ context.Context, imageURL string, _ time.Duration, _, _ int) bool {
	return s[imageURL]
}
