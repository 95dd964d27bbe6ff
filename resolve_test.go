package capture

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docutag/capture/models"
	"github.com/google/go-cmp/cmp"
)

func strPtr(s string) *string { return &s }

// newProxyServer serves the fetch-proxy protocol with a canned payload
func newProxyServer(t *testing.T, status int, payload *models.ProxyResponse, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		if r.URL.Query().Get("url") == "" {
			t.Errorf("proxy request missing url parameter: %s", r.URL)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}))
}

// newSiteServer serves an article page, a large and a tiny image
func newSiteServer(t *testing.T, pageStatus int) *httptest.Server {
	t.Helper()
	large := pngBytes(t, 640, 480)
	tiny := pngBytes(t, 1, 1)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/large.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(large)
		case r.URL.Path == "/tiny.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(tiny)
		case pageStatus != http.StatusOK:
			w.WriteHeader(pageStatus)
		case r.URL.Path == "/cars/honda/city":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<html><body><p>no metadata here</p></body></html>`))
		default:
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<html><head>
	<title>Direct Article | Example</title>
	<meta property="og:image" content="/tiny.png">
</head><body><img src="/large.png"></body></html>`))
		}
	}))
}

func TestResolveFastPathRejectsSmallImage(t *testing.T) {
	site := newSiteServer(t, http.StatusOK)
	defer site.Close()
	proxy := newProxyServer(t, http.StatusOK, &models.ProxyResponse{
		Title: strPtr("Foo"),
		Image: strPtr(site.URL + "/tiny.png"),
		Site:  "example.com",
	}, nil)
	defer proxy.Close()

	cfg := testConfig()
	cfg.FetchProxyURL = proxy.URL + "/api/meta"
	r := NewResolver(New(cfg), nil)

	result, err := r.Resolve(context.Background(), "https://example.com/foo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	expected := &Result{Title: "Foo", Image: "", Site: "example.com", Strategy: StrategyFastRemote}
	if diff := cmp.Diff(expected, result); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveFastPathStricterMinimums(t *testing.T) {
	site := newSiteServer(t, http.StatusOK)
	defer site.Close()
	proxy := newProxyServer(t, http.StatusOK, &models.ProxyResponse{
		Title: strPtr("Gallery"),
		Image: strPtr(site.URL + "/large.png"),
	}, nil)
	defer proxy.Close()

	cfg := testConfig()
	cfg.FetchProxyURL = proxy.URL
	cfg.FastMinImageWidth = 1000
	r := NewResolver(New(cfg), nil)

	result, err := r.Resolve(context.Background(), "https://www.example.com/gallery")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Image != "" {
		t.Errorf("expected image below fast-path minimum to be dropped, got %q", result.Image)
	}
	if result.Site != "example.com" {
		t.Errorf("expected site derived from host, got %q", result.Site)
	}
}

func TestResolveFallsBackToDirect(t *testing.T) {
	site := newSiteServer(t, http.StatusOK)
	defer site.Close()
	proxy := newProxyServer(t, http.StatusBadGateway, nil, nil)
	defer proxy.Close()

	cfg := testConfig()
	cfg.FetchProxyURL = proxy.URL
	r := NewResolver(New(cfg), nil)

	result, err := r.Resolve(context.Background(), site.URL+"/article")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	expected := &Result{
		Title:    "Direct Article",
		Image:    site.URL + "/large.png",
		Site:     "127.0.0.1",
		Strategy: StrategyDirect,
	}
	if diff := cmp.Diff(expected, result); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveNullTitleIsStillSuccess(t *testing.T) {
	site := newSiteServer(t, http.StatusOK)
	defer site.Close()

	r := NewResolver(New(testConfig()), nil)
	result, err := r.Resolve(context.Background(), site.URL+"/cars/honda/city")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Strategy != StrategyDirect {
		t.Errorf("expected direct strategy, got %q", result.Strategy)
	}
	if result.Title != "Honda City" {
		t.Errorf("expected URL-inferred title, got %q", result.Title)
	}
	if result.Image != "" {
		t.Errorf("expected no image, got %q", result.Image)
	}
}

func TestResolveFallsBackToReadProxy(t *testing.T) {
	site := newSiteServer(t, http.StatusForbidden)
	defer site.Close()

	var proxiedPath string
	reader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxiedPath = r.URL.Path
		if r.Header.Get("X-Return-Format") != "html" {
			t.Errorf("expected X-Return-Format header")
		}
		// Read-proxies often answer with text/plain
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(`<html><head><meta property="og:title" content="Rendered Title"></head>
<body><img src="/large.png"></body></html>`))
	}))
	defer reader.Close()

	cfg := testConfig()
	cfg.ReadProxyURL = reader.URL + "/"
	r := NewResolver(New(cfg), nil)

	target := site.URL + "/blocked"
	result, err := r.Resolve(context.Background(), target)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Strategy != StrategyReadProxy {
		t.Fatalf("expected read proxy strategy, got %q", result.Strategy)
	}
	if result.Title != "Rendered Title" {
		t.Errorf("unexpected title %q", result.Title)
	}
	if result.Image != site.URL+"/large.png" {
		t.Errorf("expected image resolved against the target page, got %q", result.Image)
	}
	if expected := "/" + strings.TrimPrefix(target, "http://"); proxiedPath != expected {
		t.Errorf("expected proxied path %q, got %q", expected, proxiedPath)
	}
}

func TestResolveExhausted(t *testing.T) {
	site := newSiteServer(t, http.StatusInternalServerError)
	defer site.Close()
	proxy := newProxyServer(t, http.StatusInternalServerError, nil, nil)
	defer proxy.Close()

	cfg := testConfig()
	cfg.FetchProxyURL = proxy.URL
	cfg.ReadProxyURL = site.URL + "/reader/"
	r := NewResolver(New(cfg), nil)

	if diff := cmp.Diff([]string{StrategyFastRemote, StrategyDirect, StrategyReadProxy}, r.Strategies()); diff != "" {
		t.Fatalf("strategy chain mismatch (-want +got):\n%s", diff)
	}

	_, err := r.Resolve(context.Background(), site.URL+"/page")
	var exhausted *ResolutionExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *ResolutionExhausted, got %v", err)
	}
	if len(exhausted.Errors) != 3 {
		t.Errorf("expected 3 strategy errors, got %d", len(exhausted.Errors))
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected wrapped *FetchError with status 500, got %v", fetchErr)
	}
}

type panicStrategy struct{}

func (panicStrategy) Name() string { return "panics" }

func (panicStrategy) Resolve(context.Context, *url.URL) (*Result, error) {
	panic("boom")
}

type fixedStrategy struct {
	result *Result
	err    error
	calls  int32
}

func (f *fixedStrategy) Name() string { return "fixed" }

func (f *fixedStrategy) Resolve(context.Context, *url.URL) (*Result, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.result, f.err
}

func TestResolveShortCircuits(t *testing.T) {
	first := &fixedStrategy{result: &Result{Title: "First"}}
	second := &fixedStrategy{result: &Result{Title: "Second"}}
	r := NewResolverWithStrategies(New(testConfig()), nil, panicStrategy{}, first, second)

	result, err := r.Resolve(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Title != "First" || result.Strategy != "fixed" {
		t.Errorf("unexpected result %+v", result)
	}
	if atomic.LoadInt32(&second.calls) != 0 {
		t.Error("later strategies must not run after a success")
	}
}

func TestResolveRejectsInvalidURL(t *testing.T) {
	r := NewResolver(New(testConfig()), nil)
	_, err := r.Resolve(context.Background(), "mailto:someone@example.com")
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Errorf("expected *FetchError, got %v", err)
	}
}

func TestQuickProbes(t *testing.T) {
	site := newSiteServer(t, http.StatusOK)
	defer site.Close()

	t.Run("fast path", func(t *testing.T) {
		proxy := newProxyServer(t, http.StatusOK, &models.ProxyResponse{
			Title: strPtr("Quick Title - Example"),
			Image: strPtr(site.URL + "/large.png"),
		}, nil)
		defer proxy.Close()

		cfg := testConfig()
		cfg.FetchProxyURL = proxy.URL
		r := NewResolver(New(cfg), nil)

		if got := r.FetchTitleQuick(context.Background(), "https://example.com/x"); got != "Quick Title" {
			t.Errorf("FetchTitleQuick = %q", got)
		}
		if got := r.FetchImageQuick(context.Background(), "https://example.com/x"); got != site.URL+"/large.png" {
			t.Errorf("FetchImageQuick = %q", got)
		}
	})

	t.Run("fast path failure degrades to empty", func(t *testing.T) {
		var hits int32
		proxy := newProxyServer(t, http.StatusBadGateway, nil, &hits)
		defer proxy.Close()

		cfg := testConfig()
		cfg.FetchProxyURL = proxy.URL
		r := NewResolver(New(cfg), nil)

		if got := r.FetchTitleQuick(context.Background(), site.URL+"/article"); got != "" {
			t.Errorf("expected empty title, got %q", got)
		}
		if got := r.FetchImageQuick(context.Background(), site.URL+"/article"); got != "" {
			t.Errorf("expected empty image, got %q", got)
		}
		if atomic.LoadInt32(&hits) != 2 {
			t.Errorf("expected one proxy call per probe, got %d", hits)
		}
	})

	t.Run("direct without proxy", func(t *testing.T) {
		r := NewResolver(New(testConfig()), nil)

		if got := r.FetchTitleQuick(context.Background(), site.URL+"/article"); got != "Direct Article" {
			t.Errorf("FetchTitleQuick = %q", got)
		}
		if got := r.FetchImageQuick(context.Background(), site.URL+"/article"); got != site.URL+"/large.png" {
			t.Errorf("FetchImageQuick = %q", got)
		}
	})

	t.Run("bounded by deadline", func(t *testing.T) {
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(400 * time.Millisecond)
		}))
		defer slow.Close()

		cfg := testConfig()
		cfg.QuickTimeout = 50 * time.Millisecond
		r := NewResolver(New(cfg), nil)

		start := time.Now()
		if got := r.FetchTitleQuick(context.Background(), slow.URL); got != "" {
			t.Errorf("expected empty title, got %q", got)
		}
		if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
			t.Errorf("quick probe blocked for %v", elapsed)
		}
	})
}

func TestReadProxyURL(t *testing.T) {
	tests := []struct {
		target   string
		expected string
	}{
		{"https://example.com/a?b=1", "https://r.jina.ai/http://example.com/a?b=1"},
		{"http://example.com/", "https://r.jina.ai/http://example.com/"},
	}
	for _, tt := range tests {
		if got := ReadProxyURL(DefaultReadProxyURL, tt.target); got != tt.expected {
			t.Errorf("ReadProxyURL(%q) = %q, expected %q", tt.target, got, tt.expected)
		}
	}
}

func TestResolveWithCustomValidator(t *testing.T) {
	site := newSiteServer(t, http.StatusOK)
	defer site.Close()

	// The tiny og:image is accepted without any dimension check
	validator := staticValidator{site.URL + "/tiny.png": true}
	r := NewResolver(New(testConfig(), WithValidator(validator)), nil)

	result, err := r.Resolve(context.Background(), site.URL+"/article")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Image != site.URL+"/tiny.png" {
		t.Errorf("expected validator-approved og:image, got %q", result.Image)
	}

	// Nothing approved means no image, but still a successful result
	r = NewResolver(New(testConfig(), WithValidator(staticValidator{})), nil)
	result, err = r.Resolve(context.Background(), site.URL+"/article")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Image != "" || result.Title != "Direct Article" {
		t.Errorf("expected title only, got %+v", result)
	}
}
