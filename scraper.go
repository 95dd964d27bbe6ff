package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docutag/capture/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultUserAgent is sent with every page and image request
const DefaultUserAgent = "Mozilla/5.0 (compatible; CaptureBot/1.0; +https://github.com/docutag/capture)"

// DefaultReadProxyURL is the read-proxy prefix; the target URL is appended without its scheme
const DefaultReadProxyURL = "https://r.jina.ai/http://"

// Config contains scraper configuration
type Config struct {
	HTTPTimeout   time.Duration // Upper bound for any single HTTP exchange
	UserAgent     string
	FetchProxyURL string // Fast remote path endpoint, empty to disable
	ReadProxyURL  string // Read-proxy prefix, empty to disable
	MaxHTMLBytes  int64  // Maximum page size read

	FastTimeout        time.Duration // Fast remote path deadline
	DirectTimeout      time.Duration // Direct fetch deadline
	ReadProxyTimeout   time.Duration // Read-proxy deadline
	QuickTimeout       time.Duration // Quick title/image probe deadline
	ValidationTimeout  time.Duration // Per-image validation deadline
	ProxyServerTimeout time.Duration // Deadline of the server-side proxy lookup

	MinImageWidth      int // Minimum preview size for directly scraped images
	MinImageHeight     int
	FastMinImageWidth  int // Stricter minimum for images suggested by the fast path
	FastMinImageHeight int
	MaxImageProbes     int // Image candidates validated per page
}

// DefaultConfig returns default scraper configuration
func DefaultConfig() Config {
	return Config{
		HTTPTimeout:        30 * time.Second,
		UserAgent:          DefaultUserAgent,
		ReadProxyURL:       DefaultReadProxyURL,
		MaxHTMLBytes:       5 * 1024 * 1024, // 5MB
		FastTimeout:        1200 * time.Millisecond,
		DirectTimeout:      4 * time.Second,
		ReadProxyTimeout:   8 * time.Second,
		QuickTimeout:       time.Second,
		ValidationTimeout:  3 * time.Second,
		ProxyServerTimeout: 5 * time.Second,
		MinImageWidth:      100,
		MinImageHeight:     100,
		FastMinImageWidth:  200,
		FastMinImageHeight: 150,
		MaxImageProbes:     6,
	}
}

// Scraper fetches pages and images on behalf of the resolution strategies
type Scraper struct {
	config     Config
	httpClient *http.Client
	validator  ImageValidator
}

// Option customizes a Scraper
type Option func(*Scraper)

// WithValidator replaces the HTTP image validator
func WithValidator(v ImageValidator) Option {
	return func(s *Scraper) {
		s.validator = v
	}
}

// WithTransport replaces the base round tripper (still wrapped for tracing)
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Scraper) {
		s.httpClient.Transport = otelhttp.NewTransport(rt)
	}
}

// New creates a new Scraper instance
func New(config Config, opts ...Option) *Scraper {
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.MaxHTMLBytes <= 0 {
		config.MaxHTMLBytes = DefaultConfig().MaxHTMLBytes
	}
	if config.MaxImageProbes <= 0 {
		config.MaxImageProbes = DefaultConfig().MaxImageProbes
	}

	s := &Scraper{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.HTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.validator == nil {
		s.validator = NewValidator(s.httpClient, config.UserAgent)
	}
	return s
}

// Config returns the scraper configuration
func (s *Scraper) Config() Config {
	return s.config
}

// Page is a fetched HTML document
type Page struct {
	URL         *url.URL // Final URL after redirects
	Body        []byte
	ContentType string
}

// parseTarget validates that rawURL is an absolute http(s) URL
func parseTarget(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("URL must be http or https")
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL has no host")
	}
	return u, nil
}

// FetchHTML retrieves rawURL within deadline. Network errors, non-2xx
// statuses and non-HTML responses are reported as *FetchError.
func (s *Scraper) FetchHTML(ctx context.Context, rawURL string, deadline time.Duration) (*Page, error) {
	return s.fetchPage(ctx, rawURL, deadline, true, nil)
}

func (s *Scraper) fetchPage(ctx context.Context, rawURL string, deadline time.Duration, requireHTML bool, header http.Header) (*Page, error) {
	target, err := parseTarget(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", s.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, ContentType: contentType}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxHTMLBytes))
	if err != nil {
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	if requireHTML && !isHTMLContentType(contentType) {
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, ContentType: contentType}
	}

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	return &Page{URL: final, Body: body, ContentType: contentType}, nil
}

func isHTMLContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// Lookup performs the server side of the fetch-proxy protocol: fetch the
// page, take the raw title by meta-tag priority, and pick the first ranked
// image candidate whose HEAD response is an image.
func (s *Scraper) Lookup(ctx context.Context, rawURL string) (*models.ProxyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ProxyServerTimeout)
	defer cancel()

	page, err := s.fetchPage(ctx, rawURL, 0, true, nil)
	if err != nil {
		return nil, err
	}

	doc, err := ParseHTML(page.Body, page.ContentType, rawURL)
	if err != nil {
		return nil, err
	}
	cands := extractFromDocument(doc, page.URL)

	resp := &models.ProxyResponse{Site: SiteName(page.URL.Hostname())}
	if cands.Title != "" {
		title := cands.Title
		resp.Title = &title
	}

	for _, candidate := range cands.Images {
		if ctx.Err() != nil {
			break
		}
		if s.headIsImage(ctx, candidate) {
			image := candidate
			resp.Image = &image
			break
		}
	}

	slog.Debug("proxy lookup complete", "url", rawURL, "has_title", resp.Title != nil, "has_image", resp.Image != nil)
	return resp, nil
}

// headIsImage confirms a candidate answers HEAD with an image/* content type
func (s *Scraper) headIsImage(ctx context.Context, imageURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, imageURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", s.config.UserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	return strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), "image/")
}
