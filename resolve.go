package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docutag/capture/models"
	"github.com/docutag/capture/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/docutag/capture")

// Strategy names
const (
	StrategyFastRemote = "fast_remote"
	StrategyDirect     = "direct"
	StrategyReadProxy  = "read_proxy"
)

// Result is the outcome of a successful resolution. Title and Image may be
// empty: "nothing found" is still a success.
type Result struct {
	Title    string `json:"title"`
	Image    string `json:"image"`
	Site     string `json:"site"`
	Strategy string `json:"strategy"`
}

// Strategy is one step of the resolution fallback chain
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, target *url.URL) (*Result, error)
}

// Resolver evaluates its strategies in order and returns the first result
// that did not fail outright
type Resolver struct {
	scraper    *Scraper
	strategies []Strategy
	fast       *fastRemoteStrategy
	metrics    *telemetry.Metrics
}

// NewResolver builds the fallback chain from the scraper configuration:
// fast remote path (if configured), direct fetch, read-proxy (if configured)
func NewResolver(s *Scraper, metrics *telemetry.Metrics) *Resolver {
	r := &Resolver{scraper: s, metrics: metrics}
	if s.config.FetchProxyURL != "" {
		r.fast = &fastRemoteStrategy{scraper: s, endpoint: s.config.FetchProxyURL}
		r.strategies = append(r.strategies, r.fast)
	}
	r.strategies = append(r.strategies, &directStrategy{scraper: s})
	if s.config.ReadProxyURL != "" {
		r.strategies = append(r.strategies, &readProxyStrategy{scraper: s, prefix: s.config.ReadProxyURL})
	}
	return r
}

// NewResolverWithStrategies creates a resolver over an explicit chain
func NewResolverWithStrategies(s *Scraper, metrics *telemetry.Metrics, strategies ...Strategy) *Resolver {
	return &Resolver{scraper: s, strategies: strategies, metrics: metrics}
}

// Strategies returns the names of the configured chain, in order
func (r *Resolver) Strategies() []string {
	names := make([]string, 0, len(r.strategies))
	for _, st := range r.strategies {
		names = append(names, st.Name())
	}
	return names
}

// Resolve turns rawURL into a presentable (title, image) pair.
// It fails with *ResolutionExhausted when every strategy failed.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*Result, error) {
	target, err := parseTarget(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	ctx, span := tracer.Start(ctx, "capture.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("url", rawURL))

	exhausted := &ResolutionExhausted{URL: rawURL}
	for _, st := range r.strategies {
		if ctx.Err() != nil {
			exhausted.add(st.Name(), ctx.Err())
			break
		}

		result, err := r.run(ctx, st, target)
		if err != nil {
			slog.Info("resolution strategy failed, falling through",
				"strategy", st.Name(), "url", rawURL, "error", err)
			exhausted.add(st.Name(), err)
			continue
		}

		span.SetAttributes(attribute.String("strategy", st.Name()))
		return result, nil
	}

	span.SetStatus(codes.Error, "resolution exhausted")
	return nil, exhausted
}

func (r *Resolver) run(ctx context.Context, st Strategy, target *url.URL) (result *Result, err error) {
	ctx, span := tracer.Start(ctx, "capture.strategy."+st.Name(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("host", target.Host)))
	defer span.End()

	start := time.Now()
	defer func() {
		// A panicking strategy counts as a failed one
		if rec := recover(); rec != nil {
			result, err = nil, fmt.Errorf("strategy %s panicked: %v", st.Name(), rec)
		}
		outcome := "success"
		if err != nil {
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		r.metrics.ObserveResolution(st.Name(), outcome, time.Since(start))
	}()

	result, err = st.Resolve(ctx, target)
	if err == nil && result == nil {
		err = fmt.Errorf("strategy %s returned no result", st.Name())
	}
	if result != nil {
		result.Strategy = st.Name()
	}
	return result, err
}

// FetchTitleQuick is a low-latency title-only probe. It prefers the fast
// remote path, never falls through the full chain and returns "" on failure.
func (r *Resolver) FetchTitleQuick(ctx context.Context, rawURL string) string {
	target, err := parseTarget(rawURL)
	if err != nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, r.scraper.config.QuickTimeout)
	defer cancel()

	if r.fast != nil {
		payload, err := r.fast.lookup(ctx, target)
		if err != nil || payload.Title == nil {
			return ""
		}
		return finalizeTitle(*payload.Title, target)
	}

	page, err := r.scraper.fetchPage(ctx, target.String(), 0, true, nil)
	if err != nil {
		return ""
	}
	doc, err := ParseHTML(page.Body, page.ContentType, target.String())
	if err != nil {
		return ""
	}
	return finalizeTitle(extractFromDocument(doc, page.URL).Title, target)
}

// FetchImageQuick is the image-only counterpart of FetchTitleQuick
func (r *Resolver) FetchImageQuick(ctx context.Context, rawURL string) string {
	target, err := parseTarget(rawURL)
	if err != nil {
		return ""
	}
	cfg := r.scraper.config
	ctx, cancel := context.WithTimeout(ctx, cfg.QuickTimeout)
	defer cancel()

	if r.fast != nil {
		payload, err := r.fast.lookup(ctx, target)
		if err != nil || payload.Image == nil || *payload.Image == "" {
			return ""
		}
		if !r.scraper.validator.Validate(ctx, *payload.Image, cfg.QuickTimeout, cfg.FastMinImageWidth, cfg.FastMinImageHeight) {
			return ""
		}
		return *payload.Image
	}

	page, err := r.scraper.fetchPage(ctx, target.String(), 0, true, nil)
	if err != nil {
		return ""
	}
	doc, err := ParseHTML(page.Body, page.ContentType, target.String())
	if err != nil {
		return ""
	}
	return r.scraper.firstValidImage(ctx, extractFromDocument(doc, page.URL).Images,
		cfg.QuickTimeout, cfg.MinImageWidth, cfg.MinImageHeight)
}

// firstValidImage validates candidates in order and returns the first that passes
func (s *Scraper) firstValidImage(ctx context.Context, candidates []string, deadline time.Duration, minWidth, minHeight int) string {
	for i, candidate := range candidates {
		if i >= s.config.MaxImageProbes || ctx.Err() != nil {
			break
		}
		if s.validator.Validate(ctx, candidate, deadline, minWidth, minHeight) {
			return candidate
		}
	}
	return ""
}

// finalizeTitle normalizes a raw title, falling back to the URL path
func finalizeTitle(raw string, target *url.URL) string {
	if title := NormalizeTitle(raw, target.Hostname()); title != "" {
		return title
	}
	return InferFromURL(target.String())
}

// resultFromPage runs extraction and image validation over a fetched page.
// base is the URL relative references resolve against.
func (s *Scraper) resultFromPage(ctx context.Context, page *Page, base, target *url.URL) (*Result, error) {
	doc, err := ParseHTML(page.Body, page.ContentType, target.String())
	if err != nil {
		return nil, err
	}
	cands := extractFromDocument(doc, base)
	return &Result{
		Title: finalizeTitle(cands.Title, target),
		Image: s.firstValidImage(ctx, cands.Images, s.config.ValidationTimeout, s.config.MinImageWidth, s.config.MinImageHeight),
		Site:  SiteName(target.Hostname()),
	}, nil
}

// fastRemoteStrategy asks the configured fetch-proxy endpoint
type fastRemoteStrategy struct {
	scraper  *Scraper
	endpoint string
}

func (f *fastRemoteStrategy) Name() string { return StrategyFastRemote }

func (f *fastRemoteStrategy) Resolve(ctx context.Context, target *url.URL) (*Result, error) {
	cfg := f.scraper.config
	lookupCtx, cancel := context.WithTimeout(ctx, cfg.FastTimeout)
	payload, err := f.lookup(lookupCtx, target)
	cancel()
	if err != nil {
		return nil, err
	}

	result := &Result{Site: payload.Site}
	if result.Site == "" {
		result.Site = SiteName(target.Hostname())
	}
	if payload.Title != nil {
		result.Title = finalizeTitle(*payload.Title, target)
	} else {
		result.Title = InferFromURL(target.String())
	}
	if payload.Image != nil && *payload.Image != "" &&
		f.scraper.validator.Validate(ctx, *payload.Image, cfg.ValidationTimeout, cfg.FastMinImageWidth, cfg.FastMinImageHeight) {
		result.Image = *payload.Image
	}
	return result, nil
}

// lookup performs GET <endpoint>?url=<target>
func (f *fastRemoteStrategy) lookup(ctx context.Context, target *url.URL) (*models.ProxyResponse, error) {
	endpoint, err := url.Parse(f.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid fetch proxy endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("url", target.String())
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.scraper.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: endpoint.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: endpoint.String(), StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type")}
	}

	var payload models.ProxyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode proxy response: %w", err)
	}
	return &payload, nil
}

// directStrategy fetches the page itself
type directStrategy struct {
	scraper *Scraper
}

func (d *directStrategy) Name() string { return StrategyDirect }

func (d *directStrategy) Resolve(ctx context.Context, target *url.URL) (*Result, error) {
	page, err := d.scraper.fetchPage(ctx, target.String(), d.scraper.config.DirectTimeout, true, nil)
	if err != nil {
		return nil, err
	}
	return d.scraper.resultFromPage(ctx, page, page.URL, target)
}

// readProxyStrategy retries the page through a third-party HTML proxy
type readProxyStrategy struct {
	scraper *Scraper
	prefix  string
}

func (p *readProxyStrategy) Name() string { return StrategyReadProxy }

func (p *readProxyStrategy) Resolve(ctx context.Context, target *url.URL) (*Result, error) {
	header := http.Header{}
	header.Set("X-Return-Format", "html")

	page, err := p.scraper.fetchPage(ctx, ReadProxyURL(p.prefix, target.String()), p.scraper.config.ReadProxyTimeout, false, header)
	if err != nil {
		return nil, err
	}
	// The proxy body is opaque HTML about the original page
	return p.scraper.resultFromPage(ctx, page, target, target)
}

// ReadProxyURL composes prefix + target with the scheme stripped,
// e.g. https://r.jina.ai/http://example.com/a
func ReadProxyURL(prefix, target string) string {
	stripped := target
	if i := strings.Index(stripped, "://"); i >= 0 {
		stripped = stripped[i+3:]
	}
	return prefix + stripped
}
