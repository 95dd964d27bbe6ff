package capture

import (
	"bytes"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// maxImgTags caps how many <img> elements are considered as fallbacks
const maxImgTags = 12

// Candidates are the title and image candidates found in a page
type Candidates struct {
	Title       string   // Best title candidate, raw (not normalized)
	Description string   // meta description, used only when no title exists
	Images      []string // Absolute image URLs in priority order, noise removed
}

// noiseImageKeywords mark site chrome rather than content imagery
var noiseImageKeywords = []string{
	"logo", "icon", "sprite", "badge", "favicon",
	"placeholder", "spacer", "blank.gif", "1x1", "pixel.gif", "/pixel",
	"tracking", "spinner", "loader", "avatar-default", "default-avatar",
	"share-button", "social-",
	// Ad networks
	"doubleclick", "googlesyndication", "googleadservices", "adservice",
	"amazon-adsystem", "adnxs", "taboola", "outbrain", "criteo", "scorecardresearch",
	"facebook.com/tr",
}

// adTokenRe matches "ad"/"ads" as a delimited path or name token
var adTokenRe = regexp.MustCompile(`(?:^|[/_.\-=?&])ads?(?:[/_.\-=?&]|$)`)

// IsNoiseImage reports whether an image URL looks like a logo, icon, ad or
// tracking pixel rather than a preview image
func IsNoiseImage(imageURL string) bool {
	lower := strings.ToLower(imageURL)
	for _, keyword := range noiseImageKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	if u, err := url.Parse(lower); err == nil {
		return adTokenRe.MatchString(u.Path) || adTokenRe.MatchString(u.Host)
	}
	return adTokenRe.MatchString(lower)
}

// ParseHTML decodes body according to contentType (falling back to charset
// sniffing) and parses it. The parser accepts malformed markup; only reader
// failures surface as *ParseError.
func ParseHTML(body []byte, contentType, pageURL string) (*goquery.Document, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		// Unknown charset label, parse the raw bytes
		r = bytes.NewReader(body)
	}
	root, err := html.Parse(r)
	if err != nil {
		return nil, &ParseError{URL: pageURL, Err: err}
	}
	return goquery.NewDocumentFromNode(root), nil
}

// ExtractCandidates finds title and image candidates in raw HTML.
// Unparseable input yields empty candidates.
func ExtractCandidates(r io.Reader, baseURL *url.URL) Candidates {
	root, err := html.Parse(r)
	if err != nil {
		return Candidates{}
	}
	return extractFromDocument(goquery.NewDocumentFromNode(root), baseURL)
}

// extractFromDocument applies the title and image priority orders.
// Title: og:title > twitter:title > <title> > meta description.
// Image: og:image > twitter:image > link[rel=image_src] > first <img> tags.
func extractFromDocument(doc *goquery.Document, baseURL *url.URL) Candidates {
	var c Candidates

	ogTitle := metaContent(doc, "og:title")
	twitterTitle := metaContent(doc, "twitter:title")
	htmlTitle := strings.TrimSpace(doc.Find("title").First().Text())
	c.Description = metaContent(doc, "description")
	if c.Description == "" {
		c.Description = metaContent(doc, "og:description")
	}

	switch {
	case ogTitle != "":
		c.Title = ogTitle
	case twitterTitle != "":
		c.Title = twitterTitle
	case htmlTitle != "":
		c.Title = htmlTitle
	default:
		c.Title = c.Description
	}

	// Honor <base href> for relative resolution
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok && baseURL != nil {
		if b, err := resolveURL(baseURL, href); err == nil {
			if parsed, err := url.Parse(b); err == nil {
				baseURL = parsed
			}
		}
	}

	var raw []string
	raw = appendNonEmpty(raw, metaContent(doc, "og:image"), metaContent(doc, "og:image:url"),
		metaContent(doc, "og:image:secure_url"))
	raw = appendNonEmpty(raw, metaContent(doc, "twitter:image"), metaContent(doc, "twitter:image:src"))
	if href, ok := doc.Find("link[rel='image_src']").First().Attr("href"); ok {
		raw = appendNonEmpty(raw, href)
	}

	count := 0
	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" || isInlineScheme(src) {
			// Lazy-loaded images keep the real source aside
			src = strings.TrimSpace(s.AttrOr("data-src", ""))
		}
		if src == "" {
			return true
		}
		raw = append(raw, src)
		count++
		return count < maxImgTags
	})

	seen := make(map[string]bool)
	for _, candidate := range raw {
		if isInlineScheme(candidate) {
			continue
		}
		abs := candidate
		if baseURL != nil {
			resolved, err := resolveURL(baseURL, candidate)
			if err != nil {
				continue
			}
			abs = resolved
		}
		if !strings.HasPrefix(abs, "http://") && !strings.HasPrefix(abs, "https://") {
			continue
		}
		if seen[abs] || IsNoiseImage(abs) {
			continue
		}
		seen[abs] = true
		c.Images = append(c.Images, abs)
	}

	return c
}

// metaContent returns the content of the first meta tag whose property or
// name equals key (case-insensitive)
func metaContent(doc *goquery.Document, key string) string {
	var content string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		property := strings.ToLower(strings.TrimSpace(s.AttrOr("property", "")))
		name := strings.ToLower(strings.TrimSpace(s.AttrOr("name", "")))
		if property != key && name != key {
			return true
		}
		if v := strings.TrimSpace(s.AttrOr("content", "")); v != "" {
			content = v
			return false
		}
		return true
	})
	return content
}

func isInlineScheme(src string) bool {
	lower := strings.ToLower(strings.TrimSpace(src))
	return strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "javascript:")
}

func appendNonEmpty(dst []string, values ...string) []string {
	for _, v := range values {
		if v != "" {
			dst = append(dst, v)
		}
	}
	return dst
}

// resolveURL resolves a potentially relative URL against a base URL
func resolveURL(base *url.URL, href string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(parsed).String(), nil
}
