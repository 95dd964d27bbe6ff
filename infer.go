package capture

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// pathNoise are URL path segments that never describe the page content
var pathNoise = map[string]bool{
	"blog": true, "blogs": true, "news": true, "article": true, "articles": true,
	"post": true, "posts": true, "tag": true, "tags": true, "category": true,
	"categories": true, "topic": true, "topics": true, "section": true,
	"amp": true, "index": true, "page": true, "pages": true, "p": true,
	"story": true, "stories": true, "en": true, "en-us": true, "en-gb": true,
	"www": true, "html": true, "item": true, "dp": true, "s": true, "watch": true,
	"products": true, "product": true, "wiki": true,
}

// pageExtensions are file suffixes that name a page format, not content
var pageExtensions = map[string]bool{
	".html": true, ".htm": true, ".shtml": true, ".php": true,
	".asp": true, ".aspx": true, ".jsp": true,
}

var (
	numericSegmentRe = regexp.MustCompile(`^[0-9]+$`)
	segmentSplitRe   = regexp.MustCompile(`[-_+]+`)
)

// InferFromURL derives a display title from the last meaningful path
// segments of rawURL. It returns "" when the path says nothing useful.
func InferFromURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}

	var segments []string
	for _, seg := range strings.Split(u.Path, "/") {
		if unescaped, err := url.PathUnescape(seg); err == nil {
			seg = unescaped
		}
		if ext := path.Ext(seg); pageExtensions[strings.ToLower(ext)] {
			seg = strings.TrimSuffix(seg, ext)
		}
		seg = strings.TrimSpace(seg)
		if seg == "" || numericSegmentRe.MatchString(seg) || pathNoise[strings.ToLower(seg)] {
			continue
		}
		segments = append(segments, seg)
	}

	var candidate string
	switch n := len(segments); {
	case n >= 2:
		candidate = segments[n-2] + " " + segments[n-1]
	case n == 1:
		candidate = segments[0]
	default:
		return ""
	}

	candidate = segmentSplitRe.ReplaceAllString(candidate, " ")
	return NormalizeTitle(candidate, u.Hostname())
}
