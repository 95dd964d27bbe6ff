package capture

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// minTitleLength is the shortest title worth displaying
const minTitleLength = 3

// boilerplateWords are commerce/review/news noise words stripped from titles
var boilerplateWords = []string{
	"price", "prices", "pricing", "images", "image", "photos", "photo", "pictures",
	"specs", "specifications", "features", "mileage", "colours", "colors", "variants",
	"review", "reviews", "rating", "ratings", "compare", "comparison",
	"buy", "online", "shop", "shopping", "sale", "deals", "deal", "offers", "offer",
	"discount", "cheap", "best", "top", "official", "site", "website", "homepage",
	"latest", "news", "breaking", "updates", "live",
}

var (
	boilerplateRe = regexp.MustCompile(`\b(?:` + strings.Join(boilerplateWords, "|") + `)\b`)
	separatorRe   = regexp.MustCompile(`[-|•:/,–—·]+`)
	possessiveRe  = regexp.MustCompile(`^['’]s$`)
)

// commonTLDs are stripped from a domain to find its primary label.
// Multi-label suffixes come first so they win over their last label.
var commonTLDs = []string{
	".co.uk", ".org.uk", ".co.in", ".co.jp", ".com.au", ".com.br",
	".com", ".org", ".net", ".io", ".co", ".in", ".uk", ".de", ".fr",
	".jp", ".au", ".ca", ".us", ".app", ".dev", ".info", ".biz", ".me", ".tv", ".ai",
}

// NormalizeTitle turns a raw page title into a clean display title.
// It returns "" when nothing presentable is left.
func NormalizeTitle(raw, domain string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}

	// Everything after the first pipe is a site suffix
	if i := strings.Index(s, "|"); i >= 0 {
		s = s[:i]
	}

	if label := primaryLabel(domain); label != "" {
		// Best-effort: a label the regexp engine rejects is left in place
		if re, err := regexp.Compile(`\b` + regexp.QuoteMeta(label) + `(?:['’]s)?\b`); err == nil {
			s = re.ReplaceAllString(s, " ")
		}
	}

	s = boilerplateRe.ReplaceAllString(s, " ")
	s = separatorRe.ReplaceAllString(s, " ")

	caser := cases.Title(language.Und)
	seen := make(map[string]bool)
	words := make([]string, 0, 8)
	for _, tok := range strings.Fields(s) {
		if seen[tok] || !hasAlnum(tok) || possessiveRe.MatchString(tok) {
			continue
		}
		seen[tok] = true
		words = append(words, caser.String(tok))
	}

	title := strings.Join(words, " ")
	if utf8.RuneCountInString(title) < minTitleLength {
		return ""
	}
	return title
}

// hasAlnum reports whether tok has at least one letter or digit
func hasAlnum(tok string) bool {
	return strings.IndexFunc(tok, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}

// primaryLabel reduces a host to its registrable name, e.g.
// "www.cardekho.com" -> "cardekho", "en.wikipedia.org" -> "wikipedia"
func primaryLabel(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, ":/"); i >= 0 {
		d = d[:i]
	}
	for _, tld := range commonTLDs {
		if strings.HasSuffix(d, tld) && len(d) > len(tld) {
			d = strings.TrimSuffix(d, tld)
			break
		}
	}
	if i := strings.LastIndex(d, "."); i >= 0 {
		d = d[i+1:]
	}
	return d
}

// SiteName strips a leading "www." from a host
func SiteName(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
