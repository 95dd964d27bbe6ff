package slug

import (
	"path"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxLength bounds generated slugs
const MaxLength = 100

// Generate turns s into a lower-case ASCII slug. Accents are folded
// ("é" -> "e"), letters with no ASCII form are dropped, and every other run
// of punctuation or space becomes a single hyphen. Slugs longer than
// MaxLength are cut at the last whole word.
func Generate(s string) string {
	var (
		words []string
		word  strings.Builder
	)
	flush := func() {
		if word.Len() > 0 {
			words = append(words, word.String())
			word.Reset()
		}
	}

	for _, r := range foldAccents(strings.ToLower(s)) {
		switch {
		case 'a' <= r && r <= 'z', '0' <= r && r <= '9':
			word.WriteRune(r)
		case unicode.IsLetter(r), unicode.IsMark(r):
			// no ASCII form; the word continues
		default:
			flush()
		}
	}
	flush()

	return joinWords(words, MaxLength)
}

// joinWords hyphenates words up to limit bytes. A first word that alone
// exceeds limit is cut.
func joinWords(words []string, limit int) string {
	var b strings.Builder
	for _, w := range words {
		if b.Len() == 0 {
			if len(w) > limit {
				return w[:limit]
			}
			b.WriteString(w)
			continue
		}
		if b.Len()+1+len(w) > limit {
			break
		}
		b.WriteByte('-')
		b.WriteString(w)
	}
	return b.String()
}

// GenerateWithFallback is Generate(s), or Generate(fallback) when s has no
// usable characters
func GenerateWithFallback(s, fallback string) string {
	if slug := Generate(s); slug != "" {
		return slug
	}
	return Generate(fallback)
}

// foldAccents strips combining marks after canonical decomposition
func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return folded
}

// MakeUnique appends a number to a slug to make it unique
func MakeUnique(slug string, counter int) string {
	if counter == 0 {
		return slug
	}
	return slug + "-" + strconv.Itoa(counter)
}

// Unique returns the first of slug, slug-1, slug-2, ... that taken rejects
func Unique(slug string, taken func(string) bool) string {
	for counter := 0; ; counter++ {
		candidate := MakeUnique(slug, counter)
		if !taken(candidate) {
			return candidate
		}
	}
}

// FromFilename generates a slug from a file name or path, without its
// extension, e.g. "IMG_2041 (1).JPG" -> "img-2041-1"
func FromFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(name)
	if base == "." || base == "/" {
		return ""
	}

	// Remove query parameters
	if idx := strings.Index(base, "?"); idx != -1 {
		base = base[:idx]
	}

	return Generate(strings.TrimSuffix(base, path.Ext(base)))
}
