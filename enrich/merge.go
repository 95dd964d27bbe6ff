package enrich

import (
	"regexp"
	"unicode/utf8"

	"github.com/docutag/capture"
	"github.com/docutag/capture/models"
)

// placeholderImageRe matches low-quality images enrichment may replace.
// It is a URL heuristic and also matches legitimate images whose URL
// happens to contain one of these words.
var placeholderImageRe = regexp.MustCompile(`(?i)favicon|apple-touch-icon|placeholder|\.ico(\?|$)|s2/favicons`)

// IsPlaceholderImage reports whether image looks like a favicon or placeholder
func IsPlaceholderImage(image string) bool {
	return placeholderImageRe.MatchString(image)
}

// shouldReplaceTitle reports whether a resolved title may overwrite the
// item's current title
func shouldReplaceTitle(item *models.CaptureItem, title string) bool {
	if item.UserEditedTitle || title == "" {
		return false
	}
	current := item.Title
	return current == "" ||
		current == models.PlaceholderTitle ||
		current == capture.InferFromURL(item.URL) ||
		utf8.RuneCountInString(current) < 3
}

// shouldReplaceImage reports whether a resolved image may overwrite the
// item's current image
func shouldReplaceImage(item *models.CaptureItem, image string) bool {
	if item.UserEditedImage || image == "" {
		return false
	}
	return item.Image == "" || IsPlaceholderImage(item.Image)
}

// mergeResult applies a resolution result field by field. It returns whether
// title or image changed.
func mergeResult(item *models.CaptureItem, result *capture.Result) bool {
	changed := false
	if shouldReplaceTitle(item, result.Title) {
		changed = changed || item.Title != result.Title
		item.Title = result.Title
	}
	if shouldReplaceImage(item, result.Image) {
		changed = changed || item.Image != result.Image
		item.Image = result.Image
	}
	if result.Site != "" {
		item.Site = result.Site
	}
	return changed
}
