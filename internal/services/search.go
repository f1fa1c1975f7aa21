package services

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// AutoSearch decides from the user's text whether the model should search the web. It matches
// keywords about current events, in English and Vietnamese.
type AutoSearch struct {
	keywords []string
}

// DefaultSearchKeywords are used when no keywords are configured.
var DefaultSearchKeywords = []string{
	"today", "latest", "news", "current", "weather", "price", "score", "search",
	"hôm nay", "mới nhất", "tin tức", "hiện tại", "thời tiết", "giá", "tỷ số", "tìm kiếm",
}

// NewAutoSearch creates an AutoSearch matching keywords, or DefaultSearchKeywords when keywords is
// empty.
func NewAutoSearch(keywords []string) AutoSearch {
	if len(keywords) == 0 {
		keywords = DefaultSearchKeywords
	}
	normalized := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = normalize(k); k != "" {
			normalized = append(normalized, k)
		}
	}
	return AutoSearch{keywords: normalized}
}

// ShouldSearch reports whether text mentions one of the keywords.
func (a AutoSearch) ShouldSearch(text string) bool {
	text = normalize(text)
	for _, k := range a.keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// normalize lower-cases s in NFC form, so that decomposed input typed on some keyboards matches
// precomposed keywords.
func normalize(s string) string {
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(s)))
}
