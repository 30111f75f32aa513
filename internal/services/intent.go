package services

import (
	"strings"

	"github.com/Ananth-NQI/cakepe-backend/internal/catalog"
)

var intentKeywords = map[string]bool{
	"cake":     true,
	"cakes":    true,
	"order":    true,
	"buy":      true,
	"purchase": true,
	"want":     true,
}

// DetectIntent reports whether a message reads as wanting to buy: one of
// the purchase keywords or a catalog item named as whole words.
func DetectIntent(text string, cat *catalog.Catalog) bool {
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		if intentKeywords[w] {
			return true
		}
	}
	_, ok := cat.Match(text)
	return ok
}
