// Package normalize folds subscription names into a comparable key.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// company suffixes dropped from the key
var suffixes = map[string]struct{}{
	"inc":         {},
	"llc":         {},
	"ltd":         {},
	"co":          {},
	"corp":        {},
	"corporation": {},
	"company":     {},
	"gmbh":        {},
	"plc":         {},
	"limited":     {},
	"sa":          {},
	"ag":          {},
	"bv":          {},
	"pty":         {},
	"srl":         {},
	"oy":          {},
	"ab":          {},
}

// Name returns the dedup key for a subscription name: accents stripped,
// lowercased, punctuation turned into spaces, company suffixes dropped and
// whitespace collapsed. It returns "" when nothing meaningful remains.
func Name(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, folded)

	words := strings.Fields(folded)
	kept := words[:0]
	for _, w := range words {
		if _, ok := suffixes[w]; ok {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// Matches reports whether two normalized keys name the same service: equal,
// or one contained in the other. Empty keys never match.
func Matches(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
