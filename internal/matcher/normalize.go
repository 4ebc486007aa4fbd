package matcher

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds a display name for comparison: compatibility
// decomposition, combining marks dropped, lower-cased, and every run of
// non-alphanumerics collapsed to one space.
func Normalize(s string) string {
	// transform.Chain keeps state; build one per call.
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	return strings.Join(strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}), " ")
}

// Tokens splits a normalized name into distinct tokens longer than one rune.
func Tokens(normalized string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range strings.Fields(normalized) {
		if len([]rune(f)) > 1 {
			out[f] = struct{}{}
		}
	}
	return out
}

// DefaultStoplist holds tokens too common in group names to count as
// evidence on their own.
var DefaultStoplist = []string{
	"the", "and", "of", "for", "in", "on", "to", "by",
	"group", "groups", "grup", "community", "komunitas", "official", "info",
	"buy", "sell", "sale", "jual", "beli", "dijual", "dan", "di", "se",
}

// overlap scores two token sets: |A∩B| / max(|A|,|B|). informative reports
// whether any shared token is outside the stoplist.
func overlap(a, b map[string]struct{}, stop map[string]bool) (score float64, informative bool) {
	if len(a) == 0 || len(b) == 0 {
		return 0, false
	}
	shared := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			shared++
			if !stop[tok] {
				informative = true
			}
		}
	}
	return float64(shared) / float64(max(len(a), len(b))), informative
}
