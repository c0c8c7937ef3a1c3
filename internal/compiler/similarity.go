package compiler

import (
	"strings"
)

// JaccardSimilarity is the default similarity measure: token-set Jaccard
// over lowercased words, with exact matches (after whitespace
// normalization) scoring 1.0. Deterministic by construction.
func JaccardSimilarity(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return 1.0
	}

	ta, tb := tokenSet(na), tokenSet(nb)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	for token := range ta {
		if _, ok := tb[token]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, token := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		set[token] = struct{}{}
	}
	return set
}
