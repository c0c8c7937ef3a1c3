package compiler

import (
	"strings"
)

// ExtractClaims is the default claim extractor. It scans each line of a
// response for "key: value" or "key=value" pairs and returns them as a
// claim map. Keys are lowercased with spaces collapsed to underscores so
// "Open Items: 3" and "open_items=3" assert the same claim.
//
// Deliberately shallow: anything a worker states in this form is treated
// as a factual claim; free prose contributes no claims and so can never
// conflict.
func ExtractClaims(text string) map[string]string {
	claims := make(map[string]string)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		sep := strings.IndexAny(line, ":=")
		if sep <= 0 || sep == len(line)-1 {
			continue
		}

		key := strings.TrimSpace(line[:sep])
		value := strings.TrimSpace(line[sep+1:])
		if key == "" || value == "" {
			continue
		}
		// A key with too many words is a sentence, not a claim label.
		if len(strings.Fields(key)) > 4 {
			continue
		}

		normKey := strings.ReplaceAll(strings.ToLower(key), " ", "_")
		claims[normKey] = strings.ToLower(value)
	}

	return claims
}
