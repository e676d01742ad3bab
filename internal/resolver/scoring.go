package resolver

import "strings"

// stopWords is the fixed English stop-word set filtered out of queries
// before keyword matching.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {},
	"on": {}, "at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {},
	"from": {}, "as": {}, "is": {}, "was": {}, "are": {}, "be": {},
	"have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {},
	"will": {}, "would": {}, "should": {}, "could": {}, "may": {},
	"might": {}, "can": {}, "my": {}, "i": {}, "you": {}, "we": {},
	"they": {}, "it": {}, "this": {}, "that": {}, "these": {}, "those": {},
	"about": {},
}

// meaningfulWords lowercases, trims and whitespace-splits query, then drops
// tokens of length ≤ 2 and stop words.
func meaningfulWords(query string) []string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	out := make([]string, 0, len(fields))
	for _, w := range fields {
		if len(w) <= 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

// normalizeKeywords lowercases and trims each keyword and collapses internal
// whitespace, preserving order and dropping empties.
func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		normalized := strings.Join(strings.Fields(strings.ToLower(kw)), " ")
		if normalized == "" {
			continue
		}
		out = append(out, normalized)
	}
	return out
}

// keywordScore walks the meaningful query words against the spell's keyword
// set and computes the keyword score. Each query word contributes at most
// one match, taken from the first rule that hits:
//
//  1. Exact equality (also counts toward the exact bonus).
//  2. Keyword contains the query word, query word length ≥ 3.
//  3. Query word contains the keyword, keyword length ≥ 3.
//
// Keywords of length ≤ 2 are ignored entirely. A spell with zero matches
// scores 0.
func keywordScore(meaningful []string, is *indexedSpell) (score float64, matchCount int) {
	var exactCount int

	for _, word := range meaningful {
		if _, ok := is.exact[word]; ok {
			matchCount++
			exactCount++
			continue
		}

		for _, kw := range is.keywords {
			if len(kw) <= 2 {
				continue
			}
			if len(word) >= 3 && strings.Contains(kw, word) {
				matchCount++
				break
			}
			if strings.Contains(word, kw) {
				matchCount++
				break
			}
		}
	}

	if matchCount == 0 {
		return 0, 0
	}

	denominator := len(meaningful)
	if denominator < 1 {
		denominator = 1
	}
	ratio := float64(matchCount) / float64(denominator)

	var exactBoost float64
	if exactCount > 0 {
		exactBoost = 0.05
	}
	var weakPenalty float64
	if matchCount == 1 && len(meaningful) > 3 {
		weakPenalty = 0.10
	}

	return min(1.0, 0.9+0.1*ratio+exactBoost-weakPenalty), matchCount
}
