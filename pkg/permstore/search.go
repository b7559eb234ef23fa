package permstore

import "strings"

// stopwords excludes common function words from the search index, per
// §4.3 "Tokens appearing in a static stopword list are excluded."
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "he": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"to": {}, "was": {}, "were": {}, "will": {}, "with": {},
}

type searchHit struct {
	token    string
	position int
}

// tokenize splits s by ASCII whitespace and, for each non-stopword
// token, emits every substring up to maxLen characters, per §4.3's
// full-text indexing rule: "splits the stored string value by
// whitespace and, for each token, emits one search revision per
// substring up to a configured maximum length." Matching is
// case-insensitive per the documented Open Question (c).
func tokenize(s string, maxLen int) []searchHit {
	var out []searchHit
	pos := 0
	for _, word := range splitWhitespace(s) {
		pos += strings.Index(s[pos:], word)
		lower := strings.ToLower(word)
		if _, skip := stopwords[lower]; !skip {
			limit := maxLen
			if limit > len(lower) {
				limit = len(lower)
			}
			for length := 1; length <= limit; length++ {
				for start := 0; start+length <= len(lower); start++ {
					out = append(out, searchHit{token: lower[start : start+length], position: pos})
				}
			}
		}
		pos += len(word)
	}
	return out
}

func splitWhitespace(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\v' || r == '\f' || r == '\r'
	})
}

// MatchesQuery reports whether s would satisfy search(key, query) if s
// were the only value ever indexed: it tokenizes s exactly as Accept
// does at index time (whitespace split, stopword exclusion, substrings
// bounded by maxLen) and requires every lower-cased query token to
// appear among the resulting substrings — the same per-token test
// Database.SearchAt applies via recordsForToken, just evaluated
// in-memory instead of against a sealed block.
//
// This gives a not-yet-transported (Buffer-resident) value the exact
// search semantics of the indexed path, including a stopword query
// token matching nothing: a stopword is never emitted by tokenize, so
// it can never appear in hitSet here either, mirroring the Database's
// own behavior.
func MatchesQuery(s, query string, maxLen int) bool {
	queryTokens := splitWhitespace(strings.ToLower(query))
	if len(queryTokens) == 0 {
		return false
	}

	hitSet := make(map[string]struct{})
	for _, hit := range tokenize(s, maxLen) {
		hitSet[hit.token] = struct{}{}
	}

	for _, tok := range queryTokens {
		if _, ok := hitSet[tok]; !ok {
			return false
		}
	}
	return true
}
