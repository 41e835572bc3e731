package consensus

import (
	"strings"
	"unicode"
)

// stopWords are excluded from bag-of-words comparisons.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "if": {},
	"then": {}, "else": {}, "when": {}, "while": {}, "at": {}, "by": {},
	"for": {}, "with": {}, "about": {}, "into": {}, "through": {}, "during": {},
	"before": {}, "after": {}, "above": {}, "below": {}, "to": {}, "from": {},
	"up": {}, "down": {}, "in": {}, "out": {}, "on": {}, "off": {}, "over": {},
	"under": {}, "again": {}, "once": {}, "here": {}, "there": {}, "all": {},
	"any": {}, "both": {}, "each": {}, "few": {}, "more": {}, "most": {},
	"other": {}, "some": {}, "such": {}, "no": {}, "not": {}, "only": {},
	"own": {}, "same": {}, "so": {}, "than": {}, "too": {}, "very": {},
	"can": {}, "will": {}, "just": {}, "should": {}, "now": {}, "is": {},
	"are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "being": {},
	"have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {},
	"of": {}, "it": {}, "its": {}, "this": {}, "that": {}, "these": {},
	"those": {}, "i": {}, "we": {}, "you": {}, "they": {}, "he": {},
	"she": {}, "them": {}, "his": {}, "her": {}, "our": {}, "your": {},
	"their": {}, "what": {}, "which": {}, "who": {}, "whom": {}, "why": {},
	"how": {}, "as": {}, "because": {}, "would": {}, "could": {}, "also": {},
}

// oppositionWords are matched against raw tokens, oppositionPhrases as
// substrings of the lowercased position.
var oppositionWords = map[string]struct{}{
	"oppose": {}, "opposes": {}, "opposed": {}, "opposing": {},
	"against": {}, "disagree": {}, "disagrees": {}, "disagreed": {},
	"reject": {}, "rejects": {}, "rejected": {}, "object": {},
	"objects": {}, "objected": {}, "objection": {}, "refuse": {},
	"refuses": {}, "refused": {}, "veto": {}, "vetoed": {},
}

var oppositionPhrases = []string{
	"bad idea",
	"not support",
	"cannot accept",
	"can't accept",
	"too risky",
}

// tokenize lowercases s and splits it on any non-alphanumeric rune.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// contentWords returns the set of tokens left after stop-word removal.
func contentWords(s string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, tok := range tokenize(s) {
		if _, skip := stopWords[tok]; skip {
			continue
		}
		words[tok] = struct{}{}
	}
	return words
}

// jaccard is intersection over union of two word sets. An empty union
// yields zero: empty text carries no agreement signal.
func jaccard(a, b map[string]struct{}) float64 {
	common := 0
	for w := range a {
		if _, ok := b[w]; ok {
			common++
		}
	}
	union := len(a) + len(b) - common
	if union == 0 {
		return 0
	}
	return float64(common) / float64(union)
}

// alignment measures how much of the proposal's vocabulary a position
// covers. A longer position is not penalized for explaining itself.
func alignment(position, proposal map[string]struct{}) float64 {
	if len(proposal) == 0 {
		return 0
	}
	common := 0
	for w := range position {
		if _, ok := proposal[w]; ok {
			common++
		}
	}
	return float64(common) / float64(len(proposal))
}

// hasOppositionMarker reports whether a position pushes back on the
// proposal in so many words.
func hasOppositionMarker(position string) bool {
	lower := strings.ToLower(position)
	for _, phrase := range oppositionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	for _, tok := range tokenize(position) {
		if _, ok := oppositionWords[tok]; ok {
			return true
		}
	}
	return false
}
