package search

import (
	"strings"
	"unicode"
)

// tokenize lowercases s and splits it on any non-letter, non-digit rune.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// lexicalScore is a TF-style overlap signal in [0,1]: the fraction of query
// terms present in the document, each term weighted up by its frequency in
// the document (diminishing, capped so a single repeated term cannot
// saturate the score). Title matches count double.
func lexicalScore(queryTerms []string, title, body string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}

	freq := make(map[string]float64)
	for _, t := range tokenize(body) {
		freq[t]++
	}
	for _, t := range tokenize(title) {
		freq[t] += 2
	}
	if len(freq) == 0 {
		return 0
	}

	var matched float64
	for _, q := range queryTerms {
		f := freq[q]
		if f <= 0 {
			continue
		}
		// 1 + log-ish dampening, normalized to at most 1 per term.
		w := f / (f + 2)
		matched += 0.5 + 0.5*w
	}
	score := matched / float64(len(queryTerms))
	if score > 1 {
		score = 1
	}
	return score
}
