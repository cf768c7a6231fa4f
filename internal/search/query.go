package search

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxQueryLength bounds the characters a query may carry before search is refused.
const MaxQueryLength = 512

// parsedQuery splits raw input into the positive text and the literal
// negative tokens (those written as -token).
type parsedQuery struct {
	Positive  string
	Negatives []string
}

func parseQuery(raw string) parsedQuery {
	var q parsedQuery
	var positive []string
	for _, token := range strings.Fields(raw) {
		if strings.HasPrefix(token, "-") {
			if neg := strings.TrimPrefix(token, "-"); neg != "" {
				q.Negatives = append(q.Negatives, strings.ToLower(neg))
			}
			continue
		}
		positive = append(positive, token)
	}
	q.Positive = strings.Join(positive, " ")
	return q
}

// empty holds for blank input and for lone dashes.
func (q parsedQuery) empty() bool {
	return q.Positive == "" && len(q.Negatives) == 0
}

// excluded reports whether label or text contains any negative token.
func (q parsedQuery) excluded(c Candidate) bool {
	if len(q.Negatives) == 0 {
		return false
	}
	label := strings.ToLower(c.Label)
	text := strings.ToLower(c.ContentText)
	for _, neg := range q.Negatives {
		if strings.Contains(label, neg) || strings.Contains(text, neg) {
			return true
		}
	}
	return false
}

// tokenize lowercases and splits on whitespace and punctuation.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

func queryTooLong(raw string) bool {
	return utf8.RuneCountInString(raw) > MaxQueryLength
}
