// Package tokenizer turns document text into index tokens. It lower-cases
// input, splits on non-alphanumeric boundaries, drops stop-words and very
// long words, and applies a simple suffix-based stemmer.
package tokenizer

import (
	"strings"
	"unicode"
)

// MaxTokenLength is the longest word, in bytes, that becomes a token.
const MaxTokenLength = 64

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
}

type suffixRule struct {
	suffix      string
	replacement string
	minLen      int
}

// Longest suffixes first; the first matching rule wins.
var suffixRules = []suffixRule{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"encies", "ence", 2},
	{"ances", "ance", 2},
	{"ments", "ment", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"tion", "t", 3},
	{"sion", "s", 3},
	{"ying", "y", 2},
	{"ies", "y", 2},
	{"ing", "", 3},
	{"ers", "er", 2},
	{"ful", "", 3},
	{"ed", "", 3},
	{"ly", "", 3},
	{"es", "", 3},
	{"ss", "ss", 2},
	{"s", "", 3},
}

// Token is one normalised term and its word position in the source text.
// Positions count every word, including dropped ones, so they stay stable
// if the stop-word list changes.
type Token struct {
	Term     string
	Position uint32
}

// Group is a term together with every position it occurs at.
type Group struct {
	Term      string
	Positions []uint32
}

// Tokenize breaks text into stemmed, lower-cased tokens.
func Tokenize(text string) []Token {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]Token, 0, len(words)/2)
	for pos, word := range words {
		term, ok := Normalize(word)
		if !ok {
			continue
		}
		tokens = append(tokens, Token{Term: term, Position: uint32(pos)})
	}
	return tokens
}

// Normalize applies the per-word rules of Tokenize to a single word. It
// reports false for words that never become tokens.
func Normalize(word string) (string, bool) {
	word = strings.ToLower(word)
	if len(word) < 2 || len(word) > MaxTokenLength {
		return "", false
	}
	if _, isStop := stopWords[word]; isStop {
		return "", false
	}
	term := stem(word)
	return term, term != ""
}

// GroupByTerm collects positions per term, keeping terms in the order they
// first appear.
func GroupByTerm(tokens []Token) []Group {
	index := make(map[string]int, len(tokens))
	var groups []Group
	for _, tok := range tokens {
		i, ok := index[tok.Term]
		if !ok {
			i = len(groups)
			index[tok.Term] = i
			groups = append(groups, Group{Term: tok.Term})
		}
		groups[i].Positions = append(groups[i].Positions, tok.Position)
	}
	return groups
}

func stem(word string) string {
	for _, rule := range suffixRules {
		if !strings.HasSuffix(word, rule.suffix) {
			continue
		}
		if stemmed := word[:len(word)-len(rule.suffix)] + rule.replacement; len(stemmed) >= rule.minLen {
			return stemmed
		}
	}
	return word
}
