// Package moderation provides content filtering for chat messages. Messages
// are delivered first and reviewed asynchronously: the filter flags blocked
// keywords and spam patterns, and the reviewer turns flags into records and
// escalating bans.
package moderation

import (
	"strings"
	"unicode"
)

// Reasons reported in FilterResult.Reason.
const (
	ReasonBlockedKeyword = "blocked_keyword"
	ReasonSpamPattern    = "spam_pattern"
)

// defaultTerms is the built-in blocklist. Multi-word entries are matched as
// consecutive tokens.
var defaultTerms = []string{
	// harassment
	"kill yourself", "kys", "go die", "die in a fire",
	// sexual solicitation
	"send nudes", "child porn", "cp links",
	// extremism and threats
	"heil hitler", "bomb threat", "school shooting",
	// scams
	"free bitcoin", "crypto giveaway", "double your money", "cash app me",
}

// leetMap maps common character substitutions back to letters.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// FilterResult is the outcome of a Check.
type FilterResult struct {
	Blocked bool
	Reason  string // ReasonBlockedKeyword or ReasonSpamPattern
	Term    string // matched term or spam check name
}

// Filter matches text against a keyword blocklist and spam patterns. It is
// immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{} // single-token terms
	phrases [][]string          // multi-token terms
}

// NewFilter creates a Filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter for the given terms. Blank terms are
// ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check screens text. Keywords take priority over spam patterns.
func (f *Filter) Check(text string) FilterResult {
	lower := strings.ToLower(text)

	if term, ok := f.matchTokens(tokenizePlain(lower)); ok {
		return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: term}
	}

	leet := tokenizeLeet(lower)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}
	if term, ok := f.matchTokens(leet); ok {
		return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: term}
	}

	return f.checkSpam(text)
}

func (f *Filter) matchTokens(tokens []string) (string, bool) {
	for i, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
		for _, phrase := range f.phrases {
			if hasPhraseAt(tokens, i, phrase) {
				return strings.Join(phrase, " "), true
			}
		}
	}
	return "", false
}

func hasPhraseAt(tokens []string, i int, phrase []string) bool {
	if i+len(phrase) > len(tokens) {
		return false
	}
	for j, p := range phrase {
		if tokens[i+j] != p {
			return false
		}
	}
	return true
}

// tokenizePlain splits text on anything that is not a letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits text on whitespace only, keeping substitution
// characters such as @ and $ inside tokens.
func tokenizeLeet(text string) []string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// normalizeLeet maps substitution characters back to letters.
func normalizeLeet(token string) string {
	return strings.Map(func(r rune) rune {
		if m, ok := leetMap[r]; ok {
			return m
		}
		return r
	}, token)
}
