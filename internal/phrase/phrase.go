// Package phrase detects spoken control phrases such as "goodbye" in a
// transcript, tolerating the misspellings speech recognition produces.
//
// Matching runs in two stages. Double Metaphone codes of every phrase token
// must be present in the transcript window being compared; candidates that
// pass are ranked by Jaro-Winkler similarity and accepted above the phonetic
// threshold (default 0.70). Windows without phonetic overlap may still match
// on pure Jaro-Winkler similarity above the fuzzy threshold (default 0.85).
//
// A phrase only matches when it makes up most of the utterance: the
// transcript may carry at most [WithSlack] extra words around it, so "bye"
// ends a conversation while "say bye to the neighbours for me" does not.
package phrase

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultSlack             = 2
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically aligned window. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for windows with no
// phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// WithSlack sets how many words besides the phrase an utterance may contain.
// Default: 2.
func WithSlack(n int) Option {
	return func(m *Matcher) { m.slack = max(n, 0) }
}

type entry struct {
	phrase string
	tokens []string
	codes  []map[string]struct{}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	entries           []entry
	phoneticThreshold float64
	fuzzyThreshold    float64
	slack             int
}

// New returns a Matcher for phrases. Blank phrases are ignored; a Matcher
// with no phrases never matches.
func New(phrases []string, opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		slack:             defaultSlack,
	}
	for _, o := range opts {
		o(m)
	}
	for _, p := range phrases {
		tokens := tokenize(p)
		if len(tokens) == 0 {
			continue
		}
		e := entry{phrase: p, tokens: tokens}
		for _, t := range tokens {
			e.codes = append(e.codes, codes(t))
		}
		m.entries = append(m.entries, e)
	}
	return m
}

// Len returns the number of usable phrases.
func (m *Matcher) Len() int { return len(m.entries) }

// Match reports whether text contains one of the configured phrases and
// returns the best matching phrase as configured.
func (m *Matcher) Match(text string) (string, bool) {
	tokens := tokenize(text)
	if len(tokens) == 0 || len(m.entries) == 0 {
		return "", false
	}

	var (
		best      string
		bestScore float64
		phonetic  bool
	)
	consider := func(e entry, window []string) {
		joined, want := strings.Join(window, ""), strings.Join(e.tokens, "")
		if !closeLength(joined, want) {
			return
		}
		score := similarity(window, e.tokens)
		if len(window) == len(e.tokens) && aligned(window, e.codes) {
			if score >= m.phoneticThreshold && (!phonetic || score > bestScore) {
				best, bestScore, phonetic = e.phrase, score, true
			}
			return
		}
		if !phonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = e.phrase, score
		}
	}

	for _, e := range m.entries {
		n := len(e.tokens)
		if len(tokens) > n+m.slack {
			continue
		}
		// n+1 windows catch a phrase the recogniser split in two ("good bye").
		for size := n; size <= n+1; size++ {
			for i := 0; i+size <= len(tokens); i++ {
				consider(e, tokens[i:i+size])
			}
		}
	}
	return best, best != ""
}

// tokenize lowercases s and splits it into words, dropping punctuation.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// codes returns the Double Metaphone codes of a single token. Empty codes
// (tokens without consonants) are excluded.
func codes(token string) map[string]struct{} {
	out := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(token)
	if p != "" {
		out[p] = struct{}{}
	}
	if s != "" {
		out[s] = struct{}{}
	}
	return out
}

// aligned reports whether every phrase token shares a phonetic code with the
// window token at the same position. Tokens without codes align with
// anything.
func aligned(window []string, phraseCodes []map[string]struct{}) bool {
	for i, want := range phraseCodes {
		if len(want) == 0 {
			continue
		}
		got := codes(window[i])
		ok := false
		for c := range got {
			if _, hit := want[c]; hit {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// closeLength rejects windows whose letters differ in length from the phrase
// by more than a third, so a bare "good" never reads as "goodbye".
func closeLength(a, b string) bool {
	d := len(a) - len(b)
	if d < 0 {
		d = -d
	}
	return d*3 <= max(len(a), len(b))
}

// similarity is the larger of the Jaro-Winkler score on the space-joined and
// on the concatenated forms, so "good bye" still scores against "goodbye".
func similarity(window, phrase []string) float64 {
	score := matchr.JaroWinkler(strings.Join(window, " "), strings.Join(phrase, " "), false)
	if s := matchr.JaroWinkler(strings.Join(window, ""), strings.Join(phrase, ""), false); s > score {
		score = s
	}
	return score
}
