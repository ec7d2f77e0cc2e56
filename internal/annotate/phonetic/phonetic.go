// Package phonetic aligns transcript text with a reference vocabulary of
// known terms (people, places, product names) that speech recognition tends
// to mishear.
//
// Latin-script spans are matched in two stages. Double Metaphone codes select
// phonetic candidates, and Jaro-Winkler similarity ranks them against a
// threshold. When no phonetic candidate exists, a stricter pure Jaro-Winkler
// pass is tried. Han-script terms are matched by edit distance over windows
// of the same length, which catches single-character homophone substitutions
// such as 张三峰 for 张三丰.
package phonetic

import (
	"sort"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultMinHanRunes       = 3
	maxNGram                 = 3
	minLatinRunes            = 3
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matched term. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// candidate exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// WithMinHanRunes sets the shortest Han term eligible for one-edit
// correction. Shorter terms are too ambiguous. Default: 3.
func WithMinHanRunes(n int) Option {
	return func(m *Matcher) { m.minHanRunes = n }
}

// Matcher matches transcript spans against reference terms. It is read-only
// after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	minHanRunes       int
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minHanRunes:       defaultMinHanRunes,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Replacement records one substitution made by [Matcher.Align].
type Replacement struct {
	Original   string
	Term       string
	Confidence float64
}

// Match finds the term most similar to phrase, which may be a single word or
// a space-separated n-gram. When matched is false, corrected equals phrase
// and confidence is 0.
func (m *Matcher) Match(phrase string, terms []string) (corrected string, confidence float64, matched bool) {
	if len(terms) == 0 || strings.TrimSpace(phrase) == "" {
		return phrase, 0, false
	}

	lower := strings.ToLower(strings.TrimSpace(phrase))
	tokens := strings.Fields(lower)
	inputCodes := codesForTokens(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, term := range terms {
		termLower := strings.ToLower(strings.TrimSpace(term))
		if termLower == "" {
			continue
		}
		termTokens := strings.Fields(termLower)
		score := bestJWScore(tokens, termTokens, lower, termLower)

		if codesOverlap(inputCodes, codesForTokens(termTokens)) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = term, score, true
			}
		} else if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = term, score
		}
	}

	if best == "" {
		return phrase, 0, false
	}
	return best, bestScore, true
}

// Align rewrites text so spans that sound or look like a reference term use
// the term's canonical spelling. Text without any such span is returned
// unchanged.
func (m *Matcher) Align(text string, terms []string) (string, []Replacement) {
	var latin, han []string
	for _, t := range terms {
		t = strings.TrimSpace(t)
		switch {
		case t == "":
		case containsHan(t):
			if len([]rune(t)) >= m.minHanRunes {
				han = append(han, t)
			}
		default:
			latin = append(latin, t)
		}
	}

	var reps []Replacement
	if len(latin) > 0 {
		var r []Replacement
		text, r = m.alignLatin(text, latin)
		reps = append(reps, r...)
	}
	if len(han) > 0 {
		// Longer terms first so they win over terms they contain.
		sort.SliceStable(han, func(i, j int) bool { return len([]rune(han[i])) > len([]rune(han[j])) })
		for _, term := range han {
			var r []Replacement
			text, r = alignHan(text, term)
			reps = append(reps, r...)
		}
	}
	return text, reps
}

// word is a run of Latin letters, digits or apostrophes, by byte offsets.
type word struct {
	start, end int
}

func latinWords(text string) []word {
	var (
		words []word
		start = -1
	)
	for i, c := range text {
		inWord := (unicode.IsLetter(c) && !unicode.Is(unicode.Han, c)) || unicode.IsDigit(c) || c == '\''
		switch {
		case inWord && start < 0:
			start = i
		case !inWord && start >= 0:
			words = append(words, word{start, i})
			start = -1
		}
	}
	if start >= 0 {
		words = append(words, word{start, len(text)})
	}
	return words
}

func (m *Matcher) alignLatin(text string, terms []string) (string, []Replacement) {
	words := latinWords(text)
	var (
		b    strings.Builder
		reps []Replacement
		last int
	)
	for i := 0; i < len(words); {
		n, term, conf := m.matchAt(text, words, i, terms)
		if n == 0 {
			i++
			continue
		}
		span := text[words[i].start:words[i+n-1].end]
		b.WriteString(text[last:words[i].start])
		b.WriteString(term)
		last = words[i+n-1].end
		reps = append(reps, Replacement{Original: span, Term: term, Confidence: conf})
		i += n
	}
	if len(reps) == 0 {
		return text, nil
	}
	b.WriteString(text[last:])
	return b.String(), reps
}

// matchAt tries the longest n-gram starting at word i first. An n-gram is
// only taken when both its first and last word contribute to the match, so
// neighbouring words are never swallowed. Spans already spelled like the
// term are left alone.
func (m *Matcher) matchAt(text string, words []word, i int, terms []string) (int, string, float64) {
	for n := min(maxNGram, len(words)-i); n >= 1; n-- {
		parts := make([]string, n)
		for k := range n {
			parts[k] = text[words[i+k].start:words[i+k].end]
		}
		phrase := strings.Join(parts, " ")
		if len([]rune(phrase)) < minLatinRunes {
			continue
		}
		term, conf, ok := m.Match(phrase, terms)
		if !ok {
			continue
		}
		score := spanScore(phrase, term)
		if score < m.phoneticThreshold {
			continue
		}
		if n > 1 && (spanScore(strings.Join(parts[1:], " "), term) >= score ||
			spanScore(strings.Join(parts[:n-1], " "), term) >= score) {
			continue
		}
		if strings.EqualFold(phrase, term) {
			return 0, "", 0
		}
		return n, term, conf
	}
	return 0, "", 0
}

// spanScore compares the whole span with the term, ignoring case and
// spaces, so a long n-gram is not replaced just because one of its words
// matches.
func spanScore(phrase, term string) float64 {
	squash := func(s string) string { return strings.ReplaceAll(strings.ToLower(s), " ", "") }
	return matchr.JaroWinkler(squash(phrase), squash(term), false)
}

// alignHan replaces every window of len(term) Han runes that is one edit
// away from term.
func alignHan(text, term string) (string, []Replacement) {
	tr := []rune(term)
	r := []rune(text)
	l := len(tr)
	var reps []Replacement
	for i := 0; i+l <= len(r); i++ {
		window := r[i : i+l]
		if !allHan(window) {
			continue
		}
		w := string(window)
		if w == term {
			i += l - 1
			continue
		}
		if matchr.Levenshtein(w, term) == 1 {
			copy(r[i:i+l], tr)
			reps = append(reps, Replacement{Original: w, Term: term, Confidence: 1 - 1/float64(l)})
			i += l - 1
		}
	}
	if len(reps) == 0 {
		return text, nil
	}
	return string(r), reps
}

func containsHan(s string) bool {
	for _, c := range s {
		if unicode.Is(unicode.Han, c) {
			return true
		}
	}
	return false
}

func allHan(rs []rune) bool {
	for _, c := range rs {
		if !unicode.Is(unicode.Han, c) {
			return false
		}
	}
	return true
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity across the full
// strings, the space-stripped strings, and every token pair.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(termTokens, ""), false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, tt := range termTokens {
			if s := matchr.JaroWinkler(it, tt, false); s > score {
				score = s
			}
		}
	}
	return score
}
