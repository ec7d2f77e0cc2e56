package pipeline

import (
	"slices"
	"strings"
	"unicode"
)

const (
	minRepeatRunes = 2
	maxRepeatRunes = 12
)

// Collapse removes immediate repetitions of short phrases, a common artifact
// of streaming recognition: "你好你好你好" becomes "你好" and
// "okay, okay, " becomes "okay, ". A phrase of 2 to 12 runes qualifies when
// it contains a Han rune or ends in whitespace or punctuation; phrases made
// only of digits are never touched, so "1212" stays as is. Longer phrases are
// preferred over shorter ones at the same position.
func Collapse(text string) string {
	r := []rune(text)
	n := len(r)
	if n < 2*minRepeatRunes {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < n; {
		l := repeatAt(r, i)
		if l == 0 {
			b.WriteRune(r[i])
			i++
			continue
		}
		b.WriteString(string(r[i : i+l]))
		i += l
		for i+l <= n && slices.Equal(r[i-l:i], r[i:i+l]) {
			i += l
		}
	}
	return b.String()
}

// repeatAt returns the length of the longest qualifying phrase starting at i
// that is immediately repeated, or 0.
func repeatAt(r []rune, i int) int {
	for l := min(maxRepeatRunes, (len(r)-i)/2); l >= minRepeatRunes; l-- {
		phrase := r[i : i+l]
		if !slices.Equal(phrase, r[i+l:i+2*l]) {
			continue
		}
		if collapsible(phrase) && (i == 0 || hasHan(phrase) || isBoundary(r[i-1])) {
			return l
		}
	}
	return 0
}

func collapsible(phrase []rune) bool {
	if digitsOnly(phrase) {
		return false
	}
	return hasHan(phrase) || isBoundary(phrase[len(phrase)-1])
}

func hasHan(phrase []rune) bool {
	for _, c := range phrase {
		if unicode.Is(unicode.Han, c) {
			return true
		}
	}
	return false
}

func digitsOnly(phrase []rune) bool {
	digits := 0
	for _, c := range phrase {
		switch {
		case unicode.IsDigit(c):
			digits++
		case !isBoundary(c):
			return false
		}
	}
	return digits > 0
}

func isBoundary(c rune) bool {
	return unicode.IsSpace(c) || unicode.IsPunct(c)
}
