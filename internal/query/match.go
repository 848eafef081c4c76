package query

import (
	"strings"
	"unicode/utf8"
)

const (
	// wordStartBonus rewards description matches that begin a word.
	wordStartBonus = 10
	// maxGapPenalty bounds how far a scattered description match can sink,
	// keeping it clear of descriptionOnlyPenalty.
	maxGapPenalty = 500
)

// subsequence reports whether pat occurs in text as a subsequence. Both are
// expected in lower case.
func subsequence(text, pat string) bool {
	_, _, ok := matchSpan(text, pat)
	return ok
}

// matchSpan greedily matches pat against text from the left and returns the
// byte offsets of the first and one past the last matched character.
func matchSpan(text, pat string) (start, end int, ok bool) {
	if pat == "" {
		return 0, 0, true
	}
	if isASCII(pat) {
		// ASCII bytes never occur inside a multi-byte sequence, so matching
		// bytes is exact.
		j := 0
		for i := 0; i < len(text); i++ {
			if text[i] != pat[j] {
				continue
			}
			if j == 0 {
				start = i
			}
			j++
			if j == len(pat) {
				return start, i + 1, true
			}
		}
		return 0, 0, false
	}

	want := []rune(pat)
	j := 0
	for i, r := range text {
		if r != want[j] {
			continue
		}
		if j == 0 {
			start = i
		}
		j++
		if j == len(want) {
			return start, i + utf8.RuneLen(r), true
		}
	}
	return 0, 0, false
}

// descriptionScore rates how well tok matches a lowercase description:
// contiguous beats scattered, and a match that starts a word gets a bonus.
func descriptionScore(desc, tok string) (int, bool) {
	start, end := strings.Index(desc, tok), 0
	if start >= 0 {
		end = start + len(tok)
	} else {
		var ok bool
		if start, end, ok = matchSpan(desc, tok); !ok {
			return 0, false
		}
	}
	score := -min(end-start-len(tok), maxGapPenalty)
	if start == 0 || !isWordByte(desc[start-1]) {
		score += wordStartBonus
	}
	return score, true
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b >= utf8.RuneSelf
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
