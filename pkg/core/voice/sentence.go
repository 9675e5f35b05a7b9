// Package voice prepares prompt text for speech synthesis.
package voice

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const arabicQuestionMark = '؟'

// SplitSentences breaks prompt text into sentence-sized chunks so synthesis
// can start streaming before the whole prompt is rendered. Arabic and Latin
// terminators are both recognized; a trailing fragment without a terminator
// becomes the final chunk.
func SplitSentences(text string) []string {
	var sentences []string
	last := 0
	for i, r := range text {
		if !isTerminator(r) {
			continue
		}
		if r == '.' && isAbbreviation(text, i) {
			continue
		}
		end := i + utf8.RuneLen(r)
		if next, size := utf8.DecodeRuneInString(text[end:]); size > 0 && !unicode.IsSpace(next) {
			continue
		}
		if s := strings.TrimSpace(text[last:end]); s != "" {
			sentences = append(sentences, s)
		}
		last = end
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == arabicQuestionMark
}

var abbreviations = []string{
	"Dr.", "Mr.", "Mrs.", "Ms.", "Prof.", "St.",
	"i.e.", "e.g.", "etc.", "a.m.", "p.m.",
}

// isAbbreviation reports whether the period at byte offset i ends a known
// English abbreviation or a single initial, as in "Dr." or "J.".
func isAbbreviation(text string, i int) bool {
	start := i
	for start > 0 && !isSpaceByte(text[start-1]) {
		start--
	}
	word := text[start : i+1]
	for _, abbr := range abbreviations {
		if strings.EqualFold(word, abbr) {
			return true
		}
	}
	first, _ := utf8.DecodeRuneInString(word)
	return utf8.RuneCountInString(word) == 2 && unicode.IsUpper(first)
}

func isSpaceByte(b byte) bool {
	switch b {
	case ' ', '\n', '\r', '\t':
		return true
	}
	return false
}
