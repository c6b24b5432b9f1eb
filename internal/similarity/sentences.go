package similarity

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	sentenceBreak  = regexp.MustCompile(`[.!?]+\s+`)
	naiveBreak     = regexp.MustCompile(`[.!?]+`)
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
)

// SplitSentences breaks text on terminal punctuation followed by
// whitespace, keeping the punctuation with its sentence. Breaks after
// abbreviation shapes ("e.g.", "Dr.") are vetoed. Text whose terminators
// carry no trailing whitespace falls back to a coarse split.
func SplitSentences(text string) []string {
	var sentences []string
	start := 0
	for _, loc := range sentenceBreak.FindAllStringIndex(text, -1) {
		punctEnd := loc[0]
		for punctEnd < loc[1] && isTerminator(text[punctEnd]) {
			punctEnd++
		}
		if isAbbreviationTail(text[:punctEnd]) {
			continue
		}
		if s := strings.TrimSpace(text[start:punctEnd]); s != "" {
			sentences = append(sentences, s)
		}
		start = loc[1]
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}

	if len(sentences) > 1 {
		return sentences
	}
	var coarse []string
	for _, part := range naiveBreak.Split(text, -1) {
		if s := strings.TrimSpace(part); s != "" {
			coarse = append(coarse, s)
		}
	}
	if len(coarse) > len(sentences) {
		return coarse
	}
	return sentences
}

func isTerminator(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

// isAbbreviationTail reports whether prefix ends in a dotted-letter run
// ("e.g.", "U.S.") or a title ("Dr.", "Mr.").
func isAbbreviationTail(prefix string) bool {
	r := []rune(prefix)
	n := len(r)
	if n >= 4 && isWordRune(r[n-4]) && r[n-3] == '.' && isWordRune(r[n-2]) && r[n-1] == '.' {
		return true
	}
	if n >= 3 && unicode.IsUpper(r[n-3]) && unicode.IsLower(r[n-2]) && r[n-1] == '.' {
		return true
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func splitParagraphs(text string) []string {
	var paragraphs []string
	for _, part := range paragraphBreak.Split(text, -1) {
		if p := strings.TrimSpace(part); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return paragraphs
}

// prepare trims, drops sentences below minLen runes, and caps the list.
func prepare(sentences []string, minLen, limit int) []string {
	kept := make([]string, 0, len(sentences))
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if utf8.RuneCountInString(s) < minLen {
			continue
		}
		kept = append(kept, s)
		if len(kept) == limit {
			break
		}
	}
	return kept
}
