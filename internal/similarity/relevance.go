package similarity

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

var relevanceWord = regexp.MustCompile(`\b\w{4,}\b`)

// Relevance scores how useful a source is as comparison evidence for the
// original text, on a 0-100 scale. Distinct four-plus-letter word overlap
// is damped by a length factor that prefers concise sources.
func Relevance(original, content string) float64 {
	originalWords := keywordSet(original)
	if len(originalWords) == 0 {
		return 0
	}
	shared := 0
	for w := range keywordSet(content) {
		if originalWords[w] {
			shared++
		}
	}
	if shared == 0 {
		return 0
	}
	overlap := float64(shared) / float64(len(originalWords))
	length := float64(utf8.RuneCountInString(content))
	factor := math.Min(1, 5000/math.Max(500, length))
	return overlap * factor * 100
}

func keywordSet(text string) map[string]bool {
	words := relevanceWord.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
