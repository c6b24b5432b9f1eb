// Package search turns submitted text into candidate source URLs: phrase
// extraction picks distinctive sentences, then a provider chain resolves
// them to web hits.
package search

import (
	"regexp"
	"slices"
	"sort"
	"strings"
)

var (
	sentenceDelims = regexp.MustCompile(`[.!?]+`)
	wordPattern    = regexp.MustCompile(`\b\w{4,}\b`)
)

const (
	minPhraseChars = 20
	minPhraseWords = 3
	fallbackChars  = 100
)

// ExtractPhrases picks up to max sentences whose vocabulary makes them
// effective plagiarism queries: many distinct words, with longer (more
// field-specific) words weighted up. Results come back highest-scored
// first; when too few sentences qualify the remainder is padded in
// document order. Text with no usable sentence falls back to its first
// 100 characters.
func ExtractPhrases(text string, max int) []string {
	if max <= 0 {
		max = 2
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	var sentences []string
	for _, raw := range sentenceDelims.Split(trimmed, -1) {
		s := strings.TrimSpace(raw)
		if len(s) > minPhraseChars {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		runes := []rune(trimmed)
		if len(runes) > fallbackChars {
			runes = runes[:fallbackChars]
		}
		return []string{string(runes)}
	}

	type scored struct {
		sentence string
		score    float64
	}
	ranked := make([]scored, 0, len(sentences))
	for _, sentence := range sentences {
		words := wordPattern.FindAllString(strings.ToLower(sentence), -1)
		if len(words) < minPhraseWords {
			continue
		}
		distinct := make(map[string]struct{}, len(words))
		total := 0
		for _, w := range words {
			distinct[w] = struct{}{}
			total += len(w)
		}
		avgLen := float64(total) / float64(len(words))
		ranked = append(ranked, scored{
			sentence: sentence,
			score:    float64(len(distinct)) * (avgLen / 5),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	selected := make([]string, 0, max)
	for _, r := range ranked {
		if len(selected) == max {
			break
		}
		selected = append(selected, r.sentence)
	}
	for _, sentence := range sentences {
		if len(selected) == max {
			break
		}
		if !slices.Contains(selected, sentence) {
			selected = append(selected, sentence)
		}
	}
	return selected
}
