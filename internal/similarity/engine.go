// Package similarity compares submitted text against acquired sources and
// produces a plagiarism percentage, verified matches, and a highlighted
// rendering of the original text.
//
// Comparison runs in three stages. Stage 0 catches verbatim copies by
// normalized containment. Stage 1 corroborates long paragraphs against
// source text. Stage 2 embeds sentences, pairs them by cosine similarity,
// and keeps only candidates that survive lexical verification; embedding
// similarity alone never creates a match.
package similarity

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/puretext/puretext/internal/check"
)

const (
	highlightOpen  = "<span class='highlight'>"
	highlightClose = "</span>"

	timeoutBanner = "<span class='highlight-warning'>Analysis timed out. " +
		"The text may contain plagiarized content.</span><br><br>"
)

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes the comparison stages.
type Config struct {
	// Threshold is the cosine score a candidate pair must reach.
	Threshold float64
	// EncyclopediaThreshold replaces Threshold for wikipedia.org hosts.
	EncyclopediaThreshold float64
	// MaxSentences caps the sentences considered per document.
	MaxSentences int
	// MinSentenceLength drops shorter sentences, in runes.
	MinSentenceLength int
	// MinContainmentLength gates the whole-text containment stage.
	MinContainmentLength int
	// ParagraphMinLength gates paragraphs entering corroboration.
	ParagraphMinLength int
	// ParagraphRatio is the corroborated fraction that short-circuits.
	ParagraphRatio float64
	// WordOverlapRatio verifies a candidate by shared distinct words.
	WordOverlapRatio float64
	// LCSMinChars and LCSFraction verify a candidate by the longest
	// common substring: max(LCSMinChars, LCSFraction x shorter length).
	LCSMinChars int
	LCSFraction float64
	// SnapPercentage snaps higher percentages to 100.
	SnapPercentage float64
	// Timeout bounds one whole comparison.
	Timeout time.Duration
}

func (c Config) normalize() Config {
	if c.Threshold <= 0 {
		c.Threshold = 0.65
	}
	if c.EncyclopediaThreshold <= 0 {
		c.EncyclopediaThreshold = 0.60
	}
	if c.MaxSentences <= 0 {
		c.MaxSentences = 500
	}
	if c.MinSentenceLength <= 0 {
		c.MinSentenceLength = 20
	}
	if c.MinContainmentLength <= 0 {
		c.MinContainmentLength = 100
	}
	if c.ParagraphMinLength <= 0 {
		c.ParagraphMinLength = 150
	}
	if c.ParagraphRatio <= 0 {
		c.ParagraphRatio = 0.8
	}
	if c.WordOverlapRatio <= 0 {
		c.WordOverlapRatio = 0.70
	}
	if c.LCSMinChars <= 0 {
		c.LCSMinChars = 40
	}
	if c.LCSFraction <= 0 {
		c.LCSFraction = 0.5
	}
	if c.SnapPercentage <= 0 {
		c.SnapPercentage = 95
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Engine runs the staged comparison.
type Engine struct {
	cfg      Config
	embedder Embedder
	logger   *zap.Logger
}

// New builds an Engine, filling zero Config fields with defaults.
func New(cfg Config, embedder Embedder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg.normalize(), embedder: embedder, logger: logger}
}

// Compare scores text against sources. Sources without text are ignored;
// no usable source yields a zero result. The whole comparison runs under
// the configured timeout, expiry produces a degraded result rather than
// an error. Only embedding failures return an error.
func (e *Engine) Compare(ctx context.Context, text string, sources []check.Source) (check.Result, error) {
	if strings.TrimSpace(text) == "" {
		return passthroughResult(text), nil
	}
	usable := make([]check.Source, 0, len(sources))
	for _, src := range sources {
		if strings.TrimSpace(src.Text) != "" {
			usable = append(usable, src)
		}
	}
	if len(usable) == 0 {
		return passthroughResult(text), nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	started := time.Now()

	result, err := e.run(ctx, text, usable)
	if err != nil {
		if ctx.Err() != nil {
			e.logger.Warn("comparison deadline exhausted, returning degraded result",
				zap.Duration("after", time.Since(started)),
				zap.Int("sources", len(usable)))
			return timedOutResult(text), nil
		}
		return check.Result{}, err
	}

	e.logger.Debug("comparison finished",
		zap.Float64("percentage", result.Percentage),
		zap.Int("matches", len(result.Matches)),
		zap.Duration("took", time.Since(started)))
	return result, nil
}

func (e *Engine) run(ctx context.Context, text string, sources []check.Source) (check.Result, error) {
	if result, ok := e.exactContainment(text, sources); ok {
		e.logger.Debug("verbatim copy short-circuit",
			zap.String("source", result.Matches[0].SourceURL))
		return result, nil
	}
	if result, ok := e.paragraphCorroboration(text, sources); ok {
		e.logger.Debug("paragraph corroboration short-circuit",
			zap.Int("paragraphs", len(result.Matches)))
		return result, nil
	}
	return e.sentenceComparison(ctx, text, sources)
}

// exactContainment checks both normalization strengths in both
// directions. Only texts past the containment length gate participate.
func (e *Engine) exactContainment(text string, sources []check.Source) (check.Result, bool) {
	origModerate := NormalizeModerate(text)
	if utf8.RuneCountInString(origModerate) <= e.cfg.MinContainmentLength {
		return check.Result{}, false
	}
	origAggressive := NormalizeAggressive(text)

	for _, src := range sources {
		srcModerate := NormalizeModerate(src.Text)
		if utf8.RuneCountInString(srcModerate) <= e.cfg.MinContainmentLength {
			continue
		}
		if contained(origModerate, srcModerate) ||
			contained(origAggressive, NormalizeAggressive(src.Text)) {
			return wholeTextResult(text, src.URL), true
		}
	}
	return check.Result{}, false
}

func (e *Engine) paragraphCorroboration(text string, sources []check.Source) (check.Result, bool) {
	var considered []string
	for _, p := range splitParagraphs(text) {
		if utf8.RuneCountInString(p) >= e.cfg.ParagraphMinLength {
			considered = append(considered, p)
		}
	}
	if len(considered) == 0 {
		return check.Result{}, false
	}

	normalized := make([]string, len(sources))
	for i, src := range sources {
		normalized[i] = NormalizeModerate(src.Text)
	}

	var matches []check.Match
	for _, p := range considered {
		needle := NormalizeModerate(p)
		for i, hay := range normalized {
			if hay == "" || !strings.Contains(hay, needle) {
				continue
			}
			matches = append(matches, check.Match{
				TextSnippet:     snippetOf(p),
				SourceURL:       sources[i].URL,
				SimilarityScore: 100,
				Verified:        true,
			})
			break
		}
	}
	if float64(len(matches))/float64(len(considered)) <= e.cfg.ParagraphRatio {
		return check.Result{}, false
	}
	return check.Result{
		Percentage:  100,
		Matches:     matches,
		Highlighted: highlightOpen + text + highlightClose,
	}, true
}

func (e *Engine) sentenceComparison(ctx context.Context, text string, sources []check.Source) (check.Result, error) {
	sentences := prepare(SplitSentences(text), e.cfg.MinSentenceLength, e.cfg.MaxSentences)
	if len(sentences) == 0 {
		return passthroughResult(text), nil
	}

	originalVecs, err := e.embedder.EmbedBatch(ctx, sentences)
	if err != nil {
		return check.Result{}, fmt.Errorf("embed original sentences: %w", err)
	}

	matched := make([]bool, len(sentences))
	matches := []check.Match{}

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return check.Result{}, err
		}
		srcSentences := prepare(SplitSentences(src.Text), e.cfg.MinSentenceLength, e.cfg.MaxSentences)
		if len(srcSentences) == 0 {
			continue
		}
		srcVecs, err := e.embedder.EmbedBatch(ctx, srcSentences)
		if err != nil {
			return check.Result{}, fmt.Errorf("embed source %s: %w", src.URL, err)
		}

		threshold := e.cfg.Threshold
		if isEncyclopedia(src.URL) {
			threshold = e.cfg.EncyclopediaThreshold
		}

		for i, sentence := range sentences {
			if matched[i] {
				continue
			}
			bestIdx, bestScore := -1, 0.0
			for j := range srcVecs {
				if score := cosine(originalVecs[i], srcVecs[j]); score > bestScore {
					bestScore, bestIdx = score, j
				}
			}
			if bestIdx < 0 || bestScore < threshold {
				continue
			}
			if !e.verified(sentence, srcSentences[bestIdx]) {
				continue
			}
			matched[i] = true
			matches = append(matches, check.Match{
				TextSnippet:     sentence,
				SourceURL:       src.URL,
				SimilarityScore: round1(bestScore * 100),
				Verified:        true,
			})
		}
	}

	totalRunes, matchedRunes := 0, 0
	var matchedSnippets []string
	for i, s := range sentences {
		n := utf8.RuneCountInString(s)
		totalRunes += n
		if matched[i] {
			matchedRunes += n
			matchedSnippets = append(matchedSnippets, s)
		}
	}
	percentage := round1(float64(matchedRunes) / float64(totalRunes) * 100)
	if percentage > e.cfg.SnapPercentage {
		percentage = 100
	}

	return check.Result{
		Percentage:  percentage,
		Matches:     matches,
		Highlighted: highlight(text, matchedSnippets),
	}, nil
}

// verified applies the lexical checks that turn a cosine candidate into a
// match: containment, distinct-word overlap, or a long common substring.
func (e *Engine) verified(original, candidate string) bool {
	no, nc := NormalizeModerate(original), NormalizeModerate(candidate)
	if no == "" || nc == "" {
		return false
	}
	if contained(no, nc) {
		return true
	}

	originalWords := distinctWords(no)
	if len(originalWords) > 0 {
		candidateWords := distinctWords(nc)
		shared := 0
		for w := range originalWords {
			if candidateWords[w] {
				shared++
			}
		}
		if float64(shared)/float64(len(originalWords)) >= e.cfg.WordOverlapRatio {
			return true
		}
	}

	shorter := min(utf8.RuneCountInString(no), utf8.RuneCountInString(nc))
	need := max(e.cfg.LCSMinChars, int(e.cfg.LCSFraction*float64(shorter)))
	return longestCommonSubstring(no, nc) >= need
}

// highlight wraps the first occurrence of each snippet. Insertions run in
// descending position order so earlier offsets stay valid. Overlapping
// spans are kept as-is, not merged.
func highlight(text string, snippets []string) string {
	type span struct{ start, end int }
	spans := make([]span, 0, len(snippets))
	for _, s := range snippets {
		if idx := strings.Index(text, s); idx >= 0 {
			spans = append(spans, span{start: idx, end: idx + len(s)})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start > spans[j].start })

	out := text
	for _, sp := range spans {
		out = out[:sp.end] + highlightClose + out[sp.end:]
		out = out[:sp.start] + highlightOpen + out[sp.start:]
	}
	return out
}

func contained(a, b string) bool {
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func isEncyclopedia(rawURL string) bool {
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		return strings.Contains(strings.ToLower(u.Hostname()), "wikipedia.org")
	}
	return strings.Contains(strings.ToLower(rawURL), "wikipedia.org")
}

// cosine returns the similarity of two vectors clamped to [0, 1].
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Min(1, math.Max(0, score))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func snippetOf(text string) string {
	const maxRunes = 200
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes]) + "..."
}

func wholeTextResult(text, sourceURL string) check.Result {
	return check.Result{
		Percentage: 100,
		Matches: []check.Match{{
			TextSnippet:     snippetOf(text),
			SourceURL:       sourceURL,
			SimilarityScore: 100,
			Verified:        true,
		}},
		Highlighted: highlightOpen + text + highlightClose,
	}
}

func passthroughResult(text string) check.Result {
	return check.Result{Percentage: 0, Matches: []check.Match{}, Highlighted: text}
}

func timedOutResult(text string) check.Result {
	return check.Result{
		Percentage: 50.0,
		Matches: []check.Match{{
			TextSnippet:     "Analysis timed out",
			SourceURL:       "",
			SimilarityScore: 80,
		}},
		Highlighted: timeoutBanner + text,
		Degraded:    true,
	}
}
