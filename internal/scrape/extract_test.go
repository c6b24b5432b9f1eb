package scrape

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractContentPrefersMainSelectors(t *testing.T) {
	t.Parallel()

	article := strings.Repeat("The study of migratory birds reveals seasonal patterns. ", 6)
	html := `<html><head><title>Bird Migration</title></head><body>
		<nav>Home | About | Contact with enough text to matter here</nav>
		<article>` + article + `<script>var tracking = true;</script></article>
		<footer>Site footer text</footer>
	</body></html>`

	got, err := ExtractContent(html, false)
	require.NoError(t, err)
	require.Equal(t, "Bird Migration", got.Title)
	require.Contains(t, got.Text, "migratory birds")
	require.NotContains(t, got.Text, "tracking")
	require.NotContains(t, got.Text, "Site footer")
}

func TestExtractContentSkipsTinyCandidates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("Substantial content lives in the second container on this page. ", 5)
	html := `<html><body>
		<article>short stub</article>
		<main>` + long + `</main>
	</body></html>`

	got, err := ExtractContent(html, false)
	require.NoError(t, err)
	require.Contains(t, got.Text, "second container")
}

func TestExtractContentParagraphFallback(t *testing.T) {
	t.Parallel()

	p1 := "This is a long paragraph holding the actual substance of the page body."
	p2 := "Another long paragraph that continues the discussion in enough detail."
	html := `<html><body>
		<div>
			<p>` + p1 + `</p>
			<p>tiny</p>
			<p>` + p2 + `</p>
		</div>
	</body></html>`

	got, err := ExtractContent(html, false)
	require.NoError(t, err)
	require.Equal(t, p1+" "+p2, got.Text)
}

func TestExtractContentBodyFallback(t *testing.T) {
	t.Parallel()

	html := `<html><body>
		<script>var x = 1;</script>
		<span>Loose text</span> <span>spread across</span> <span>inline elements.</span>
	</body></html>`

	got, err := ExtractContent(html, false)
	require.NoError(t, err)
	require.Equal(t, "Loose text spread across inline elements.", got.Text)
}

func TestExtractContentAcademicVariant(t *testing.T) {
	t.Parallel()

	abstract := strings.Repeat("We present a method for detecting textual reuse in scholarly corpora. ", 4)
	other := strings.Repeat("Generic page text that the academic cascade should not prefer here. ", 4)
	html := `<html><body>
		<div id="content">` + other + `</div>
		<div class="abstract">` + abstract + `</div>
	</body></html>`

	got, err := ExtractContent(html, true)
	require.NoError(t, err)
	require.Contains(t, got.Text, "textual reuse")

	// Without the academic flag the general cascade wins.
	got, err = ExtractContent(html, false)
	require.NoError(t, err)
	require.Contains(t, got.Text, "Generic page text")
}

func TestExtractContentNormalizesWhitespace(t *testing.T) {
	t.Parallel()

	html := `<html><body><article>` +
		strings.Repeat("Spaced   out\n\ttext   with   gaps everywhere in the body copy. ", 5) +
		`</article></body></html>`

	got, err := ExtractContent(html, false)
	require.NoError(t, err)
	require.NotContains(t, got.Text, "  ")
	require.NotContains(t, got.Text, "\n")
}

func TestCleanBoilerplate(t *testing.T) {
	t.Parallel()

	in := "Real content about the topic. Copyright © 2024 Example Corp. " +
		"All rights reserved. 1523 views 12 comments Share this: Follow us on: " +
		"Privacy Policy. More real content."
	out := CleanBoilerplate(in)

	require.Contains(t, out, "Real content about the topic.")
	require.Contains(t, out, "More real content.")
	require.NotContains(t, out, "Copyright")
	require.NotContains(t, out, "rights reserved")
	require.NotContains(t, out, "views")
	require.NotContains(t, out, "Share this")
	require.NotContains(t, out, "Privacy Policy")
	require.NotContains(t, out, "  ")
}
