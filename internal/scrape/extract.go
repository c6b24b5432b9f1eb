package scrape

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Selector cascade for general pages, ordered from most to least specific.
var mainSelectors = []string{
	"article", "main", ".post-content", ".entry-content",
	"#content", ".content", ".article", ".post",
	"#main-content", ".page-content", ".wiki-body-section",
	"#mw-content-text", ".mw-parser-output",
}

// Scholarly containers tried before the general cascade on academic pages.
var academicSelectors = []string{
	"#abstract", ".abstract", ".fulltext-view", ".article-body",
	".c-article-body", "#body", ".article__body", ".core-container",
}

const (
	// Candidates shorter than this are skipped outright.
	minCandidateChars = 100
	// A cleaned candidate must clear this to be accepted.
	minAcceptChars = 200
	// Paragraphs shorter than this are dropped by the fallback join.
	minParagraphChars = 40
)

const candidateStripSelector = "script, style, nav, .nav, header, footer, .footer, .comment, .sidebar, aside"

// Extraction is the result of pulling readable text out of markup.
type Extraction struct {
	Title string
	Text  string
}

// ExtractContent parses HTML and walks the selector cascade: main content
// containers first, then substantial paragraphs, then the stripped body.
// Whitespace is normalized to single spaces in every branch.
func ExtractContent(html string, academic bool) (Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Extraction{}, fmt.Errorf("parse document: %w", err)
	}

	out := Extraction{Title: strings.TrimSpace(doc.Find("title").First().Text())}

	selectors := mainSelectors
	if academic {
		selectors = append(append([]string{}, academicSelectors...), mainSelectors...)
	}

	if text := extractFromSelectors(doc, selectors); text != "" {
		out.Text = text
		return out, nil
	}

	if text := extractParagraphs(doc); text != "" {
		out.Text = text
		return out, nil
	}

	out.Text = extractBody(doc)
	return out, nil
}

func extractFromSelectors(doc *goquery.Document, selectors []string) string {
	for _, selector := range selectors {
		var text string
		doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if len(sel.Text()) < minCandidateChars {
				return true
			}
			cleaned := sel.Clone()
			cleaned.Find(candidateStripSelector).Remove()
			candidate := normalizeSpace(cleaned.Text())
			if len(candidate) > minAcceptChars {
				text = candidate
				return false
			}
			return true
		})
		if text != "" {
			return text
		}
	}
	return ""
}

func extractParagraphs(doc *goquery.Document) string {
	var paragraphs []string
	doc.Find("p").Each(func(_ int, sel *goquery.Selection) {
		p := strings.TrimSpace(sel.Text())
		if len(p) > minParagraphChars {
			paragraphs = append(paragraphs, p)
		}
	})
	return normalizeSpace(strings.Join(paragraphs, " "))
}

func extractBody(doc *goquery.Document) string {
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return ""
	}
	cleaned := body.Clone()
	cleaned.Find("script, style, nav, header, footer").Remove()
	return normalizeSpace(cleaned.Text())
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
