package scrape

import "strings"

// JS-framework markers that mean the server response is an app shell.
var spaMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"ng-app",
}

// jsHeavy reports whether markup looks like it needs a real browser:
// the extracted text is thin and the document is either marked as a
// single-page app shell or dominated by script tags.
func jsHeavy(html string, extractedLen, minContentLen int) bool {
	if extractedLen >= minContentLen {
		return false
	}
	lower := strings.ToLower(html)
	for _, marker := range spaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return scriptDensityHigh(lower)
}

// scriptDensityHigh reports whether script tags cover at least a quarter
// of the document. Unterminated tags count to the end of the document.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0

	for {
		relStart := strings.Index(lower[pos:], openTag)
		if relStart == -1 {
			break
		}
		start := pos + relStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relEnd := strings.Index(lower[contentStart:], closeTag)
		var next int
		if relEnd == -1 {
			next = total
		} else {
			next = contentStart + relEnd + len(closeTag)
		}

		coverage += next - start
		pos = next
	}

	if coverage == 0 {
		return false
	}
	return coverage*100/total >= 25
}
