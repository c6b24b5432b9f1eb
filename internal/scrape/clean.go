package scrape

import "regexp"

// Boilerplate fragments that survive extraction, worst on crawl-service
// results where the spider captures whole rendered pages.
var boilerplatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Copyright ©.*?(\.|$)`),
	regexp.MustCompile(`(?i)All rights reserved\.?`),
	regexp.MustCompile(`(?i)Terms (of|and) (use|service|conditions).*?(\.|$)`),
	regexp.MustCompile(`(?i)Privacy Policy\.?`),
	regexp.MustCompile(`(?i)Cookie Policy\.?`),
	regexp.MustCompile(`(?i)\d+ views`),
	regexp.MustCompile(`(?i)\d+ comments`),
	regexp.MustCompile(`(?i)Share this:`),
	regexp.MustCompile(`(?i)Follow us on:`),
	regexp.MustCompile(`(?i)Last updated:.*?(\.|$)`),
}

// CleanBoilerplate strips legal and footer noise and renormalizes spacing.
func CleanBoilerplate(text string) string {
	for _, pattern := range boilerplatePatterns {
		text = pattern.ReplaceAllString(text, "")
	}
	return normalizeSpace(text)
}
