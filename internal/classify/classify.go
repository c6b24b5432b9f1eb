// Package classify assigns content tiers to URLs. The tier decides which
// scrape strategy chain the router tries and which cache TTL applies.
package classify

import (
	"net/url"
	"strings"
)

// Tier is the content class of a URL.
type Tier string

// Tiers in precedence order: academic wins over news wins over dynamic.
const (
	TierAcademic Tier = "academic"
	TierNews     Tier = "news"
	TierDynamic  Tier = "dynamic"
	TierStandard Tier = "standard"
)

// Tables holds the vocabulary used to classify hosts and paths.
type Tables struct {
	// AcademicTLDSuffixes match the end of the hostname (".edu", ".ac.uk").
	AcademicTLDSuffixes []string
	// AcademicHostMarkers are substring matches against the hostname.
	AcademicHostMarkers []string
	// AcademicPathSegments are substring matches against the URL path.
	AcademicPathSegments []string
	// NewsHostMarkers are substring matches against the hostname.
	NewsHostMarkers []string
	// DynamicHostMarkers are substring matches against the hostname.
	DynamicHostMarkers []string
}

// DefaultTables returns the built-in vocabulary.
func DefaultTables() Tables {
	return Tables{
		AcademicTLDSuffixes: []string{
			".edu", ".ac.uk", ".ac.jp",
		},
		AcademicHostMarkers: []string{
			".ac.", ".research.",
			"sciencedirect", "springer", "wiley", "pubmed", "ncbi",
			"ieee", "jstor", "elsevier", "nature", "academia.edu",
			"researchgate", "frontiers", "oxford", "tandfonline", "sage",
			"nih.gov", "acm.org", "arxiv", "scholar",
			"journal", "university", "institute",
		},
		AcademicPathSegments: []string{
			"/article/", "/journal/", "/abstract/", "/doi/",
			"/publication/", "/paper/", "/research/", "/science/",
			"/fulltext/",
		},
		NewsHostMarkers: []string{
			"news", "times", "post", "tribune", "herald", "guardian",
			"bbc", "cnn", "nytimes", "washingtonpost", "reuters",
			"bloomberg", "medium.com", "blog", ".gov",
		},
		DynamicHostMarkers: []string{
			"angular", "react", "vue", "spa.", "dashboard", "app.",
			"facebook", "twitter", "linkedin", "instagram", "youtube",
			"tiktok",
		},
	}
}

// Classifier maps URLs onto tiers using substring vocabularies.
type Classifier struct {
	tables Tables
}

// New builds a Classifier with the given tables.
func New(tables Tables) *Classifier {
	return &Classifier{tables: tables}
}

// NewDefault builds a Classifier with the built-in vocabulary.
func NewDefault() *Classifier {
	return New(DefaultTables())
}

// Classify returns the tier for a URL. Unparseable input classifies as
// standard so the router still gets a usable chain.
func (c *Classifier) Classify(rawURL string) Tier {
	host, path, ok := splitHostPath(rawURL)
	if !ok {
		return TierStandard
	}

	for _, suffix := range c.tables.AcademicTLDSuffixes {
		if strings.HasSuffix(host, suffix) {
			return TierAcademic
		}
	}
	for _, marker := range c.tables.AcademicHostMarkers {
		if strings.Contains(host, marker) {
			return TierAcademic
		}
	}
	for _, segment := range c.tables.AcademicPathSegments {
		if strings.Contains(path, segment) {
			return TierAcademic
		}
	}
	for _, marker := range c.tables.NewsHostMarkers {
		if strings.Contains(host, marker) {
			return TierNews
		}
	}
	for _, marker := range c.tables.DynamicHostMarkers {
		if strings.Contains(host, marker) {
			return TierDynamic
		}
	}
	return TierStandard
}

func splitHostPath(rawURL string) (host, path string, ok bool) {
	raw := strings.TrimSpace(strings.ToLower(rawURL))
	if raw == "" {
		return "", "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", "", false
	}
	// Trailing slash so "/doi" style segments can match at the path end.
	return u.Hostname(), u.EscapedPath() + "/", true
}
