package search

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/puretext/puretext/internal/cache"
	"github.com/puretext/puretext/internal/check"
	"github.com/puretext/puretext/internal/classify"
	"github.com/puretext/puretext/internal/metrics"
)

// URL shapes that never hold quotable prose.
var (
	nonContentPattern = regexp.MustCompile(`(?i)/(login|signup|register|cart|checkout|account|profile|contact|about)/?$`)
	binaryDocPattern  = regexp.MustCompile(`(?i)\.(pdf|doc|docx|ppt|pptx)$`)
)

var socialHosts = []string{
	"facebook.com", "twitter.com", "instagram.com", "tiktok.com", "youtube.com",
}

// Config controls the provider chain.
type Config struct {
	// Endpoint, APIKey and EngineID configure the JSON search API. The
	// API is skipped when any of them is empty.
	Endpoint string
	APIKey   string
	EngineID string
	// MaxResults caps the hits returned per query (8).
	MaxResults int
	// Timeout bounds each provider call (15s).
	Timeout   time.Duration
	UserAgent string
	// BingURL and DDGURL locate the HTML fallback engines; overridable
	// for tests.
	BingURL string
	DDGURL  string
}

func (c Config) normalize() Config {
	if c.MaxResults <= 0 {
		c.MaxResults = 8
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.BingURL == "" {
		c.BingURL = "https://www.bing.com/search"
	}
	if c.DDGURL == "" {
		c.DDGURL = "https://html.duckduckgo.com/html/"
	}
	return c
}

// Client resolves queries through a degrading provider chain: the JSON
// API when configured, then scraped engine HTML, then a fixed
// encyclopedia link. It never returns an error; a query always yields at
// least one candidate.
type Client struct {
	cfg        Config
	api        *resty.Client
	html       *colly.Collector
	classifier *classify.Classifier
	cache      *cache.Cache
	logger     *zap.Logger
}

// New builds a search client.
func New(cfg Config, searchCache *cache.Cache, classifier *classify.Classifier, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalize()

	api := resty.New()
	api.SetTimeout(cfg.Timeout)

	html := colly.NewCollector(colly.Async(false))
	html.AllowURLRevisit = true
	html.IgnoreRobotsTxt = true

	return &Client{
		cfg:        cfg,
		api:        api,
		html:       html,
		classifier: classifier,
		cache:      searchCache,
		logger:     logger,
	}
}

// Search resolves query to filtered, ranked hits. Results are cached
// under the search tier; providers are tried until one yields something
// usable.
func (c *Client) Search(ctx context.Context, query string) []check.SearchResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	if cached, ok := c.cache.GetSearch(query); ok {
		return cached
	}

	results := c.winnow(c.fromAPI(ctx, query))
	if len(results) == 0 {
		results = c.winnow(c.fromBing(ctx, query))
	}
	if len(results) == 0 {
		results = c.winnow(c.fromDDG(ctx, query))
	}
	if len(results) == 0 {
		metrics.ObserveSearch("fallback", "ok")
		results = []check.SearchResult{encyclopediaFallback(query)}
	}

	c.cache.SetSearch(query, results)
	return results
}

type apiResponse struct {
	Items []struct {
		Link    string `json:"link"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

func (c *Client) fromAPI(ctx context.Context, query string) []check.SearchResult {
	if c.cfg.Endpoint == "" || c.cfg.APIKey == "" || c.cfg.EngineID == "" {
		return nil
	}

	var out apiResponse
	resp, err := c.api.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key": c.cfg.APIKey,
			"cx":  c.cfg.EngineID,
			"q":   query,
			"num": strconv.Itoa(min(10, c.cfg.MaxResults)),
		}).
		SetResult(&out).
		Get(c.cfg.Endpoint)
	if err != nil {
		metrics.ObserveSearch("api", "error")
		c.logger.Warn("search api request failed", zap.Error(err))
		return nil
	}
	if resp.StatusCode() != http.StatusOK {
		metrics.ObserveSearch("api", "error")
		c.logger.Warn("search api rejected query",
			zap.Int("status", resp.StatusCode()),
		)
		return nil
	}
	if len(out.Items) == 0 {
		metrics.ObserveSearch("api", "empty")
		return nil
	}

	results := make([]check.SearchResult, 0, len(out.Items))
	for _, item := range out.Items {
		results = append(results, check.SearchResult{
			URL:     item.Link,
			Title:   item.Title,
			Snippet: item.Snippet,
		})
	}
	metrics.ObserveSearch("api", "ok")
	return results
}

func (c *Client) fromBing(ctx context.Context, query string) []check.SearchResult {
	target := c.cfg.BingURL + "?q=" + url.QueryEscape(query) +
		"&count=" + strconv.Itoa(c.cfg.MaxResults)

	var results []check.SearchResult
	err := c.scrapeEngine(ctx, target, "li.b_algo", func(e *colly.HTMLElement) {
		link := e.ChildAttr("h2 a", "href")
		if link == "" {
			return
		}
		results = append(results, check.SearchResult{
			URL:     link,
			Title:   e.ChildText("h2 a"),
			Snippet: e.ChildText(".b_caption p"),
		})
	})
	return c.engineOutcome("bing", results, err)
}

func (c *Client) fromDDG(ctx context.Context, query string) []check.SearchResult {
	target := c.cfg.DDGURL + "?q=" + url.QueryEscape(query)

	var results []check.SearchResult
	err := c.scrapeEngine(ctx, target, ".result", func(e *colly.HTMLElement) {
		link := resolveDDGLink(e.ChildAttr(".result__a", "href"))
		if link == "" {
			return
		}
		results = append(results, check.SearchResult{
			URL:     link,
			Title:   e.ChildText(".result__a"),
			Snippet: e.ChildText(".result__snippet"),
		})
	})
	return c.engineOutcome("ddg", results, err)
}

func (c *Client) engineOutcome(provider string, results []check.SearchResult, err error) []check.SearchResult {
	if err != nil {
		metrics.ObserveSearch(provider, "error")
		c.logger.Warn("search engine scrape failed",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return nil
	}
	if len(results) == 0 {
		metrics.ObserveSearch(provider, "empty")
		return nil
	}
	metrics.ObserveSearch(provider, "ok")
	return results
}

// scrapeEngine runs one GET against a search engine on a collector clone,
// feeding matched elements to handle.
func (c *Client) scrapeEngine(ctx context.Context, target, selector string, handle func(*colly.HTMLElement)) error {
	collector := c.html.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.SetRequestTimeout(c.cfg.Timeout)
	collector.OnHTML(selector, handle)

	var fetchErr error
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if fetchErr != nil {
			return fetchErr
		}
		return err
	}
}

// winnow drops unusable hits, dedupes, caps and ranks what is left.
func (c *Client) winnow(results []check.SearchResult) []check.SearchResult {
	if len(results) == 0 {
		return nil
	}
	kept := make([]check.SearchResult, 0, len(results))
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		parsed, err := url.Parse(strings.TrimSpace(r.URL))
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			continue
		}
		parsed.Fragment = ""
		canonical := parsed.String()
		if _, dup := seen[canonical]; dup {
			continue
		}
		if nonContentPattern.MatchString(canonical) || binaryDocPattern.MatchString(canonical) {
			continue
		}
		if isSocialHost(parsed.Hostname()) {
			continue
		}
		seen[canonical] = struct{}{}
		r.URL = canonical
		kept = append(kept, r)
		if len(kept) == c.cfg.MaxResults {
			break
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return c.rank(kept[i].URL) > c.rank(kept[j].URL)
	})
	return kept
}

// rank orders scholarly hits ahead of encyclopedia entries ahead of the
// rest.
func (c *Client) rank(target string) int {
	if c.classifier.Classify(target) == classify.TierAcademic {
		return 2
	}
	if strings.Contains(strings.ToLower(target), "wikipedia.org") {
		return 1
	}
	return 0
}

func isSocialHost(host string) bool {
	host = strings.ToLower(host)
	for _, social := range socialHosts {
		if strings.Contains(host, social) {
			return true
		}
	}
	return false
}

// resolveDDGLink unwraps the uddg= redirect the engine puts around hits.
func resolveDDGLink(href string) string {
	if href == "" {
		return ""
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

// encyclopediaFallback is the terminal chain entry: a reference-wiki
// lookup for the query itself.
func encyclopediaFallback(query string) check.SearchResult {
	slug := strings.Join(strings.Fields(query), "_")
	return check.SearchResult{
		URL:   "https://en.wikipedia.org/wiki/" + url.PathEscape(slug),
		Title: "Wikipedia - " + query,
	}
}
