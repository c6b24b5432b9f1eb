package scrape

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/puretext/puretext/internal/cache"
	"github.com/puretext/puretext/internal/check"
	"github.com/puretext/puretext/internal/classify"
	"github.com/puretext/puretext/internal/metrics"
)

// RouterConfig tunes chain selection and the acceptance gate.
type RouterConfig struct {
	// MinContentLength is the shortest extraction accepted as usable text.
	MinContentLength int
	// DomainFailureLimit is the consecutive-failure count that temporarily
	// blocks a domain.
	DomainFailureLimit int
}

// Router resolves one URL to a Source: cache, blocklist, tier
// classification, then the tier's strategy chain until a fetch sticks.
type Router struct {
	cfg        RouterConfig
	cache      *cache.Cache
	classifier *classify.Classifier
	clock      check.Clock
	logger     *zap.Logger

	crawl    Strategy
	academic Strategy
	render   Strategy
	browser  Strategy
	direct   Strategy
}

// Strategies carries the chain members. Direct is required; the rest are
// optional and chains simply skip absent entries.
type Strategies struct {
	Crawl    Strategy
	Academic Strategy
	Render   Strategy
	Browser  Strategy
	Direct   Strategy
}

// NewRouter wires the router. Panics if the direct strategy is missing,
// since every chain must end with it.
func NewRouter(
	cfg RouterConfig,
	contentCache *cache.Cache,
	classifier *classify.Classifier,
	strategies Strategies,
	clock check.Clock,
	logger *zap.Logger,
) *Router {
	if strategies.Direct == nil {
		panic("scrape: direct strategy is required")
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 200
	}
	if cfg.DomainFailureLimit <= 0 {
		cfg.DomainFailureLimit = 3
	}
	return &Router{
		cfg:        cfg,
		cache:      contentCache,
		classifier: classifier,
		clock:      clock,
		logger:     logger,
		crawl:      strategies.Crawl,
		academic:   strategies.Academic,
		render:     strategies.Render,
		browser:    strategies.Browser,
		direct:     strategies.Direct,
	}
}

// Fetch resolves rawURL to a Source. The returned error is always a
// *FetchError carrying the attempted-strategy trail.
func (r *Router) Fetch(ctx context.Context, rawURL string) (check.Source, error) {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return check.Source{}, &FetchError{
			URL:      rawURL,
			Reason:   ReasonBadURL,
			Attempts: []Attempt{{Strategy: "router", Reason: ReasonBadURL, Err: err}},
		}
	}

	tier := r.classifier.Classify(target)

	if text, ok := r.cache.GetContent(target); ok {
		return check.Source{
			URL:       target,
			Text:      text,
			Tier:      string(tier),
			Strategy:  "cache",
			Cached:    true,
			FetchedAt: r.clock.Now(),
		}, nil
	}

	domain := hostOf(target)
	if r.domainBlocked(domain) {
		r.logger.Debug("domain blocked after repeated failures",
			zap.String("url", target),
			zap.String("domain", domain),
		)
		return check.Source{}, &FetchError{
			URL:      target,
			Reason:   ReasonBlocked,
			Attempts: []Attempt{{Strategy: "router", Reason: ReasonBlocked}},
		}
	}

	source, fetchErr := r.walkChain(ctx, target, tier)
	if fetchErr != nil {
		r.recordFailure(domain)
		return check.Source{}, fetchErr
	}

	r.cache.SetContent(target, source.Text, tier)
	r.clearFailures(domain)
	return source, nil
}

func (r *Router) walkChain(ctx context.Context, target string, tier classify.Tier) (check.Source, *FetchError) {
	chain := r.chainFor(tier)
	academic := tier == classify.TierAcademic

	var (
		attempts    []Attempt
		lastThinRaw string
		lastThinLen int
	)
	for i, strategy := range chain {
		// The browser is an escalation on standard chains: only worth a
		// tab when the direct fetch came back thin and script-dominated.
		if tier == classify.TierStandard && strategy == r.browser {
			if lastThinRaw == "" || !jsHeavy(lastThinRaw, lastThinLen, r.cfg.MinContentLength) {
				continue
			}
		}

		start := r.clock.Now()
		page, err := strategy.Fetch(ctx, target)
		if err != nil {
			metrics.ObserveScrape(strategy.Name(), "error", r.clock.Now().Sub(start))
			attempts = append(attempts, Attempt{
				Strategy: strategy.Name(),
				Reason:   reasonOf(err),
				Err:      err,
			})
			r.logger.Debug("strategy failed",
				zap.String("url", target),
				zap.String("strategy", strategy.Name()),
				zap.String("reason", reasonOf(err)),
				zap.Error(err),
			)
			continue
		}

		text, title := r.finishPage(page, academic)
		if len(text) < r.cfg.MinContentLength {
			metrics.ObserveScrape(strategy.Name(), "thin", r.clock.Now().Sub(start))
			attempts = append(attempts, Attempt{
				Strategy: strategy.Name(),
				Reason:   ReasonThin,
				Err:      fmt.Errorf("extracted %d chars, need %d", len(text), r.cfg.MinContentLength),
			})
			lastThinRaw = page.HTML
			lastThinLen = len(text)
			continue
		}

		metrics.ObserveScrape(strategy.Name(), "ok", r.clock.Now().Sub(start))
		r.logger.Info("fetched source",
			zap.String("url", target),
			zap.String("tier", string(tier)),
			zap.String("strategy", strategy.Name()),
			zap.Int("chars", len(text)),
			zap.Int("attempt", i+1),
		)
		return check.Source{
			URL:       page.URL,
			Title:     title,
			Text:      text,
			Tier:      string(tier),
			Strategy:  strategy.Name(),
			FetchedAt: r.clock.Now(),
		}, nil
	}

	return check.Source{}, &FetchError{
		URL:      target,
		Reason:   ReasonExhausted,
		Attempts: attempts,
	}
}

// finishPage turns a strategy result into cleaned text plus a title.
func (r *Router) finishPage(page Page, academic bool) (text, title string) {
	if page.Extracted {
		return CleanBoilerplate(page.Text), page.Title
	}
	extraction, err := ExtractContent(page.HTML, academic)
	if err != nil {
		return "", page.Title
	}
	title = page.Title
	if title == "" {
		title = extraction.Title
	}
	return CleanBoilerplate(extraction.Text), title
}

// chainFor returns the ordered strategies for a tier, skipping entries
// whose clients are not configured. Every chain ends with direct HTTP.
func (r *Router) chainFor(tier classify.Tier) []Strategy {
	var chain []Strategy
	appendIf := func(s Strategy) {
		if s != nil {
			chain = append(chain, s)
		}
	}

	switch tier {
	case classify.TierAcademic:
		appendIf(r.crawl)
		appendIf(r.academic)
		appendIf(r.render)
	case classify.TierNews, classify.TierDynamic:
		appendIf(r.render)
		appendIf(r.browser)
	default:
		chain = append(chain, r.direct)
		appendIf(r.browser)
		return chain
	}

	chain = append(chain, r.direct)
	return chain
}

func (r *Router) domainBlocked(domain string) bool {
	if domain == "" {
		return false
	}
	meta, ok := r.cache.GetDomainMeta(domain)
	return ok && meta.Failures >= r.cfg.DomainFailureLimit
}

func (r *Router) recordFailure(domain string) {
	if domain == "" {
		return
	}
	meta, _ := r.cache.GetDomainMeta(domain)
	meta.Failures++
	meta.LastFailure = r.clock.Now()
	r.cache.SetDomainMeta(domain, meta)
}

func (r *Router) clearFailures(domain string) {
	if domain == "" {
		return
	}
	if meta, ok := r.cache.GetDomainMeta(domain); ok && meta.Failures > 0 {
		meta.Failures = 0
		r.cache.SetDomainMeta(domain, meta)
	}
}

// normalizeURL validates the scheme and strips fragments so cache keys
// stay stable.
func normalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url has no host")
	}
	parsed.Fragment = ""
	return parsed.String(), nil
}

func hostOf(target string) string {
	parsed, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
