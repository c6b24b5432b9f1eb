// Package pool bounds concurrent source acquisition globally and per domain.
package pool

import (
	"context"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/puretext/puretext/internal/check"
	"github.com/puretext/puretext/internal/metrics"
)

// Config controls Governor behavior. Zero values take the defaults noted
// on each field.
type Config struct {
	// GlobalLimit caps fetches in flight across all domains (12).
	GlobalLimit int
	// PerDomainLimit caps fetches in flight against one domain (2).
	PerDomainLimit int
	// DomainRPS is the sustained per-domain request rate (1).
	DomainRPS float64
	// DomainBurst is the per-domain token bucket size (2).
	DomainBurst int
	// JitterMin/JitterMax bound the random delay inserted before each
	// fetch so bursts do not look mechanical (100ms / 500ms).
	JitterMin time.Duration
	JitterMax time.Duration
	// PriorityDomains are scheduled ahead of everything else. Matching is
	// by substring on the hostname.
	PriorityDomains []string
}

func (c Config) normalize() Config {
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = 12
	}
	if c.PerDomainLimit <= 0 {
		c.PerDomainLimit = 2
	}
	if c.DomainRPS <= 0 {
		c.DomainRPS = 1
	}
	if c.DomainBurst <= 0 {
		c.DomainBurst = 2
	}
	if c.JitterMin <= 0 {
		c.JitterMin = 100 * time.Millisecond
	}
	if c.JitterMax <= c.JitterMin {
		c.JitterMax = c.JitterMin + 400*time.Millisecond
	}
	return c
}

// FetchFunc resolves one URL to a source.
type FetchFunc func(ctx context.Context, url string) (check.Source, error)

// Governor fans source fetches out over a bounded worker set. Per-domain
// slots and token buckets keep any single site from absorbing the pool.
type Governor struct {
	cfg    Config
	global chan struct{}
	logger *zap.Logger

	mu      sync.Mutex
	domains map[string]*domainState
}

type domainState struct {
	slots   chan struct{}
	limiter *rate.Limiter
}

// New builds a Governor.
func New(cfg Config, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalize()
	return &Governor{
		cfg:     cfg,
		global:  make(chan struct{}, cfg.GlobalLimit),
		logger:  logger,
		domains: make(map[string]*domainState),
	}
}

// Map fetches every URL concurrently and returns the sources that
// succeeded, in completion order. Failed URLs are logged and dropped;
// cancellation stops scheduling and returns whatever already finished.
func (g *Governor) Map(ctx context.Context, urls []string, fetch FetchFunc) []check.Source {
	if len(urls) == 0 {
		return nil
	}

	ordered := g.prioritize(urls)
	results := make(chan check.Source, len(ordered))

	var wg sync.WaitGroup
	for _, target := range ordered {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			source, err := g.fetchOne(ctx, target, fetch)
			if err != nil {
				g.logger.Debug("dropping source",
					zap.String("url", target),
					zap.Error(err),
				)
				return
			}
			results <- source
		}(target)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	sources := make([]check.Source, 0, len(ordered))
	for source := range results {
		sources = append(sources, source)
	}
	return sources
}

func (g *Governor) fetchOne(ctx context.Context, target string, fetch FetchFunc) (check.Source, error) {
	select {
	case g.global <- struct{}{}:
	case <-ctx.Done():
		return check.Source{}, ctx.Err()
	}
	defer func() { <-g.global }()

	metrics.IncActiveFetches()
	defer metrics.DecActiveFetches()

	domain := hostname(target)
	state := g.domainState(domain)

	select {
	case state.slots <- struct{}{}:
	case <-ctx.Done():
		return check.Source{}, ctx.Err()
	}
	defer func() { <-state.slots }()

	start := time.Now()
	if err := state.limiter.Wait(ctx); err != nil {
		return check.Source{}, err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}

	if err := g.jitter(ctx); err != nil {
		return check.Source{}, err
	}

	return fetch(ctx, target)
}

func (g *Governor) domainState(domain string) *domainState {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.domains[domain]
	if !ok {
		state = &domainState{
			slots:   make(chan struct{}, g.cfg.PerDomainLimit),
			limiter: rate.NewLimiter(rate.Limit(g.cfg.DomainRPS), g.cfg.DomainBurst),
		}
		g.domains[domain] = state
	}
	return state
}

// jitter sleeps a random duration within the configured window.
func (g *Governor) jitter(ctx context.Context) error {
	span := g.cfg.JitterMax - g.cfg.JitterMin
	delay := g.cfg.JitterMin + rand.N(span)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// prioritize moves URLs on priority domains to the front, keeping the
// original order within each group.
func (g *Governor) prioritize(urls []string) []string {
	if len(g.cfg.PriorityDomains) == 0 {
		return urls
	}
	front := make([]string, 0, len(urls))
	rest := make([]string, 0, len(urls))
	for _, target := range urls {
		if g.isPriority(hostname(target)) {
			front = append(front, target)
		} else {
			rest = append(rest, target)
		}
	}
	return append(front, rest...)
}

func (g *Governor) isPriority(domain string) bool {
	for _, pd := range g.cfg.PriorityDomains {
		if pd != "" && strings.Contains(domain, pd) {
			return true
		}
	}
	return false
}

func hostname(target string) string {
	parsed, err := url.Parse(target)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(parsed.Hostname())
}
