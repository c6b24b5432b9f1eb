// Package cache implements the in-process TTL cache shared across checks.
// It holds scraped content, search results, and per-domain reliability
// metadata in separate tiers with their own lifetimes.
package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/puretext/puretext/internal/check"
	"github.com/puretext/puretext/internal/classify"
	"github.com/puretext/puretext/internal/metrics"
)

const (
	prefixContent = "content:"
	prefixSearch  = "search:"
	prefixMeta    = "meta:"
)

// Config sets the lifetime of each tier.
type Config struct {
	SearchTTL   time.Duration
	AcademicTTL time.Duration
	NewsTTL     time.Duration
	StandardTTL time.Duration
	MetadataTTL time.Duration
}

// DomainMeta tracks recent fetch reliability for one domain.
type DomainMeta struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
}

type entry struct {
	value    any
	tier     string
	storedAt time.Time
	ttl      time.Duration
}

// Cache is a concurrency-safe TTL map with hashed keys and lazy expiry.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry

	cfg    Config
	hasher check.Hasher
	clock  check.Clock
	logger *zap.Logger
}

// New builds an empty cache.
func New(cfg Config, hasher check.Hasher, clock check.Clock, logger *zap.Logger) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		cfg:     cfg,
		hasher:  hasher,
		clock:   clock,
		logger:  logger,
	}
}

// GetContent returns cached extracted text for a URL.
func (c *Cache) GetContent(url string) (string, bool) {
	v, tier, ok := c.get(prefixContent + url)
	if !ok {
		metrics.ObserveCache(tierOrUnknown(tier), "miss")
		return "", false
	}
	text, ok := v.(string)
	if !ok {
		return "", false
	}
	metrics.ObserveCache(tier, "hit")
	return text, true
}

// SetContent stores extracted text under the TTL of its tier.
func (c *Cache) SetContent(url, text string, tier classify.Tier) {
	c.set(prefixContent+url, text, string(tier), c.contentTTL(tier))
	metrics.ObserveCache(string(tier), "store")
}

// GetSearch returns cached results for a search query.
func (c *Cache) GetSearch(query string) ([]check.SearchResult, bool) {
	v, _, ok := c.get(prefixSearch + query)
	if !ok {
		metrics.ObserveCache("search", "miss")
		return nil, false
	}
	results, ok := v.([]check.SearchResult)
	if !ok {
		return nil, false
	}
	metrics.ObserveCache("search", "hit")
	out := make([]check.SearchResult, len(results))
	copy(out, results)
	return out, true
}

// SetSearch stores results for a search query.
func (c *Cache) SetSearch(query string, results []check.SearchResult) {
	stored := make([]check.SearchResult, len(results))
	copy(stored, results)
	c.set(prefixSearch+query, stored, "search", c.cfg.SearchTTL)
	metrics.ObserveCache("search", "store")
}

// GetDomainMeta returns reliability metadata for a domain.
func (c *Cache) GetDomainMeta(domain string) (DomainMeta, bool) {
	v, _, ok := c.get(prefixMeta + domain)
	if !ok {
		return DomainMeta{}, false
	}
	meta, ok := v.(DomainMeta)
	return meta, ok
}

// SetDomainMeta stores reliability metadata for a domain.
func (c *Cache) SetDomainMeta(domain string, meta DomainMeta) {
	c.set(prefixMeta+domain, meta, "metadata", c.cfg.MetadataTTL)
}

// Purge removes every expired entry and returns how many were dropped.
func (c *Cache) Purge() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.storedAt) >= e.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("cache purge", zap.Int("removed", removed))
	}
	return removed
}

// Len reports the live entry count, counting lazily-expired entries too.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) get(rawKey string) (any, string, bool) {
	key := c.hashKey(rawKey)
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, "", false
	}
	if now.Sub(e.storedAt) >= e.ttl {
		delete(c.entries, key)
		metrics.ObserveCache(e.tier, "expired")
		return nil, e.tier, false
	}
	return e.value, e.tier, true
}

func (c *Cache) set(rawKey string, value any, tier string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	key := c.hashKey(rawKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{
		value:    value,
		tier:     tier,
		storedAt: c.clock.Now(),
		ttl:      ttl,
	}
}

func (c *Cache) hashKey(rawKey string) string {
	digest, err := c.hasher.Hash([]byte(rawKey))
	if err != nil {
		// SHA-256 over a byte slice cannot fail; fall back to the raw key.
		return rawKey
	}
	return digest
}

func (c *Cache) contentTTL(tier classify.Tier) time.Duration {
	switch tier {
	case classify.TierAcademic:
		return c.cfg.AcademicTTL
	case classify.TierNews:
		return c.cfg.NewsTTL
	default:
		return c.cfg.StandardTTL
	}
}

func tierOrUnknown(tier string) string {
	if tier == "" {
		return "unknown"
	}
	return tier
}
