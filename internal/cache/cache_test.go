package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puretext/puretext/internal/check"
	"github.com/puretext/puretext/internal/classify"
	"github.com/puretext/puretext/internal/hash/sha256"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(clk check.Clock) *Cache {
	return New(Config{
		SearchTTL:   24 * time.Hour,
		AcademicTTL: 168 * time.Hour,
		NewsTTL:     72 * time.Hour,
		StandardTTL: 120 * time.Hour,
		MetadataTTL: 720 * time.Hour,
	}, sha256.New(), clk, zap.NewNop())
}

func TestContentRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCache(newFakeClock())

	_, ok := c.GetContent("https://example.com/a")
	require.False(t, ok)

	c.SetContent("https://example.com/a", "some extracted text", classify.TierStandard)
	got, ok := c.GetContent("https://example.com/a")
	require.True(t, ok)
	require.Equal(t, "some extracted text", got)

	// A different URL stays a miss.
	_, ok = c.GetContent("https://example.com/b")
	require.False(t, ok)
}

func TestContentTierTTLs(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestCache(clk)

	c.SetContent("https://journal.springer.com/x", "academic text", classify.TierAcademic)
	c.SetContent("https://news.example.com/y", "news text", classify.TierNews)
	c.SetContent("https://example.com/z", "standard text", classify.TierStandard)

	// After four days the news entry is gone, the others remain.
	clk.Advance(96 * time.Hour)
	_, ok := c.GetContent("https://news.example.com/y")
	require.False(t, ok)
	_, ok = c.GetContent("https://journal.springer.com/x")
	require.True(t, ok)
	_, ok = c.GetContent("https://example.com/z")
	require.True(t, ok)

	// After six days the standard entry expires too.
	clk.Advance(48 * time.Hour)
	_, ok = c.GetContent("https://example.com/z")
	require.False(t, ok)
	_, ok = c.GetContent("https://journal.springer.com/x")
	require.True(t, ok)

	// And after eight days in total, so does the academic one.
	clk.Advance(48 * time.Hour)
	_, ok = c.GetContent("https://journal.springer.com/x")
	require.False(t, ok)
}

func TestSearchRoundTripAndIsolation(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestCache(clk)

	results := []check.SearchResult{
		{URL: "https://example.com/1", Title: "One"},
		{URL: "https://example.com/2", Title: "Two"},
	}
	c.SetSearch("climate change effects", results)

	got, ok := c.GetSearch("climate change effects")
	require.True(t, ok)
	require.Equal(t, results, got)

	// The returned slice is a copy; mutating it must not affect the cache.
	got[0].URL = "https://mutated.example.com"
	again, ok := c.GetSearch("climate change effects")
	require.True(t, ok)
	require.Equal(t, "https://example.com/1", again[0].URL)

	clk.Advance(25 * time.Hour)
	_, ok = c.GetSearch("climate change effects")
	require.False(t, ok)
}

func TestDomainMeta(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestCache(clk)

	_, ok := c.GetDomainMeta("flaky.example.com")
	require.False(t, ok)

	c.SetDomainMeta("flaky.example.com", DomainMeta{Failures: 2, LastFailure: clk.Now()})
	meta, ok := c.GetDomainMeta("flaky.example.com")
	require.True(t, ok)
	require.Equal(t, 2, meta.Failures)
}

func TestPurgeRemovesOnlyExpired(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestCache(clk)

	c.SetSearch("query one", []check.SearchResult{{URL: "https://a.example.com"}})
	c.SetContent("https://example.com/a", "text", classify.TierStandard)
	require.Equal(t, 2, c.Len())

	clk.Advance(25 * time.Hour) // search TTL passed, standard content still live
	removed := c.Purge()
	require.Equal(t, 1, removed)
	require.Equal(t, 1, c.Len())

	_, ok := c.GetContent("https://example.com/a")
	require.True(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := newTestCache(newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			url := fmt.Sprintf("https://example.com/%d", n%4)
			c.SetContent(url, "text", classify.TierStandard)
			c.GetContent(url)
			c.SetDomainMeta("example.com", DomainMeta{Failures: n})
			c.GetDomainMeta("example.com")
		}(i)
	}
	wg.Wait()

	require.Equal(t, 5, c.Len()) // 4 content entries + 1 metadata entry
}
