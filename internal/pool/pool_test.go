package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puretext/puretext/internal/check"
)

// gauge tracks the peak number of concurrent callers.
type gauge struct {
	mu     sync.Mutex
	active int
	peak   int
	calls  int
}

func (g *gauge) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active++
	g.calls++
	if g.active > g.peak {
		g.peak = g.active
	}
}

func (g *gauge) exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
}

func (g *gauge) snapshot() (peak, calls int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak, g.calls
}

func fastConfig() Config {
	return Config{
		GlobalLimit:    12,
		PerDomainLimit: 2,
		DomainRPS:      1000,
		DomainBurst:    4,
		JitterMin:      time.Microsecond,
		JitterMax:      2 * time.Microsecond,
	}
}

func TestMapReturnsSuccessfulSourcesOnly(t *testing.T) {
	t.Parallel()

	governor := New(fastConfig(), zap.NewNop())
	fetch := func(_ context.Context, target string) (check.Source, error) {
		if target == "https://broken.example.com/x" {
			return check.Source{}, errors.New("fetch failed")
		}
		return check.Source{URL: target, Text: "body"}, nil
	}

	sources := governor.Map(context.Background(), []string{
		"https://a.example.com/1",
		"https://broken.example.com/x",
		"https://b.example.com/2",
	}, fetch)

	require.Len(t, sources, 2)
	got := []string{sources[0].URL, sources[1].URL}
	require.ElementsMatch(t, []string{"https://a.example.com/1", "https://b.example.com/2"}, got)
}

func TestMapBoundsGlobalConcurrency(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.GlobalLimit = 3
	cfg.PerDomainLimit = 3
	governor := New(cfg, zap.NewNop())

	var g gauge
	fetch := func(_ context.Context, target string) (check.Source, error) {
		g.enter()
		defer g.exit()
		time.Sleep(5 * time.Millisecond)
		return check.Source{URL: target}, nil
	}

	urls := make([]string, 0, 18)
	for _, host := range []string{"a", "b", "c", "d", "e", "f"} {
		for _, p := range []string{"1", "2", "3"} {
			urls = append(urls, "https://"+host+".example.com/"+p)
		}
	}

	sources := governor.Map(context.Background(), urls, fetch)
	require.Len(t, sources, len(urls))

	peak, calls := g.snapshot()
	require.Equal(t, len(urls), calls)
	require.LessOrEqual(t, peak, 3)
}

func TestMapBoundsPerDomainConcurrency(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.PerDomainLimit = 2
	cfg.DomainBurst = 8
	governor := New(cfg, zap.NewNop())

	var g gauge
	fetch := func(_ context.Context, target string) (check.Source, error) {
		g.enter()
		defer g.exit()
		time.Sleep(5 * time.Millisecond)
		return check.Source{URL: target}, nil
	}

	urls := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		urls = append(urls, "https://one-site.example.com/page-"+string(rune('a'+i)))
	}

	sources := governor.Map(context.Background(), urls, fetch)
	require.Len(t, sources, len(urls))

	peak, _ := g.snapshot()
	require.LessOrEqual(t, peak, 2)
}

func TestMapStopsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	governor := New(Config{}, zap.NewNop())

	var g gauge
	fetch := func(_ context.Context, target string) (check.Source, error) {
		g.enter()
		defer g.exit()
		return check.Source{URL: target}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sources := governor.Map(ctx, []string{
		"https://a.example.com/1",
		"https://b.example.com/2",
	}, fetch)
	require.Empty(t, sources)

	_, calls := g.snapshot()
	require.Zero(t, calls)
}

func TestMapEmptyInput(t *testing.T) {
	t.Parallel()

	governor := New(Config{}, zap.NewNop())
	sources := governor.Map(context.Background(), nil, func(context.Context, string) (check.Source, error) {
		t.Fatal("fetch must not be called")
		return check.Source{}, nil
	})
	require.Nil(t, sources)
}

func TestPrioritizeFrontsPriorityDomains(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.PriorityDomains = []string{"springer.com", "ncbi.nlm.nih.gov"}
	governor := New(cfg, zap.NewNop())

	got := governor.prioritize([]string{
		"https://blog.example.com/a",
		"https://www.springer.com/b",
		"https://misc.example.net/c",
		"https://www.ncbi.nlm.nih.gov/d",
	})
	require.Equal(t, []string{
		"https://www.springer.com/b",
		"https://www.ncbi.nlm.nih.gov/d",
		"https://blog.example.com/a",
		"https://misc.example.net/c",
	}, got)
}

func TestHostnameFallsBackToUnknown(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a.example.com", hostname("https://A.Example.com/path"))
	require.Equal(t, "unknown", hostname("::not-a-url"))
	require.Equal(t, "unknown", hostname("relative/path"))
}
