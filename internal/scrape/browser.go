package scrape

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// BrowserConfig controls the local headless browser strategy.
type BrowserConfig struct {
	MaxParallel int
	UserAgent   string
	NavTimeout  time.Duration
}

// BrowserStrategy renders pages in a local headless browser. Browser tabs
// are expensive, so concurrent fetches are bounded by MaxParallel slots.
type BrowserStrategy struct {
	cfg         BrowserConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewBrowser creates the headless strategy backed by chromedp.
func NewBrowser(cfg BrowserConfig) (*BrowserStrategy, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &BrowserStrategy{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context and kills the browser.
func (s *BrowserStrategy) Close() {
	s.allocCancel()
}

func (s *BrowserStrategy) Name() string { return "browser" }

// Fetch navigates with a headless tab and snapshots the rendered DOM.
func (s *BrowserStrategy) Fetch(ctx context.Context, url string) (Page, error) {
	if err := s.acquire(ctx); err != nil {
		return Page{}, err
	}
	defer s.release()

	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavTimeout)
	defer cancel()

	meta := &documentMeta{}
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		s.networkSetup(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if taskCtx.Err() != nil || ctx.Err() != nil {
			return Page{}, failure(ReasonTimeout, err)
		}
		return Page{}, failure(ReasonNetwork, fmt.Errorf("chromedp run: %w", err))
	}

	if status := meta.statusCode(); status >= http.StatusBadRequest {
		return Page{}, failure(ReasonHTTPStatus, fmt.Errorf("document status %d", status))
	}

	if finalURL == "" {
		finalURL = url
	}
	return Page{URL: finalURL, HTML: html}, nil
}

func (s *BrowserStrategy) networkSetup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *BrowserStrategy) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return failure(ReasonTimeout, fmt.Errorf("browser slot wait canceled: %w", ctx.Err()))
	}
}

func (s *BrowserStrategy) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

// documentMeta records the main document's response status as CDP events
// stream past.
type documentMeta struct {
	mu     sync.Mutex
	status int
}

func (m *documentMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.mu.Unlock()
}

func (m *documentMeta) statusCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
