package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// HTTPConfig controls the collector-backed strategies.
type HTTPConfig struct {
	UserAgent     string
	Timeout       time.Duration
	MaxBodyBytes  int
	RespectRobots bool
}

// HTTPStrategy fetches markup with a pooled colly collector. The academic
// flavor adds the referer and accept headers scholarly publishers expect.
type HTTPStrategy struct {
	name    string
	cfg     HTTPConfig
	headers map[string]string
	base    *colly.Collector
}

// NewDirect builds the plain HTTP strategy that ends every chain.
func NewDirect(cfg HTTPConfig) *HTTPStrategy {
	return newHTTPStrategy("direct", cfg, map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml",
		"Accept-Language": "en-US,en;q=0.9",
	})
}

// NewAcademicHTTP builds the scholarly flavor used on academic chains.
func NewAcademicHTTP(cfg HTTPConfig) *HTTPStrategy {
	return newHTTPStrategy("academic_http", cfg, map[string]string{
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Language":           "en-US,en;q=0.9",
		"Referer":                   "https://scholar.google.com/",
		"DNT":                       "1",
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "cross-site",
	})
}

func newHTTPStrategy(name string, cfg HTTPConfig, headers map[string]string) *HTTPStrategy {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	// Clones share the visit store; the content cache above is what
	// dedups URLs, so revisits stay allowed here.
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	return &HTTPStrategy{
		name:    name,
		cfg:     cfg,
		headers: headers,
		base:    c,
	}
}

func (s *HTTPStrategy) Name() string { return s.name }

// Fetch executes a single GET on a per-call collector clone.
func (s *HTTPStrategy) Fetch(ctx context.Context, url string) (Page, error) {
	collector := s.base.Clone()
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	timeout := s.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var (
		page     Page
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		for key, value := range s.headers {
			r.Headers.Set(key, value)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		page = Page{
			URL:  r.Request.URL.String(),
			HTML: string(r.Body),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = classifyHTTPError(r, err)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return Page{}, failure(ReasonTimeout, ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return Page{}, fetchErr
		}
		if err != nil {
			return Page{}, failure(ReasonNetwork, fmt.Errorf("visit failed: %w", err))
		}
	}

	if page.HTML == "" {
		return Page{}, failure(ReasonThin, errors.New("empty response body"))
	}
	return page, nil
}

func classifyHTTPError(r *colly.Response, err error) error {
	if r == nil || r.StatusCode == 0 {
		return failure(ReasonNetwork, err)
	}
	switch r.StatusCode {
	case http.StatusTooManyRequests:
		return failure(ReasonThrottled, fmt.Errorf("status %d: %w", r.StatusCode, err))
	case http.StatusUnauthorized, http.StatusForbidden:
		return failure(ReasonAuth, fmt.Errorf("status %d: %w", r.StatusCode, err))
	default:
		return failure(ReasonHTTPStatus, fmt.Errorf("status %d: %w", r.StatusCode, err))
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
