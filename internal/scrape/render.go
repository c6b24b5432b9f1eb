package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/puretext/puretext/internal/resilience"
)

const defaultWaitSelector = "article, main, .content, #content, p"

// RenderConfig configures the managed browser-rendering API client.
type RenderConfig struct {
	Endpoint     string
	APIKey       string
	Timeout      time.Duration
	WaitSelector string
}

// RenderStrategy drives a rendering extraction service that executes
// JavaScript remotely and returns the settled markup.
type RenderStrategy struct {
	cfg    RenderConfig
	client *resty.Client
	exec   *resilience.Executor
}

// NewRender builds the rendering strategy. Calls run under the executor's
// retry loop and circuit breaker.
func NewRender(cfg RenderConfig, exec *resilience.Executor) *RenderStrategy {
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Authorization", "Basic "+cfg.APIKey)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &RenderStrategy{cfg: cfg, client: client, exec: exec}
}

func (s *RenderStrategy) Name() string { return "render" }

type renderRequest struct {
	URL         string         `json:"url"`
	BrowserHTML bool           `json:"browserHtml"`
	JavaScript  bool           `json:"javascript"`
	Timeout     int            `json:"timeout"`
	Actions     []renderAction `json:"actions"`
}

type renderAction struct {
	Action   string `json:"action"`
	Selector string `json:"selector,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Timeout  int    `json:"timeout,omitempty"`
}

type renderResponse struct {
	BrowserHTML string `json:"browserHtml"`
	Title       string `json:"title"`
	Article     struct {
		Headline string `json:"headline"`
		Body     string `json:"body"`
	} `json:"article"`
}

// Fetch renders url remotely and returns the browser markup, or the
// service's pre-extracted article body when no markup is available.
func (s *RenderStrategy) Fetch(ctx context.Context, url string) (Page, error) {
	var page Page
	err := s.exec.Do(ctx, "render", func(ctx context.Context) error {
		got, callErr := s.call(ctx, url)
		if callErr != nil {
			return callErr
		}
		page = got
		return nil
	}, classifyRenderFailure)
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

func (s *RenderStrategy) call(ctx context.Context, url string) (Page, error) {
	waitSelector := s.cfg.WaitSelector
	if waitSelector == "" {
		waitSelector = defaultWaitSelector
	}
	timeoutSec := int(s.cfg.Timeout.Seconds())
	if timeoutSec <= 0 {
		timeoutSec = 20
	}

	req := renderRequest{
		URL:         url,
		BrowserHTML: true,
		JavaScript:  true,
		Timeout:     timeoutSec,
		Actions: []renderAction{
			{Action: "waitForSelector", Selector: waitSelector, Optional: true},
			{Action: "waitForTimeout", Timeout: 2000},
		},
	}

	var out renderResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(s.cfg.Endpoint)
	if err != nil {
		return Page{}, failure(ReasonNetwork, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return Page{}, failure(ReasonAuth, fmt.Errorf("render api status %d", resp.StatusCode()))
	case http.StatusTooManyRequests:
		return Page{}, failure(ReasonThrottled, fmt.Errorf("render api status %d", resp.StatusCode()))
	default:
		return Page{}, failure(ReasonHTTPStatus, fmt.Errorf("render api status %d", resp.StatusCode()))
	}

	if out.BrowserHTML != "" {
		return Page{URL: url, Title: out.Title, HTML: out.BrowserHTML}, nil
	}
	if out.Article.Body != "" {
		title := out.Article.Headline
		if title == "" {
			title = out.Title
		}
		return Page{URL: url, Title: title, Text: out.Article.Body, Extracted: true}, nil
	}
	return Page{}, failure(ReasonThin, errors.New("render api returned no markup"))
}

// Auth failures never heal on retry; empty markup means the page simply
// has no content worth a second call.
func classifyRenderFailure(err error) resilience.Class {
	switch reasonOf(err) {
	case ReasonAuth:
		return resilience.Class{Retryable: false, RecordFailure: true}
	case ReasonThin:
		return resilience.Class{Retryable: false, RecordFailure: false}
	default:
		return resilience.Class{Retryable: true, RecordFailure: true}
	}
}
