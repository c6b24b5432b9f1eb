package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Crawl job states reported by the service.
const (
	crawlStateFinished = "finished"
	crawlStateError    = "error"
	crawlStateDeleted  = "deleted"
	crawlStateFailed   = "failed"
	crawlStateNotFound = "not_found"
)

// CrawlConfig configures the job-based crawl service client.
type CrawlConfig struct {
	RunURL    string
	StatusURL string
	ItemsURL  string
	APIKey    string
	Project   string
	Spider    string

	PollInitial    time.Duration
	PollMultiplier float64
	PollMax        time.Duration
	Timeout        time.Duration
}

// CrawlStrategy submits a spider run for one URL, polls it to completion
// with exponential backoff, and takes the first extracted item. It is the
// slowest and most expensive strategy, reserved for academic chains.
type CrawlStrategy struct {
	cfg    CrawlConfig
	client *resty.Client
}

// NewCrawl builds the crawl-job strategy.
func NewCrawl(cfg CrawlConfig) *CrawlStrategy {
	return &CrawlStrategy{cfg: cfg, client: resty.New()}
}

func (s *CrawlStrategy) Name() string { return "crawljob" }

type crawlSubmitResponse struct {
	JobID string `json:"jobid"`
}

type crawlStatusResponse struct {
	Jobs []struct {
		State string `json:"state"`
	} `json:"jobs"`
}

type crawlItem struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Fetch runs the submit/poll/fetch-items protocol under the configured
// overall deadline.
func (s *CrawlStrategy) Fetch(ctx context.Context, url string) (Page, error) {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jobID, err := s.submit(ctx, url)
	if err != nil {
		return Page{}, err
	}

	if err := s.waitFinished(ctx, jobID); err != nil {
		return Page{}, err
	}

	item, err := s.firstItem(ctx, jobID)
	if err != nil {
		return Page{}, err
	}
	if strings.TrimSpace(item.Content) == "" {
		return Page{}, failure(ReasonThin, errors.New("crawl job returned empty content"))
	}

	return Page{URL: url, Title: item.Title, Text: item.Content, Extracted: true}, nil
}

func (s *CrawlStrategy) submit(ctx context.Context, url string) (string, error) {
	var out crawlSubmitResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("apikey", s.cfg.APIKey).
		SetFormData(map[string]string{
			"project":   s.cfg.Project,
			"spider":    s.cfg.Spider,
			"start_url": url,
		}).
		SetResult(&out).
		Post(s.cfg.RunURL)
	if err != nil {
		return "", requestFailure(ctx, err)
	}
	if code := resp.StatusCode(); code != http.StatusOK {
		return "", submitStatusFailure(code)
	}
	if out.JobID == "" {
		return "", failure(ReasonJobFailed, errors.New("crawl service returned no job id"))
	}
	return out.JobID, nil
}

func (s *CrawlStrategy) waitFinished(ctx context.Context, jobID string) error {
	interval := s.cfg.PollInitial
	if interval <= 0 {
		interval = 2 * time.Second
	}
	multiplier := s.cfg.PollMultiplier
	if multiplier < 1 {
		multiplier = 1.5
	}
	maxInterval := s.cfg.PollMax
	if maxInterval <= 0 {
		maxInterval = 10 * time.Second
	}

	for {
		state, err := s.jobState(ctx, jobID)
		if err != nil {
			return err
		}
		switch state {
		case crawlStateFinished:
			return nil
		case crawlStateError, crawlStateDeleted, crawlStateFailed, crawlStateNotFound:
			return failure(ReasonJobFailed, fmt.Errorf("crawl job state %q", state))
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return failure(ReasonTimeout, ctx.Err())
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * multiplier)
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

func (s *CrawlStrategy) jobState(ctx context.Context, jobID string) (string, error) {
	var out crawlStatusResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"apikey":  s.cfg.APIKey,
			"project": s.cfg.Project,
			"job":     jobID,
		}).
		SetResult(&out).
		Get(s.cfg.StatusURL)
	if err != nil {
		return "", requestFailure(ctx, err)
	}
	if code := resp.StatusCode(); code != http.StatusOK {
		return "", failure(ReasonHTTPStatus, fmt.Errorf("crawl status endpoint returned %d", code))
	}
	if len(out.Jobs) == 0 {
		return crawlStateNotFound, nil
	}
	return out.Jobs[0].State, nil
}

func (s *CrawlStrategy) firstItem(ctx context.Context, jobID string) (crawlItem, error) {
	storageID := jobID
	if !strings.Contains(storageID, "/") {
		storageID = s.cfg.Project + "/" + jobID
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"apikey": s.cfg.APIKey,
			"format": "json",
		}).
		Get(strings.TrimSuffix(s.cfg.ItemsURL, "/") + "/" + storageID)
	if err != nil {
		return crawlItem{}, requestFailure(ctx, err)
	}
	if code := resp.StatusCode(); code != http.StatusOK {
		return crawlItem{}, failure(ReasonHTTPStatus, fmt.Errorf("crawl items endpoint returned %d", code))
	}

	// Items arrive as JSON lines, one item per line.
	for _, line := range strings.Split(string(resp.Body()), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var item crawlItem
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			continue
		}
		return item, nil
	}
	return crawlItem{}, failure(ReasonThin, errors.New("crawl job produced no items"))
}

func submitStatusFailure(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return failure(ReasonAuth, fmt.Errorf("crawl run endpoint returned %d", code))
	case http.StatusTooManyRequests:
		return failure(ReasonThrottled, fmt.Errorf("crawl run endpoint returned %d", code))
	default:
		return failure(ReasonHTTPStatus, fmt.Errorf("crawl run endpoint returned %d", code))
	}
}

func requestFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return failure(ReasonTimeout, ctx.Err())
	}
	return failure(ReasonNetwork, err)
}
