// Package scrape acquires source documents with tier-aware strategy chains.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Page is the raw outcome of a single strategy attempt. Strategies that
// download or render markup set HTML; the crawl service returns text that
// is already extracted, flagged with Extracted so the selector cascade is
// skipped.
type Page struct {
	URL       string
	Title     string
	HTML      string
	Text      string
	Extracted bool
}

// Strategy fetches one URL in a particular way. Implementations must be
// safe for concurrent use.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, url string) (Page, error)
}

// Failure reasons recorded in attempt trails.
const (
	ReasonBlocked    = "blocked"
	ReasonBadURL     = "bad_url"
	ReasonHTTPStatus = "http_status"
	ReasonNetwork    = "network"
	ReasonThin       = "thin_content"
	ReasonAuth       = "auth"
	ReasonThrottled  = "throttled"
	ReasonTimeout    = "timeout"
	ReasonJobFailed  = "job_failed"
	ReasonExhausted  = "exhausted"
)

// Attempt records one failed strategy within a chain.
type Attempt struct {
	Strategy string
	Reason   string
	Err      error
}

// FetchError is returned when every strategy in a chain failed for a URL.
// The per-strategy trail is kept for diagnostics.
type FetchError struct {
	URL      string
	Reason   string
	Attempts []Attempt
}

func (e *FetchError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Reason)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Strategy+"("+a.Reason+")")
	}
	return fmt.Sprintf("fetch %s: %s after %s", e.URL, e.Reason, strings.Join(parts, ", "))
}

// Unwrap exposes the last attempt's underlying error.
func (e *FetchError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// strategyError classifies a failure inside a strategy so the router can
// record a meaningful reason without parsing error strings.
type strategyError struct {
	reason string
	err    error
}

func (e *strategyError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *strategyError) Unwrap() error { return e.err }

func failure(reason string, err error) error {
	return &strategyError{reason: reason, err: err}
}

// reasonOf extracts the classification from a strategy error, defaulting
// to a network failure for plain errors.
func reasonOf(err error) string {
	var se *strategyError
	if errors.As(err, &se) {
		return se.reason
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonTimeout
	}
	return ReasonNetwork
}
