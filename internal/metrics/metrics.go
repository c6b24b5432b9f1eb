// Package metrics exposes Prometheus collectors for the plagiarism service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapesTotal               *prometheus.CounterVec
	scrapeDurationSeconds      *prometheus.HistogramVec
	cacheEventsTotal           *prometheus.CounterVec
	searchQueriesTotal         *prometheus.CounterVec
	checksTotal                *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	activeFetches              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; the Observe helpers call
// it lazily so importing packages need no explicit setup.
func Init() {
	once.Do(func() {
		scrapesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "puretext_scrapes_total",
				Help: "Total number of scrape attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "puretext_scrape_duration_seconds",
				Help:    "Histogram of scrape latencies, labeled by strategy.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 90},
			},
			[]string{"strategy"},
		)

		cacheEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "puretext_cache_events_total",
				Help: "Total cache events, labeled by tier and event (hit/miss/store/expired).",
			},
			[]string{"tier", "event"},
		)

		searchQueriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "puretext_search_queries_total",
				Help: "Total search queries, labeled by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		)

		checksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "puretext_checks_total",
				Help: "Total number of checks reaching a terminal status.",
			},
			[]string{"status"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "puretext_stage_duration_seconds",
				Help:    "Histogram of pipeline stage durations, labeled by stage.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"stage"},
		)

		activeFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "puretext_active_fetches",
				Help: "Number of fetches currently holding a pool slot.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "puretext_rate_limit_delays_seconds",
				Help:    "Histogram of per-domain rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScrape records one scrape attempt.
func ObserveScrape(strategy, outcome string, duration time.Duration) {
	Init()
	scrapesTotal.WithLabelValues(strategy, outcome).Inc()
	scrapeDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveCache records a cache event for the given tier.
func ObserveCache(tier, event string) {
	Init()
	cacheEventsTotal.WithLabelValues(tier, event).Inc()
}

// ObserveSearch records a search attempt against one provider.
func ObserveSearch(provider, outcome string) {
	Init()
	searchQueriesTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveCheck increments the terminal-status counter for a job.
func ObserveCheck(status string) {
	Init()
	checksTotal.WithLabelValues(status).Inc()
}

// ObserveStage records the duration of one pipeline stage.
func ObserveStage(stage string, duration time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// IncActiveFetches increments the pool slot gauge.
func IncActiveFetches() {
	Init()
	activeFetches.Inc()
}

// DecActiveFetches decrements the pool slot gauge.
func DecActiveFetches() {
	Init()
	activeFetches.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(domain)).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
