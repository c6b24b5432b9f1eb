// Package main hosts the plagiarism check service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and check endpoints. Submitted documents are persisted
//     via the job store and enqueued for asynchronous processing; clients poll job status and fetch results.
//   - Dispatcher & queue: jobs flow through a bounded in-memory queue sized by config.Pipeline.QueueDepth and are
//     fanned out to a fixed worker pool sized by config.Pipeline.Workers. Context cancellation stops workers cleanly
//     on shutdown.
//   - Check pipeline: workers extract distinctive search phrases, query the web search provider chain, acquire
//     candidate sources through the tier-aware scrape router (crawl job, academic HTTP, remote render, local browser,
//     direct HTTP), and score the document with the staged similarity engine (containment, paragraph corroboration,
//     sentence embeddings with lexical verification).
//   - Persistence & fanout: job state lives in memory or Postgres; evidence bundles for completed checks are written
//     to the configured archive (memory/local/GCS); a compact completion event is published to Pub/Sub when a topic
//     is configured.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler. The service is stateless across requests,
//     suitable for Cloud Run scale-out.
//
// Operational notes:
//   - Concurrency model: bounded queue + fixed worker pool; source acquisition runs under a domain-aware governor
//     with global and per-domain slots, token-bucket pacing, and jitter. Shutdown is coordinated via context
//     cancellation propagated from main through the dispatcher to workers.
//   - Observability: zap logs carry job IDs at key transitions; Prometheus counters/histograms track HTTP, scrape,
//     cache, search, and pipeline stage activity.
//   - Cloud Run: the HTTP server listens on the configured port. Health endpoints (/healthz, /readyz) remain
//     lightweight; the process reacts to SIGTERM for graceful drain.
//
// Run locally: go run ./cmd/puretextd -config config.yaml (or rely solely on PURETEXT_* env overrides).
package main
