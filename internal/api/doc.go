// Package api hosts the HTTP server, middleware, and REST handlers for the
// check service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/checks and /v1/analyses for document submission.
//   - POST /v1/checks/{job_id}/run to promote an analysis to a full check.
//   - GET /v1/checks/{job_id} and /v1/checks/{job_id}/result for polling.
package api
