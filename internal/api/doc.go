// Package api hosts the HTTP server, middleware, and REST handlers for the
// edgefetch service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/batch for batched fetches.
//   - GET /v1/fetch for the single-URL proxy path with response caching.
package api
