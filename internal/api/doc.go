// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - POST /api/scrape crawls a site and returns the full report.
//   - POST /api/scrape/preview extracts a single page without caching.
//   - GET /api/health reports liveness with a timestamp.
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
package api
