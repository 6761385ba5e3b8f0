// Package main hosts the webtomd entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /api/scrape, /api/scrape/preview, health and metrics endpoints.
//     Requests are charged against per-client budgets in internal/scraper before any work starts.
//   - Orchestration: each scrape becomes a job in internal/orchestrator. Discovery (robots.txt, sitemaps,
//     then seed links) yields the frontier, which is fanned out over a bounded queue to a fixed worker pool.
//     Results are slotted by dispatch index, so the report order never depends on fetch latency.
//   - Fetch pipeline: workers consult the page cache, then fetch through an ordered strategy chain
//     (colly, then chromedp when the detector flags a JavaScript shell, then the rendering proxy once a
//     site blocks us), and convert the main content to markdown.
//   - Cache: extracted pages are stored for cache.ttl_seconds in memory, Redis or Postgres. A broken cache
//     store degrades to misses rather than failing scrapes.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging;
//     Prometheus metrics are exported via the metrics middleware and /metrics handler.
//
// Quick checklist:
//   - Configure env vars: WEBTOMD_SERVER_PORT or PORT, WEBTOMD_CRAWLER_WORKERS, WEBTOMD_CACHE_STORE,
//     WEBTOMD_HEADLESS_ENABLED, WEBTOMD_PROXY_API_KEY, WEBTOMD_AUTH_API_KEY.
//   - Run locally: go run ./cmd/webtomd serve --config webtomd.yaml
//   - One-off: go run ./cmd/webtomd scrape example.com --max-pages 5
package main
