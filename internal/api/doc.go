// Package api hosts the optional admin HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/proxies and PUT /v1/proxies/active for provider health and
//     live switching.
//   - GET /v1/domains and /v1/domains/{host} for per-host backoff state.
//   - GET /v1/job for the current batch context and /v1/telemetry for hub
//     delivery counters.
package api
