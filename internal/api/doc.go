// Package api hosts the optional status server for a running crawl. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /status for the session state and frontier counts.
//   - GET /metrics for Prometheus scraping.
package api
