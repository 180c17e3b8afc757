// Package metrics exposes the Prometheus series the router controller
// records to during request handling, scraped via /metrics.
package metrics
