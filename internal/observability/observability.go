// Package observability provides structured logging, Prometheus metrics,
// and health checking capabilities for servicekit.
//
// Key features:
// - Canonical single-line JSON log records through a log/slog handler
// - An explicit Prometheus registry with request, error, build and loop metrics
// - Readiness tracking for registered components
// - HTTP endpoints for /metrics, /healthz, /readyz and /swagger/ on the metrics port
// - A probe that scrapes /metrics and fails when the loop has stalled
package observability
