// Package observability provides a Prometheus metrics extension. The
// MetricsExtension implements lifecycle hooks to record system-wide
// counters for session starts, attempt starts, moderation blocks by
// layer, successes, scheduled retries, and session outcomes.
//
// For per-invocation tracing, see the middleware package:
// middleware.Tracing().
package observability
