// Package observability provides structured logging, Prometheus metrics,
// and OpenTelemetry tracing for the AMCP runtime.
//
// The three concerns share a common configuration surface and are wired
// together at server startup. Logging applies secret redaction before any
// record is written. Metrics are registered on the default Prometheus
// registry and exposed via /metrics. Tracing is a no-op unless an OTLP
// endpoint is configured.
package observability
