// Package observability provides the request-scoped telemetry substrate:
// structured logging with secret redaction, Prometheus metrics, OpenTelemetry
// tracing, and the rolling per-provider latency tracker the planner uses for
// duration estimates.
//
// Every request carries a request id, a redacted principal id, and (inside a
// fan-out leg) a provider id through context. Loggers and spans pick those up
// automatically; no call site should log a raw principal id, credential, or
// prompt.
package observability
