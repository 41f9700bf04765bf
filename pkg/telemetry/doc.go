// Package telemetry provides observability for tfretry: structured logging
// with zerolog, Prometheus metrics, OpenTelemetry tracing, and the durable
// NDJSON attempt log that records every provisioning attempt.
package telemetry
