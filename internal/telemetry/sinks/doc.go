// Package sinks implements telemetry consumers: structured logging,
// Prometheus counters and durable attempt stores. Each sink satisfies
// telemetry.Sink and is safe for repeated Consume/Close cycles.
package sinks
