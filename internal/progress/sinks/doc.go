// Package sinks implements progress consumers for structured logs and
// Prometheus. Each sink satisfies progress.Sink.
package sinks
