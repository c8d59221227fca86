// Package otel observes engine counters through OpenTelemetry instruments on
// a caller-supplied Meter: one Int64ObservableCounter per counter and, for
// the latency histogram, a bucket gauge keyed by an "le" attribute plus a
// count gauge. A single callback reads one snapshot per collection.
package otel
