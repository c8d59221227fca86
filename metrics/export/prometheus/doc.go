// Package prometheus exposes engine counters through a
// client_golang Collector. Counter series are named authcore_*_total; the
// validate latency histogram is authcore_validate_latency_seconds.
//
// The collector is never registered in the default registry. Mount
// [Collector.Handler] or register the Collector with your own registry.
package prometheus
