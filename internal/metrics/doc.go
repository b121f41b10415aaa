// Package metrics exposes Prometheus metrics for the engine, the memory
// store and the checkpoint store.
//
// Engine metrics are derived from bus events ([Metrics.Observe]), memory
// metrics read the store's counters at scrape time
// ([Metrics.RegisterMemory]), and checkpoint latency comes from a
// decorating store ([Metrics.InstrumentStore]). [Metrics.Serve] runs the
// /metrics endpoint used by `ragents run --metrics-addr`.
package metrics
