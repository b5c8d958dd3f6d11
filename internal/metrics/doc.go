// Package metrics collects gateway events through a buffered channel and
// aggregates them off the connection path.
//
// Events cover the whole pipeline: accepted, denied and capacity-rejected
// connections, routing per pool, backend selections and connect retries,
// completed connections with duration and relayed bytes, and backend health
// changes. Emit never blocks; when the buffer is full the event is dropped.
//
// Two views are served from the same data:
//
//	mux.Handle("/stats", collector.Handler())             // JSON snapshot
//	mux.Handle("/metrics", collector.PrometheusHandler()) // Prometheus text format
//
// The collector drains pending events when its context is cancelled.
package metrics
