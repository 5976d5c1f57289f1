// Package metric provides Prometheus metrics for kvrocks.
//
// It exposes connection and command counters: connected clients, monitor
// clients, refused admissions, idle kick-outs, and per-command dispatch
// counts. The registry is private to the process; Handler() serves it.
package metric
